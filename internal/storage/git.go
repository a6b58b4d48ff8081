package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const msgRemoteRepoEmpty = "remote repository is empty"

// GitConfig holds configuration for the git-backed sync root transport.
type GitConfig struct {
	URL      string // Remote git repository URL (NSYNC_GIT_URL)
	Password string // Password/token for HTTPS auth (NSYNC_GIT_PASS)
	Branch   string // Target branch (NSYNC_GIT_BRANCH)
	User     string // Commit author name (NSYNC_GIT_USER)
	Email    string // Commit author email (NSYNC_GIT_EMAIL)
}

// LoadGitConfigFromEnv loads the git transport configuration from environment variables.
func LoadGitConfigFromEnv() *GitConfig {
	cfg := &GitConfig{
		URL:      os.Getenv("NSYNC_GIT_URL"),
		Password: os.Getenv("NSYNC_GIT_PASS"),
		Branch:   os.Getenv("NSYNC_GIT_BRANCH"),
		User:     os.Getenv("NSYNC_GIT_USER"),
		Email:    os.Getenv("NSYNC_GIT_EMAIL"),
	}

	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.User == "" {
		cfg.User = "notesync"
	}
	if cfg.Email == "" {
		cfg.Email = "notesync@local"
	}

	return cfg
}

// IsEnabled returns true if the git transport is configured.
func (c *GitConfig) IsEnabled() bool {
	return c != nil && c.URL != ""
}

// IsSSH returns true if the URL is an SSH URL.
func (c *GitConfig) IsSSH() bool {
	if c == nil || c.URL == "" {
		return false
	}
	return strings.HasPrefix(c.URL, "git@") || strings.HasPrefix(c.URL, "ssh://")
}

// GetAuth returns the appropriate authentication method for the remote URL.
func (c *GitConfig) GetAuth() (transport.AuthMethod, error) {
	if !c.IsEnabled() {
		return nil, apperrors.ErrRemoteNotConfigured
	}

	if c.IsSSH() {
		auth, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, fmt.Errorf("create SSH agent auth: %w", err)
		}
		return auth, nil
	}

	if c.Password == "" {
		return nil, apperrors.ErrHTTPSPasswordRequired
	}

	return &http.BasicAuth{
		Username: "oauth2",
		Password: c.Password,
	}, nil
}

// TestConnection tests the connection to the remote repository.
func (c *GitConfig) TestConnection(ctx context.Context) error {
	if !c.IsEnabled() {
		return apperrors.ErrRemoteNotConfigured
	}

	auth, err := c.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	rem := git.NewRemote(nil, &config.RemoteConfig{
		Name: "origin",
		URLs: []string{c.URL},
	})

	if _, err = rem.ListContext(ctx, &git.ListOptions{Auth: auth}); err != nil {
		// Empty repository is a valid connection
		if err.Error() == msgRemoteRepoEmpty {
			return nil
		}
		return fmt.Errorf("list remote: %w", err)
	}
	return nil
}

// GitRoot is a sync root backed by a git worktree. Opening pulls the latest
// state from the remote; Close commits the worktree and pushes. Between the
// two, the worktree behaves like any other directory root.
type GitRoot struct {
	*BillyRoot
	repo   *git.Repository
	cfg    *GitConfig
	logger *slog.Logger
}

// NewGitRoot clones or opens a git-backed sync root in dir and pulls the
// configured branch.
func NewGitRoot(ctx context.Context, dir string, cfg *GitConfig, opts ...BillyRootOption) (*GitRoot, error) {
	root := &GitRoot{
		cfg:    cfg,
		logger: slog.Default(),
	}

	repo, err := root.initializeRepository(dir)
	if err != nil {
		return nil, err
	}
	root.repo = repo

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	root.BillyRoot = NewBillyRoot(worktree.Filesystem, opts...)
	root.logger = root.BillyRoot.logger

	if err := root.pull(ctx); err != nil {
		return nil, err
	}
	return root, nil
}

// Close commits any worktree changes and pushes them to the remote.
func (r *GitRoot) Close(ctx context.Context) error {
	if err := r.commit(ctx); err != nil {
		return err
	}
	return r.push(ctx)
}

// pull fetches and merges changes from the remote repository.
func (r *GitRoot) pull(ctx context.Context) error {
	if !r.cfg.IsEnabled() {
		return nil
	}

	auth, err := r.cfg.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	r.logger.InfoContext(ctx, "pulling sync root from remote", "url", r.cfg.URL, "branch", r.cfg.Branch)

	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(r.cfg.Branch),
		Auth:          auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if err.Error() == msgRemoteRepoEmpty {
			r.logger.InfoContext(ctx, msgRemoteRepoEmpty+", nothing to pull")
			return nil
		}
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

// commit stages and commits all worktree changes.
func (r *GitRoot) commit(ctx context.Context) error {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("git add: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	hasChanges := false
	for _, s := range status {
		if s.Staging != ' ' {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return nil
	}

	message := fmt.Sprintf("[notesync] sync at %s", time.Now().Format(time.RFC3339))
	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  r.cfg.User,
			Email: r.cfg.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.InfoContext(ctx, "committed sync root changes")
	return nil
}

// push pushes local commits to the remote repository.
func (r *GitRoot) push(ctx context.Context) error {
	if !r.cfg.IsEnabled() {
		return nil
	}

	auth, err := r.cfg.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	r.logger.InfoContext(ctx, "pushing sync root to remote", "url", r.cfg.URL, "branch", r.cfg.Branch)

	err = r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// initializeRepository clones from the remote or opens/creates a local repository.
func (r *GitRoot) initializeRepository(dir string) (*git.Repository, error) {
	_, statErr := os.Stat(dir)
	dirExists := statErr == nil

	if r.cfg.IsEnabled() && !dirExists {
		return r.cloneFromRemote(dir)
	}
	return r.openOrCreateLocalRepo(dir)
}

// cloneFromRemote clones a repository from the remote URL.
func (r *GitRoot) cloneFromRemote(dir string) (*git.Repository, error) {
	r.logger.Info("cloning sync root", "url", r.cfg.URL, "branch", r.cfg.Branch)

	auth, err := r.cfg.GetAuth()
	if err != nil {
		return nil, fmt.Errorf("get auth: %w", err)
	}

	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:           r.cfg.URL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(r.cfg.Branch),
		SingleBranch:  true,
	})
	if err == nil {
		return repo, nil
	}

	// Handle empty repository: init locally and add the remote
	if err.Error() != msgRemoteRepoEmpty {
		return nil, fmt.Errorf("clone repository: %w", err)
	}
	return r.initRepoWithRemote(dir)
}

// initRepoWithRemote initializes a new repository and adds the remote.
func (r *GitRoot) initRepoWithRemote(dir string) (*git.Repository, error) {
	r.logger.Info(msgRemoteRepoEmpty + ", initializing locally")

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}

	if err := r.addRemoteToRepo(repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// openOrCreateLocalRepo opens an existing repository or creates a new one.
func (r *GitRoot) openOrCreateLocalRepo(dir string) (*git.Repository, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainOpen(dir)
	if err == nil {
		return r.ensureRemoteConfigured(repo)
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open git repo: %w", err)
	}

	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}

	if r.cfg.IsEnabled() {
		if err := r.addRemoteToRepo(repo); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

// ensureRemoteConfigured ensures the origin remote is configured.
func (r *GitRoot) ensureRemoteConfigured(repo *git.Repository) (*git.Repository, error) {
	if !r.cfg.IsEnabled() {
		return repo, nil
	}

	if _, err := repo.Remote("origin"); err == nil {
		return repo, nil
	}

	r.logger.Info("adding remote origin to existing repo", "url", r.cfg.URL)
	if err := r.addRemoteToRepo(repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// addRemoteToRepo adds the origin remote to a repository.
func (r *GitRoot) addRemoteToRepo(repo *git.Repository) error {
	_, err := repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{r.cfg.URL},
	})
	if err != nil {
		return fmt.Errorf("add remote origin: %w", err)
	}
	return nil
}
