// Package cmd provides the CLI commands for notesync.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/fclairamb/notesync/internal/apperrors"
	"github.com/fclairamb/notesync/internal/engine"
	"github.com/fclairamb/notesync/internal/note"
	"github.com/fclairamb/notesync/internal/storage"
	"github.com/fclairamb/notesync/internal/syncclient"
	"github.com/fclairamb/notesync/internal/syncserver"
	"github.com/fclairamb/notesync/internal/version"
)

const (
	syncStateDirName  = ".sync"
	syncStateFileName = "manifest.xml"
	clientIDFileName  = "client-id"

	clientIDFilePerm = 0600
)

var (
	// konfig is the global koanf instance.
	konfig = koanf.New(".")
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// notesDirFlag is the shared note directory flag for all commands.
var notesDirFlag = &cli.StringFlag{
	Name:    "notes-dir",
	Usage:   "Path to the note directory",
	Aliases: []string{"d"},
	Value:   "notes",
	Sources: cli.EnvVars("NSYNC_NOTES_DIR"),
}

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format (default).
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"
)

// getLogFormat returns the configured log format from NSYNC_LOG_FORMAT environment variable.
func getLogFormat() LogFormat {
	val := strings.ToLower(os.Getenv("NSYNC_LOG_FORMAT"))
	switch val {
	case "json":
		return LogFormatJSON
	case "text", "":
		return LogFormatText
	default:
		// Invalid format - will warn after logger is set up
		return LogFormatText
	}
}

// setupLogging configures the global logger based on the verbose flag and NSYNC_LOG_FORMAT.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	format := getLogFormat()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	// Warn about invalid format after logger is set up
	envVal := strings.ToLower(os.Getenv("NSYNC_LOG_FORMAT"))
	if envVal != "" && envVal != "text" && envVal != "json" {
		slog.Warn("Invalid NSYNC_LOG_FORMAT value, using text format", "value", envVal)
	}

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "notesync",
		Usage:   "Synchronize a note directory across devices through a shared sync root",
		Version: version.Version,
		Flags: []cli.Flag{
			notesDirFlag,
			&cli.StringFlag{
				Name:    "sync-dir",
				Usage:   "Path to the shared sync root directory",
				Sources: cli.EnvVars("NSYNC_SYNC_DIR"),
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			// Load environment variables with NSYNC_ prefix
			if err := konfig.Load(env.Provider(".", env.Opt{
				Prefix: "NSYNC_",
			}), nil); err != nil {
				return ctx, fmt.Errorf("load env: %w", err)
			}

			return ctx, nil
		},
		Commands: []*cli.Command{
			syncCommand(),
			watchCommand(),
			statusCommand(),
			resetCommand(),
			noteCommand(),
			remoteCommand(),
		},
	}
}

// syncCommand creates the sync subcommand.
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one synchronization against the sync root",
		Flags: []cli.Flag{
			notesDirFlag,
			&cli.StringFlag{
				Name:    "sync-dir",
				Usage:   "Path to the shared sync root directory",
				Sources: cli.EnvVars("NSYNC_SYNC_DIR"),
			},
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Resolve conflicts without prompting by keeping both versions",
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, client, err := setupStoreAndClient(cmd)
			if err != nil {
				return err
			}
			defer closeClient(client)

			var observer engine.Observer = newConsoleObserver(cmd.Bool("yes"))
			manager := engine.New(store, client, buildServerFactory(cmd),
				engine.WithObserver(observer),
				engine.WithLogger(slog.Default()))

			if err := manager.Synchronize(ctx); err != nil {
				return fmt.Errorf("synchronize: %w", err)
			}

			displaySyncComplete(client)
			return nil
		},
	}
}

// watchCommand creates the watch subcommand.
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Synchronize in the background whenever notes change",
		Flags: []cli.Flag{
			notesDirFlag,
			&cli.StringFlag{
				Name:    "sync-dir",
				Usage:   "Path to the shared sync root directory",
				Sources: cli.EnvVars("NSYNC_SYNC_DIR"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "Background check interval (floor: 5m)",
				Value:   engine.MinCheckInterval,
				Sources: cli.EnvVars("NSYNC_CHECK_INTERVAL"),
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, client, err := setupStoreAndClient(cmd)
			if err != nil {
				return err
			}
			defer closeClient(client)

			// Background runs never prompt; conflicts take the remote version.
			manager := engine.New(store, client, buildServerFactory(cmd),
				engine.WithLogger(slog.Default()))

			checker := engine.NewChecker(manager, store.Dir(),
				engine.WithInterval(cmd.Duration("interval")),
				engine.WithCheckerLogger(slog.Default()))

			if err := checker.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
}

// statusCommand creates the status subcommand.
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show local sync state and, when reachable, the sync root state",
		Flags: []cli.Flag{
			notesDirFlag,
			&cli.StringFlag{
				Name:    "sync-dir",
				Usage:   "Path to the shared sync root directory",
				Sources: cli.EnvVars("NSYNC_SYNC_DIR"),
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, client, err := setupStoreAndClient(cmd)
			if err != nil {
				return err
			}
			defer closeClient(client)

			displayLocalStatus(store, client)
			displayRemoteStatus(ctx, cmd, client)
			return nil
		},
	}
}

// resetCommand creates the reset subcommand.
func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Forget the local sync state, forcing a full resync",
		Flags: []cli.Flag{
			notesDirFlag,
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Reset without confirmation",
			},
			verboseFlag,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			setupLogging(cmd)
			return ctx, nil
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if !cmd.Bool("force") && !confirmReset() {
				return nil
			}

			_, client, err := setupStoreAndClient(cmd)
			if err != nil {
				return err
			}
			defer closeClient(client)

			if err := client.Reset(); err != nil {
				return fmt.Errorf("reset sync state: %w", err)
			}

			slog.Info("sync state reset, next sync will be a full resync")
			return nil
		},
	}
}

// noteCommand creates the note subcommand for local note management.
func noteCommand() *cli.Command {
	return &cli.Command{
		Name:  "note",
		Usage: "Manage local notes",
		Commands: []*cli.Command{
			{
				Name:      "new",
				Usage:     "Create a note",
				ArgsUsage: "<title> [content]",
				Flags:     []cli.Flag{notesDirFlag, verboseFlag},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrNoteTitleRequired
					}
					title := cmd.Args().Get(0)
					content := strings.Join(cmd.Args().Slice()[1:], " ")

					store, err := openStore(cmd)
					if err != nil {
						return err
					}
					n, err := store.Create(title, content)
					if err != nil {
						return fmt.Errorf("create note: %w", err)
					}

					slog.Info("note created", "title", n.Title, "id", n.ID)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List notes",
				Flags: []cli.Flag{notesDirFlag, verboseFlag},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					store, err := openStore(cmd)
					if err != nil {
						return err
					}
					displayNoteList(store)
					return nil
				},
			},
			{
				Name:      "show",
				Usage:     "Show a note",
				ArgsUsage: "<title>",
				Flags:     []cli.Flag{notesDirFlag, verboseFlag},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrNoteTitleRequired
					}

					store, err := openStore(cmd)
					if err != nil {
						return err
					}
					n := store.Find(cmd.Args().Get(0))
					if n == nil {
						return fmt.Errorf("%w: %q", apperrors.ErrNoteNotFound, cmd.Args().Get(0))
					}

					displayNote(n)
					return nil
				},
			},
			{
				Name:      "rm",
				Usage:     "Delete a note",
				ArgsUsage: "<title>",
				Flags:     []cli.Flag{notesDirFlag, verboseFlag},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrNoteTitleRequired
					}

					store, client, err := setupStoreAndClient(cmd)
					if err != nil {
						return err
					}
					defer closeClient(client)

					n := store.Find(cmd.Args().Get(0))
					if n == nil {
						return fmt.Errorf("%w: %q", apperrors.ErrNoteNotFound, cmd.Args().Get(0))
					}

					// Record the deletion with its title while we still know it,
					// so the next sync can report what it removes remotely.
					if client.GetRevision(n.ID) != syncclient.UnknownRevision {
						if err := client.AddDeletedNote(n.ID, n.Title); err != nil {
							return fmt.Errorf("record deletion: %w", err)
						}
					}
					if err := store.Delete(n); err != nil {
						return fmt.Errorf("delete note: %w", err)
					}

					slog.Info("note deleted", "title", n.Title, "id", n.ID)
					return nil
				},
			},
		},
	}
}

// remoteCommand creates the remote subcommand.
func remoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "remote",
		Usage: "Manage the git-backed sync root",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show current remote configuration from environment variables",
				Flags: []cli.Flag{
					verboseFlag,
				},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(_ context.Context, _ *cli.Command) error {
					cfg := storage.LoadGitConfigFromEnv()
					displayGitConfig(cfg)
					return nil
				},
			},
			{
				Name:  "test",
				Usage: "Test connection to the remote git repository",
				Flags: []cli.Flag{
					verboseFlag,
				},
				Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
					setupLogging(cmd)
					return ctx, nil
				},
				Action: func(ctx context.Context, _ *cli.Command) error {
					cfg := storage.LoadGitConfigFromEnv()

					if !cfg.IsEnabled() {
						return apperrors.ErrRemoteNotConfigured
					}

					return displayConnectionTest(ctx, cfg)
				},
			},
		},
	}
}

// resolveNotesDir returns the note directory from NSYNC_DIR or the
// --notes-dir flag.
func resolveNotesDir(cmd *cli.Command) string {
	// NSYNC_DIR env var takes precedence
	if dir := konfig.String("NSYNC_DIR"); dir != "" {
		return dir
	}

	notesDir := cmd.String("notes-dir")
	if notesDir == "" {
		notesDir = "notes"
	}
	return notesDir
}

// openStore opens the note store from command flags.
func openStore(cmd *cli.Command) (*note.Store, error) {
	store, err := note.OpenStore(resolveNotesDir(cmd), note.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("open note store: %w", err)
	}
	return store, nil
}

// setupStoreAndClient opens the note store and its sync state.
func setupStoreAndClient(cmd *cli.Command) (*note.Store, *syncclient.Client, error) {
	store, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}

	stateDir := filepath.Join(store.Dir(), syncStateDirName)
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("create sync state directory: %w", err)
	}

	client, err := syncclient.Open(filepath.Join(stateDir, syncStateFileName),
		syncclient.WithLogger(slog.Default()))
	if err != nil {
		return nil, nil, fmt.Errorf("open sync state: %w", err)
	}
	return store, client, nil
}

func closeClient(client *syncclient.Client) {
	if err := client.Close(); err != nil {
		slog.Warn("failed to close sync state", "error", err)
	}
}

// loadClientID returns this installation's stable id, generating it on first
// use.
func loadClientID(stateDir string) (string, error) {
	idPath := filepath.Join(stateDir, clientIDFileName)
	data, err := os.ReadFile(idPath) //nolint:gosec // path is application controlled
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read client id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(idPath, []byte(id+"\n"), clientIDFilePerm); err != nil {
		return "", fmt.Errorf("write client id: %w", err)
	}
	return id, nil
}

// buildServerFactory wires the sync transport from the environment: a git
// repository when NSYNC_GIT_URL is set, otherwise a plain directory from
// --sync-dir / NSYNC_SYNC_DIR.
func buildServerFactory(cmd *cli.Command) engine.ServerFactory {
	notesDir := resolveNotesDir(cmd)
	syncDir := cmd.String("sync-dir")

	return func(ctx context.Context) (engine.SyncServer, error) {
		stateDir := filepath.Join(notesDir, syncStateDirName)
		clientID, err := loadClientID(stateDir)
		if err != nil {
			return nil, err
		}

		gitCfg := storage.LoadGitConfigFromEnv()

		var root storage.Root
		switch {
		case gitCfg.IsEnabled():
			gitRoot, gitErr := storage.NewGitRoot(ctx, filepath.Join(stateDir, "git"), gitCfg,
				storage.WithLogger(slog.Default()))
			if gitErr != nil {
				return nil, fmt.Errorf("open git sync root: %w", gitErr)
			}
			root = gitRoot
		case syncDir != "":
			localRoot, localErr := storage.NewLocalRoot(syncDir, storage.WithLogger(slog.Default()))
			if localErr != nil {
				return nil, fmt.Errorf("open sync root: %w", localErr)
			}
			root = localRoot
		default:
			return nil, apperrors.ErrNoSyncService
		}

		server, err := syncserver.New(ctx, root, clientID, syncserver.WithLogger(slog.Default()))
		if err != nil {
			if closeErr := root.Close(ctx); closeErr != nil {
				slog.WarnContext(ctx, "failed to close sync root", "error", closeErr)
			}
			return nil, fmt.Errorf("create sync server: %w", err)
		}
		return server, nil
	}
}
