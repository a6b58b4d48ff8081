// Package cmd provides the CLI commands for notesync.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/urfave/cli/v3"

	"github.com/fclairamb/notesync/internal/engine"
	"github.com/fclairamb/notesync/internal/note"
	"github.com/fclairamb/notesync/internal/storage"
	"github.com/fclairamb/notesync/internal/syncclient"
	"github.com/fclairamb/notesync/internal/syncserver"
)

const (
	// Time duration constants for relative time formatting.
	hoursPerDay  = 24
	daysPerWeek  = 7
	daysPerMonth = 30
)

// consoleObserver reports sync progress on stdout and resolves conflicts by
// prompting, or by keeping both versions when --yes is set.
type consoleObserver struct {
	keepBoth bool
	stdin    *bufio.Scanner
}

func newConsoleObserver(keepBoth bool) *consoleObserver {
	return &consoleObserver{
		keepBoth: keepBoth,
		stdin:    bufio.NewScanner(os.Stdin),
	}
}

// StateChanged prints phase transitions worth showing to the user.
//
//nolint:forbidigo // CLI user output function
func (o *consoleObserver) StateChanged(state engine.State) {
	switch state {
	case engine.AcquiringLock:
		fmt.Println("Connecting to sync root...")
	case engine.Downloading:
		fmt.Println("Downloading changes...")
	case engine.Uploading:
		fmt.Println("Uploading changes...")
	case engine.CommittingChanges:
		fmt.Println("Committing...")
	case engine.Locked:
		fmt.Println("Sync root is locked by another device; try again later.")
	default:
	}
}

// NoteSynchronized prints one line per synchronized note.
//
//nolint:forbidigo // CLI user output function
func (o *consoleObserver) NoteSynchronized(title string, syncType engine.NoteSyncType) {
	fmt.Printf("  %s: %s\n", syncType, title)
}

// NoteConflictDetected prompts the user to resolve a conflicting note.
//
//nolint:forbidigo // CLI user output function
func (o *consoleObserver) NoteConflictDetected(
	localNote *note.Note, remoteNote syncserver.NoteUpdate, _ []string,
) engine.ConflictResolution {
	if o.keepBoth {
		return engine.RenameExistingAndUpdate
	}

	fmt.Printf("\nConflict: note %q was changed on both sides.\n", localNote.Title)
	printConflictDiff(localNote, remoteNote)

	for {
		fmt.Print("Resolve: [o]verwrite local, [r]ename local and take remote (default), [k]eep local under new title, [c]ancel sync: ")
		if !o.stdin.Scan() {
			return engine.CancelSync
		}
		switch strings.ToLower(strings.TrimSpace(o.stdin.Text())) {
		case "o":
			return engine.OverwriteExisting
		case "r", "":
			return engine.RenameExistingAndUpdate
		case "k":
			return engine.RenameExistingNoUpdate
		case "c":
			return engine.CancelSync
		default:
			fmt.Println("Please answer o, r, k or c.")
		}
	}
}

// printConflictDiff shows what differs between the local and remote versions.
//
//nolint:forbidigo // CLI user output function
func printConflictDiff(localNote *note.Note, remoteNote syncserver.NoteUpdate) {
	remoteBits, err := note.ParseSyncBits(remoteNote.XMLContent)
	if err != nil {
		fmt.Println("  (remote version could not be parsed for display)")
		return
	}
	localBits := localNote.SyncBits()

	if localBits.Title != remoteBits.Title {
		fmt.Printf("  title: %q (local) vs %q (remote)\n", localBits.Title, remoteBits.Title)
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(localBits.Content, remoteBits.Content, false)
	dmp.DiffCleanupSemantic(diffs)
	fmt.Println(dmp.DiffPrettyText(diffs))
}

// confirmReset asks the user to confirm wiping the sync state.
//
//nolint:forbidigo // CLI user output function
func confirmReset() bool {
	fmt.Print("This forgets what has been synchronized and forces a full resync. Continue? [y/N]: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.ToLower(strings.TrimSpace(scanner.Text())) == "y"
}

// displaySyncComplete summarizes a finished synchronization.
//
//nolint:forbidigo // CLI user output function
func displaySyncComplete(client *syncclient.Client) {
	fmt.Printf("\nSynchronized. Local revision: %d\n", client.LastSynchronizedRevision())
}

// displayNoteList prints all notes in the store.
//
//nolint:forbidigo // CLI user output function
func displayNoteList(store *note.Store) {
	if store.Count() == 0 {
		fmt.Println("No notes.")
		return
	}

	fmt.Printf("%d notes:\n", store.Count())
	_ = store.ForEach(func(n *note.Note) error {
		tags := ""
		if len(n.Tags) > 0 {
			tags = fmt.Sprintf(" [%s]", strings.Join(n.Tags, ", "))
		}
		fmt.Printf("  %s%s (changed %s)\n", n.Title, tags, formatTimeSince(n.LastChangeTime))
		return nil
	})
}

// displayNote prints a single note.
//
//nolint:forbidigo // CLI user output function
func displayNote(n *note.Note) {
	fmt.Printf("%s\n", n.Title)
	fmt.Printf("id: %s, changed %s\n", n.ID, formatTimeSince(n.LastChangeTime))
	if len(n.Tags) > 0 {
		fmt.Printf("tags: %s\n", strings.Join(n.Tags, ", "))
	}
	fmt.Println()
	fmt.Println(n.Content)
}

// displayLocalStatus prints this device's sync state.
//
//nolint:forbidigo // CLI user output function
func displayLocalStatus(store *note.Store, client *syncclient.Client) {
	fmt.Println("Notesync Status")
	fmt.Println()
	fmt.Printf("Notes:          %d (%s)\n", store.Count(), store.Dir())
	fmt.Printf("Last sync:      %s\n", formatTimeSince(client.LastSyncDate()))

	if client.LastSynchronizedRevision() == syncclient.UnknownRevision {
		fmt.Println("Local revision: never synced")
	} else {
		fmt.Printf("Local revision: %d\n", client.LastSynchronizedRevision())
	}

	if serverID := client.AssociatedServerID(); serverID != "" {
		fmt.Printf("Paired store:   %s\n", serverID)
	}

	if deletions := client.DeletedNotes(); len(deletions) > 0 {
		fmt.Printf("Pending deletions: %d\n", len(deletions))
		for _, d := range deletions {
			title := d.Title
			if title == "" {
				title = d.ID
			}
			fmt.Printf("  - %s\n", title)
		}
	}
}

// displayRemoteStatus prints the sync root's state when a transport is
// configured and reachable.
//
//nolint:forbidigo // CLI user output function
func displayRemoteStatus(ctx context.Context, cmd *cli.Command, client *syncclient.Client) {
	factory := buildServerFactory(cmd)
	server, err := factory(ctx)
	if err != nil {
		fmt.Printf("\nSync root: unavailable (%v)\n", err)
		return
	}
	defer func() {
		if closeErr := server.Close(ctx); closeErr != nil {
			slog.WarnContext(ctx, "failed to close sync server", "error", closeErr)
		}
	}()

	fmt.Println()
	latest, err := server.LatestRevision(ctx)
	if err != nil {
		fmt.Printf("Sync root: unreadable (%v)\n", err)
		return
	}
	if latest < 0 {
		fmt.Println("Sync root: empty (never synced)")
	} else {
		fmt.Printf("Sync root revision: %d\n", latest)
		if client.LastSynchronizedRevision() < latest {
			fmt.Println("Updates are available; run 'sync'.")
		}
	}
}

// displayGitConfig displays the remote git configuration.
//
//nolint:forbidigo // CLI user output function
func displayGitConfig(cfg *storage.GitConfig) {
	fmt.Println("Remote Git Configuration")
	fmt.Println()

	if cfg.URL == "" {
		fmt.Println("Remote: not configured (set NSYNC_GIT_URL to enable)")
		return
	}

	fmt.Printf("URL:      %s\n", cfg.URL)
	if cfg.IsSSH() {
		fmt.Println("Auth:     SSH (using ssh-agent)")
	} else {
		if cfg.Password != "" {
			fmt.Println("Auth:     HTTPS (token configured)")
		} else {
			fmt.Println("Auth:     HTTPS (WARNING: NSYNC_GIT_PASS not set)")
		}
	}
	fmt.Printf("Branch:   %s\n", cfg.Branch)
	fmt.Printf("User:     %s\n", cfg.User)
	fmt.Printf("Email:    %s\n", cfg.Email)
}

// displayConnectionTest tests the connection and displays the result.
//
//nolint:forbidigo // CLI user output function
func displayConnectionTest(ctx context.Context, cfg *storage.GitConfig) error {
	fmt.Printf("Testing connection to %s...\n", cfg.URL)

	if testErr := cfg.TestConnection(ctx); testErr != nil {
		return fmt.Errorf("connection test failed: %w", testErr)
	}

	fmt.Println("Connection successful!")
	return nil
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	case duration < hoursPerDay*time.Hour:
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	case duration < daysPerWeek*hoursPerDay*time.Hour:
		days := int(duration.Hours() / hoursPerDay)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	case duration < daysPerMonth*hoursPerDay*time.Hour:
		weeks := int(duration.Hours() / hoursPerDay / daysPerWeek)
		if weeks == 1 {
			return "1 week ago"
		}
		return fmt.Sprintf("%d weeks ago", weeks)
	default:
		months := int(duration.Hours() / hoursPerDay / daysPerMonth)
		if months == 1 {
			return "1 month ago"
		}
		return fmt.Sprintf("%d months ago", months)
	}
}
