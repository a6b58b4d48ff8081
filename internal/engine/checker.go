package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fclairamb/notesync/internal/apperrors"
)

const (
	// MinCheckInterval is the floor on the background check period.
	MinCheckInterval = 5 * time.Minute

	// quickCheckDelay is how soon after local note activity the next check
	// runs, instead of waiting out the full interval.
	quickCheckDelay = time.Minute
)

// Checker synchronizes in the background: on a fixed interval, sooner when
// notes change locally. Conflicts are resolved without prompting, by taking
// the remote version.
type Checker struct {
	manager  *Manager
	noteDir  string
	interval time.Duration
	logger   *slog.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithInterval sets the check period. Values below MinCheckInterval are
// raised to it.
func WithInterval(d time.Duration) CheckerOption {
	return func(c *Checker) {
		c.interval = d
	}
}

// WithCheckerLogger sets a custom logger for the checker.
func WithCheckerLogger(l *slog.Logger) CheckerOption {
	return func(c *Checker) {
		c.logger = l
	}
}

// NewChecker creates a background checker for a manager and its note
// directory.
func NewChecker(manager *Manager, noteDir string, opts ...CheckerOption) *Checker {
	checker := &Checker{
		manager:  manager,
		noteDir:  noteDir,
		interval: MinCheckInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(checker)
	}
	if checker.interval < MinCheckInterval {
		checker.interval = MinCheckInterval
	}
	return checker
}

// Run watches the note directory and synchronizes until the context is
// cancelled. Individual sync failures are logged and the loop keeps going.
func (c *Checker) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create note watcher: %w", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			c.logger.WarnContext(ctx, "failed to close note watcher", "error", closeErr)
		}
	}()

	if err := watcher.Add(c.noteDir); err != nil {
		return fmt.Errorf("watch note directory: %w", err)
	}

	c.logger.InfoContext(ctx, "background sync started", "interval", c.interval, "dir", c.noteDir)

	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	nextCheck := time.Now().Add(c.interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !c.isNoteEvent(event) {
				continue
			}
			// Local activity: pull the next check forward.
			if until := time.Until(nextCheck); until > quickCheckDelay {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(quickCheckDelay)
				nextCheck = time.Now().Add(quickCheckDelay)
				c.logger.DebugContext(ctx, "note activity, advancing next sync", "path", event.Name)
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.WarnContext(ctx, "note watcher error", "error", watchErr)

		case <-timer.C:
			c.check(ctx)
			timer.Reset(c.interval)
			nextCheck = time.Now().Add(c.interval)
		}
	}
}

func (c *Checker) isNoteEvent(event fsnotify.Event) bool {
	if !strings.HasSuffix(event.Name, ".note") {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename)
}

// check runs one background pass. It first asks both sides for pending
// changes without taking the sync lock, so idle ticks never lock out other
// clients.
func (c *Checker) check(ctx context.Context) {
	c.logger.DebugContext(ctx, "background sync check")
	needed, err := c.manager.syncNeeded(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "background sync pre-check failed", "error", err)
		return
	}
	if !needed {
		c.logger.DebugContext(ctx, "background sync skipped, no changes on either side")
		return
	}
	if err := c.manager.Synchronize(ctx); err != nil {
		if errors.Is(err, apperrors.ErrSyncInProgress) {
			return
		}
		c.logger.WarnContext(ctx, "background sync failed", "error", err)
	}
}
