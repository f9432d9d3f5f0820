package journal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vellum-app/vellum/internal/draft"
	"github.com/vellum-app/vellum/internal/store"
)

// AutosaveConfig configures the autosaver cadence.
type AutosaveConfig struct {
	// Interval is how often the autosaver checks for dirty state.
	Interval time.Duration

	// Debounce is how long after the last edit a journal write happens.
	// Bursts of edits inside the window collapse into one write.
	Debounce time.Duration

	// Logger for autosaver activity.
	Logger *log.Logger
}

// DefaultAutosaveConfig returns sensible defaults.
func DefaultAutosaveConfig() *AutosaveConfig {
	return &AutosaveConfig{
		Interval: 1 * time.Second,
		Debounce: 500 * time.Millisecond,
		Logger:   log.New(os.Stderr, "[autosave] ", log.LstdFlags),
	}
}

// Autosaver refreshes the journal while any unit is dirty. It learns about
// edits two ways: the engine calls MarkDirty after its own writes, and an
// fsnotify watch on drafts/ catches edits made by external editors.
type Autosaver struct {
	journal *Journal
	store   *store.Store
	config  *AutosaveConfig

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	dirtyAt   time.Time
	dirty     bool
	lastFlush time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutosaver creates an autosaver for a started journal session.
func NewAutosaver(j *Journal, s *store.Store, config *AutosaveConfig) (*Autosaver, error) {
	if config == nil {
		config = DefaultAutosaveConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[autosave] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Autosaver{
		journal: j,
		store:   s,
		config:  config,
		watcher: watcher,
	}, nil
}

// Start begins watching drafts/ and flushing the journal. Non-blocking;
// call Stop to shut down.
func (a *Autosaver) Start(ctx context.Context) error {
	draftsDir := a.store.Path(draft.DraftsDir)
	if err := os.MkdirAll(draftsDir, 0755); err != nil {
		return fmt.Errorf("failed to create drafts directory: %w", err)
	}
	if err := a.watcher.Add(draftsDir); err != nil {
		return fmt.Errorf("failed to watch drafts directory: %w", err)
	}

	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(2)
	go a.watchLoop(ctx)
	go a.flushLoop(ctx)

	a.config.Logger.Printf("Autosave active (interval %v, debounce %v)", a.config.Interval, a.config.Debounce)
	return nil
}

// Stop shuts down the autosaver and waits for its goroutines.
func (a *Autosaver) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	a.wg.Wait()
	return nil
}

// MarkDirty records an edit. The next flush window writes the journal.
func (a *Autosaver) MarkDirty() {
	a.mu.Lock()
	a.dirty = true
	a.dirtyAt = time.Now()
	a.mu.Unlock()
}

// watchLoop marks the session dirty on unit file events.
func (a *Autosaver) watchLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			// Skip our own atomic-write temp files
			if strings.Contains(filepath.Base(event.Name), ".tmp-") {
				continue
			}
			a.MarkDirty()

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// flushLoop writes the journal once per debounce window while dirty.
func (a *Autosaver) flushLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			a.flushIfDue(time.Now())
		}
	}
}

// flushIfDue performs one debounced journal write if the session is dirty
// and the debounce window since the last edit has elapsed.
func (a *Autosaver) flushIfDue(now time.Time) {
	a.mu.Lock()
	due := a.dirty && now.Sub(a.dirtyAt) >= a.config.Debounce
	if due {
		a.dirty = false
		a.lastFlush = now
	}
	a.mu.Unlock()

	if !due {
		return
	}

	if err := a.journal.Touch(); err != nil {
		a.config.Logger.Printf("Autosave failed: %v", err)
		// Leave dirty so the next tick retries
		a.MarkDirty()
	}
}
