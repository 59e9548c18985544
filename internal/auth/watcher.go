package auth

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// EventCredentialChanged is published when the token file gains content,
// signaling that an external login flow produced a fresh credential. The
// transport layer uses it to re-attempt a connection after backoff
// exhaustion or a terminal auth rejection.
const EventCredentialChanged = "auth:changed"

// Emitter is the subset of the event channel the watcher needs.
type Emitter interface {
	Emit(name string, payload any)
}

// Watcher observes the token file for external rewrites.
type Watcher struct {
	path     string
	provider *FileProvider
	events   Emitter
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the provider's token file. The parent
// directory is watched, not the file, so atomic rename-into-place writes
// are still observed.
func NewWatcher(provider *FileProvider, events Emitter) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create credential watcher: %w", err)
	}

	dir := filepath.Dir(provider.path)
	if err := fsw.Add(dir); err != nil {
		closeErr := fsw.Close()
		if closeErr != nil {
			slog.Debug("Failed to close credential watcher", "error", closeErr)
		}
		return nil, fmt.Errorf("watch credential directory %s: %w", dir, err)
	}

	return &Watcher{
		path:     provider.path,
		provider: provider,
		events:   events,
		fsw:      fsw,
	}, nil
}

// Run consumes filesystem events until the context is cancelled. It emits
// EventCredentialChanged whenever the token file is written or created
// with non-empty content.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			slog.Debug("Failed to close credential watcher", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			token, err := w.provider.Ensure(ctx)
			if err != nil || token == "" {
				continue
			}
			slog.Info("Credential file updated")
			w.events.Emit(EventCredentialChanged, nil)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("Credential watcher error", "error", err)
		}
	}
}
