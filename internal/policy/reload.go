package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader watches the policy file and swaps the holder's policy when it changes.
type Reloader struct {
	watcher *fsnotify.Watcher
	holder  *Holder
	path    string
	// prepare re-applies runtime additions (restricted domains from the
	// environment) to every freshly loaded policy.
	prepare func(*Policy) *Policy
}

// NewReloader creates a file watcher for path.
func NewReloader(holder *Holder, path string, prepare func(*Policy) *Policy) (*Reloader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("policy: watch %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy: create file watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy: watch %s: %w", path, err)
	}
	return &Reloader{watcher: watcher, holder: holder, path: path, prepare: prepare}, nil
}

// Run watches for file changes and reloads the policy. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(reloadDebounce, r.reload)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "path", r.path, "error", err)
		}
	}
}

func (r *Reloader) reload() {
	p, err := LoadFile(r.path)
	if err != nil {
		slog.Error("policy reload failed, keeping previous policy", "path", r.path, "error", err)
		return
	}
	if r.prepare != nil {
		p = r.prepare(p)
	}
	r.holder.Store(p)
	slog.Info("policy reloaded", "path", r.path,
		"strong_keywords", len(p.Keywords.Strong),
		"restricted_domains", len(p.RestrictedDomains))
}
