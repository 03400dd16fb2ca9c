// Package hotreload watches the config file and reapplies provider
// configuration when it changes, so credentials and endpoints can rotate
// without a restart.
package hotreload

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forgeworks/forge/internal/provider"
	"github.com/forgeworks/forge/pkg/config"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 500 * time.Millisecond

// Watcher re-reads the config file on change and swaps the provider set.
type Watcher struct {
	path      string
	providers *provider.Registry
	fsw       *fsnotify.Watcher
}

// New creates a watcher for the config file at path.
func New(path string, providers *provider.Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files by rename
	// and a file-level watch dies with the old inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{path: path, providers: providers, fsw: fsw}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	log.Printf("[HotReload] Watching %s", w.path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			w.fsw.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			w.apply()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[HotReload] Watch error: %v", err)
		}
	}
}

func (w *Watcher) apply() {
	cfg, err := config.LoadConfigFromFile(w.path)
	if err != nil {
		log.Printf("[HotReload] Ignoring bad config: %v", err)
		return
	}
	if err := w.providers.LoadAll(cfg.Providers); err != nil {
		log.Printf("[HotReload] Failed to apply providers: %v", err)
		return
	}
	log.Printf("[HotReload] Applied %d provider(s) from %s", len(cfg.Providers), w.path)
}
