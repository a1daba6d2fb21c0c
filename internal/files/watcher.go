package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/extraction-bench/constants"
)

// WatchConfig controls Watch.
type WatchConfig struct {
	// InitialScan emits documents already present when the watch starts.
	InitialScan bool
	// Debounce coalesces bursts of writes to the same file.
	Debounce time.Duration
}

// Watch emits the names of supported documents created or rewritten in the
// upload directory. The channel closes when ctx is done.
func (s *DirSource) Watch(ctx context.Context, cfg WatchConfig) (<-chan string, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(s.root); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", s.root, err)
	}

	var initial []string
	if cfg.InitialScan {
		if initial, err = s.List(ctx); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer w.Close()

		emit := func(name string) bool {
			select {
			case out <- name:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, name := range initial {
			if !emit(name) {
				return
			}
		}

		pending := map[string]struct{}{}
		var fire <-chan time.Time
		flush := func() bool {
			for name := range pending {
				delete(pending, name)
				if !emit(name) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !watchable(name) {
					continue
				}
				pending[name] = struct{}{}
				if cfg.Debounce <= 0 {
					if !flush() {
						return
					}
					continue
				}
				fire = time.After(cfg.Debounce)
			case <-fire:
				fire = nil
				if !flush() {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("files.watch.error", "dir", s.root, "error", err)
			}
		}
	}()
	s.logger.Info("files.watch.started", "dir", s.root, "initial", len(initial))
	return out, nil
}

func watchable(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return constants.MapExtToContentType(filepath.Ext(name)) != ""
}
