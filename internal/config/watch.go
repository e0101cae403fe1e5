package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 25 * time.Millisecond

// Change is delivered after the watched files settle. Config is always a
// freshly loaded snapshot; Seed reports whether the catalog seed file was
// among the files touched.
type Change struct {
	Config Config
	Seed   bool
}

// Watcher follows the settings file and the catalog seed file named by the
// snapshot passed to Watch. Paths are fixed at Watch time; a reload that
// points the seed file elsewhere takes effect on the next Watch.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit. Safe on nil.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

type watchLoop struct {
	loader   *Loader
	fs       *fsnotify.Watcher
	settings string
	seed     string
	onChange func(Change)
	onError  func(error)

	timer       *time.Timer
	pending     <-chan time.Time
	seedTouched bool
}

// Watch reloads the configuration when cfg.Source or the catalog seed file
// changes. Invalid edits go to onError and the previous snapshot stays in
// effect for the caller.
func (l *Loader) Watch(ctx context.Context, cfg Config, onChange func(Change), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch requires a change callback")
	}
	if cfg.Source == "" {
		return nil, errors.New("config: no configuration file to watch")
	}

	settings, err := absPath(cfg.Source)
	if err != nil {
		return nil, err
	}
	seed := ""
	if cfg.Storefront.Catalog.SeedFile != "" {
		if seed, err = absPath(cfg.Storefront.Catalog.SeedFile); err != nil {
			return nil, err
		}
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	// Directories, not files: editors save by rename.
	dirs := map[string]struct{}{filepath.Dir(settings): {}}
	if seed != "" {
		dirs[filepath.Dir(seed)] = struct{}{}
	}
	for dir := range dirs {
		if err := fs.Add(dir); err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("config: watch add %s: %w", dir, err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cancel: cancel, done: make(chan struct{})}
	loop := &watchLoop{
		loader:   l,
		fs:       fs,
		settings: settings,
		seed:     seed,
		onChange: onChange,
		onError:  onError,
	}
	go func() {
		defer close(w.done)
		loop.run(watchCtx)
	}()
	return w, nil
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("config: resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

func (w *watchLoop) run(ctx context.Context) {
	defer func() {
		w.disarm()
		if err := w.fs.Close(); err != nil {
			w.report(fmt.Errorf("config: watch close: %w", err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
			w.pending = nil
			w.fire(ctx)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.observe(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

func (w *watchLoop) observe(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	switch filepath.Clean(event.Name) {
	case w.seed:
		w.seedTouched = true
	case w.settings:
	default:
		return
	}
	w.arm()
}

// arm restarts the debounce window.
func (w *watchLoop) arm() {
	if w.timer == nil {
		w.timer = time.NewTimer(watchDebounce)
	} else {
		w.disarm()
		w.timer.Reset(watchDebounce)
	}
	w.pending = w.timer.C
}

func (w *watchLoop) disarm() {
	if w.timer == nil {
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	w.pending = nil
}

func (w *watchLoop) fire(ctx context.Context) {
	seed := w.seedTouched
	w.seedTouched = false
	next, err := w.loader.Load(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.report(err)
		}
		return
	}
	w.onChange(Change{Config: next, Seed: seed})
}

func (w *watchLoop) report(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
