package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "marybot/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchBackoff   = 250 * time.Millisecond
	watchBackoffMx = 5 * time.Second
)

var errWatcherBroken = errors.New("config watcher broken")

// debouncer collapses a burst of file events into one reload.
type debouncer struct {
	mu sync.Mutex
	t  *time.Timer
	d  time.Duration
	fn func()
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.d, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

// Watch reloads the config whenever its file changes until ctx ends. The
// parent directory is watched so editors that replace the file by rename
// are still seen. A failing watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	deb := &debouncer{d: reloadDebounce, fn: func() { m.reload(ctx) }}
	defer deb.stop()

	backoff := watchBackoff
	for {
		err := m.watchOnce(ctx, deb)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// The watcher ran until it broke; start the next one quickly.
			backoff = watchBackoff
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMx)
		m.log.Warn("config watcher restarting", logx.String("path", m.path), logx.Duration("in", wait), logx.Err(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchOnce runs one fsnotify watcher. It returns an error when setup
// fails and nil when a running watcher broke.
func (m *ConfigManager) watchOnce(ctx context.Context, deb *debouncer) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&relevant != 0 {
				deb.trigger()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return nil
			case err == nil:
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; one reload covers whatever changed.
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				deb.trigger()
			case errors.Is(err, fsnotify.ErrClosed):
				return nil
			default:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}
