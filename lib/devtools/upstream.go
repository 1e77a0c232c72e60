// Package devtools finds the DevTools websocket URL of the browser the guard
// drives, either fixed by configuration or read from the Chromium log as the
// browser (re)starts.
package devtools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var listeningRe = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// rescanInterval re-reads the log on filesystems that do not deliver events.
const rescanInterval = time.Second

// Upstream holds the latest DevTools URL and tells watchers when it changes.
type Upstream struct {
	logPath string
	logger  *slog.Logger

	mu       sync.Mutex
	url      string
	known    chan struct{}
	watchers map[chan string]struct{}
	cancel   context.CancelFunc
	started  bool
}

func newUpstream(logPath string, logger *slog.Logger) *Upstream {
	return &Upstream{
		logPath:  logPath,
		logger:   logger.With("component", "devtools"),
		known:    make(chan struct{}),
		watchers: make(map[chan string]struct{}),
	}
}

// Fixed returns an upstream that always reports url.
func Fixed(url string, logger *slog.Logger) *Upstream {
	u := newUpstream("", logger)
	u.publish(url)
	return u
}

// FromLog returns an upstream that follows the Chromium log at path once
// started. The file may not exist yet; it is picked up when it appears, and
// a truncated or rotated log is read again from the start.
func FromLog(path string, logger *slog.Logger) *Upstream {
	return newUpstream(path, logger)
}

// Start follows the log until ctx is done or Stop is called.
func (u *Upstream) Start(ctx context.Context) {
	if u.logPath == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return
	}
	u.started = true
	ctx, u.cancel = context.WithCancel(ctx)
	go u.follow(ctx)
}

// Stop ends log following.
func (u *Upstream) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
}

// URL returns the latest known URL, or "".
func (u *Upstream) URL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.url
}

// Wait blocks until a URL is known. It gives up after timeout or when ctx is
// done; the returned error wraps the context error.
func (u *Upstream) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u.mu.Lock()
	known := u.known
	u.mu.Unlock()

	select {
	case <-known:
		return u.URL(), nil
	case <-ctx.Done():
		return "", fmt.Errorf("devtools url not found: %w", ctx.Err())
	}
}

// Watch returns a channel receiving every new URL and a function that stops
// the watch. A slow watcher only ever sees the newest URL.
func (u *Upstream) Watch() (<-chan string, func()) {
	ch := make(chan string, 1)
	u.mu.Lock()
	u.watchers[ch] = struct{}{}
	u.mu.Unlock()
	return ch, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		if _, ok := u.watchers[ch]; ok {
			delete(u.watchers, ch)
			close(ch)
		}
	}
}

func (u *Upstream) publish(url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if url == "" || url == u.url {
		return
	}
	u.url = url
	select {
	case <-u.known:
	default:
		close(u.known)
	}
	u.logger.Info("devtools upstream updated", "url", url)

	// publish is the only sender and holds mu, so a drained channel has room
	for ch := range u.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- url
	}
}

func (u *Upstream) follow(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		u.logger.Error("failed to create log watcher", "err", err)
		return
	}
	defer w.Close()

	path := filepath.Clean(u.logPath)
	r := &logReader{path: path}
	defer r.close()

	tick := time.NewTicker(rescanInterval)
	defer tick.Stop()

	watching := false
	for {
		if !watching {
			if err := w.Add(filepath.Dir(path)); err == nil {
				watching = true
			} else {
				u.logger.Debug("log directory not watchable yet", "path", path, "err", err)
			}
		}
		u.scan(r)

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.close()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			u.logger.Warn("log watcher error", "err", err)
		}
	}
}

func (u *Upstream) scan(r *logReader) {
	lines, err := r.lines()
	for _, line := range lines {
		if m := listeningRe.FindStringSubmatch(line); m != nil {
			u.publish(m[1])
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		u.logger.Debug("chromium log not found yet", "path", r.path)
	default:
		u.logger.Warn("failed to read chromium log", "path", r.path, "err", err)
		r.close()
	}
}
