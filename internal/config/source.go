package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/mcpfront/gateway/internal/gwerror"
	"github.com/mcpfront/gateway/internal/telemetry"
)

// reloadDebounce coalesces bursts of filesystem events (editors commonly
// write-then-rename, firing several events for one logical save) into a
// single reload.
const reloadDebounce = 150 * time.Millisecond

// Source loads config.toml from disk, validates it, and serves the current
// Snapshot to callers. It optionally watches the file for changes and
// publishes every successful reload to subscribers.
type Source struct {
	path    string
	logger  telemetry.Logger
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[chan *Snapshot]struct{}
	closed bool

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped chan struct{}
}

// NewSource loads path once, validates it, and returns a ready Source. The
// returned Source does not yet watch the file; call Watch to start hot
// reload.
func NewSource(path string, logger telemetry.Logger) (*Source, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	s := &Source{path: path, logger: logger, subs: make(map[chan *Snapshot]struct{})}
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the most recently loaded, validated Snapshot.
func (s *Source) Current() *Snapshot {
	return s.current.Load()
}

func (s *Source) load() (*Snapshot, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", s.path, err)
	}
	const maxConfigSize = 1 << 20 // 1 MiB, matches the contextd loader's cap
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config: %s exceeds maximum size of %d bytes", s.path, maxConfigSize)
	}
	var doc Document
	if _, err := toml.DecodeFile(s.path, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	snap, err := Validate(doc, time.Now())
	if err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", s.path, err)
	}
	return &snap, nil
}

// Reload re-reads and re-validates the file, swaps it in as Current, and
// publishes it to all subscribers. On validation failure the previous
// Snapshot remains in force and the error is returned to the caller without
// disturbing subscribers — a bad edit never blips a provider's view of
// config.
func (s *Source) Reload() (*Snapshot, error) {
	snap, err := s.load()
	if err != nil {
		return nil, err
	}
	s.current.Store(snap)
	s.publish(snap)
	return snap, nil
}

// Subscribe returns a channel that receives every Snapshot published by a
// successful Reload. The channel has a buffer of exactly one and is
// non-blocking on the publisher side: if the subscriber hasn't drained the
// previous value, the new one simply overwrites it (bounded queue of one
// with overwrite, per spec.md). The channel is closed when ctx is done or
// Close is called.
func (s *Source) Subscribe(ctx context.Context) <-chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			defer gwerror.Recover(func(err *gwerror.Error) {
				s.logger.Error(context.Background(), "config: subscribe unsubscribe goroutine panicked", "error", err.Error())
			})
			<-ctx.Done()
			s.unsubscribe(ch)
		}()
	}
	return ch
}

func (s *Source) unsubscribe(ch chan *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func (s *Source) publish(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		// Overwrite semantics: drain a stale pending value, then push.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Watch starts an fsnotify watcher on the config file itself and calls
// Reload (debounced) whenever the file changes. Watching stops when ctx is
// done or Close is called.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}
	s.watcher = watcher
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.watchLoop(ctx)
	return nil
}

func (s *Source) watchLoop(ctx context.Context) {
	defer close(s.stopped)
	defer gwerror.Recover(func(err *gwerror.Error) {
		s.logger.Error(ctx, "config: watch loop panicked", "error", err.Error())
	})
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if _, err := s.Reload(); err != nil {
				s.logger.Warn(ctx, "config reload failed", "path", s.path, "error", err.Error())
			} else {
				s.logger.Info(ctx, "config reloaded", "path", s.path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "config watcher error", "error", err.Error())
		}
	}
}

// Close stops watching and closes every subscriber channel.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		<-s.stopped
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
