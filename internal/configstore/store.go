// Package configstore keeps one typed declarative YAML file loaded,
// validated and watched, and writes updates back to it.
//
// The file is read and watched through the koanf file provider; encoding
// uses yaml.v3 so T only needs yaml struct tags. Changes are delivered on
// a channel rather than through callbacks.
package configstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/knadh/koanf/providers/file"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gomesh/internal/fsutil"
)

// Sentinel errors.
var (
	// ErrInvalidConfig indicates content that fails to decode or validate.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNotLoaded indicates Update before a successful Watch.
	ErrNotLoaded = errors.New("config not loaded")

	// ErrClosed indicates use after Close.
	ErrClosed = errors.New("config store closed")

	// ErrAlreadyWatching indicates a second Watch call.
	ErrAlreadyWatching = errors.New("config store already watching")
)

const (
	defaultGrace      = 500 * time.Millisecond
	defaultEventQueue = 16
	fileMode          = 0o644
)

// Event is one change notification. Exactly one of Config or Err is set:
// Err reports an external edit that failed to load, in which case the
// previous configuration stays in effect.
type Event[T any] struct {
	Config T
	Err    error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	grace  time.Duration
	queue  int
	now    func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithGrace sets how long watcher notifications are ignored after Update
// writes the file.
func WithGrace(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithEventQueue sets the event channel capacity.
func WithEventQueue(n int) Option {
	return func(o *options) { o.queue = n }
}

// WithClock overrides the time source used for the grace window.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Store owns one declarative file of type T.
type Store[T any] struct {
	path     string
	validate func(*T) error
	provider *file.File
	logger   *slog.Logger
	grace    time.Duration
	now      func() time.Time

	// writeMu serializes Update calls end to end.
	writeMu sync.Mutex

	mu            sync.Mutex
	current       T
	raw           []byte
	loaded        bool
	watching      bool
	closed        bool
	suppressUntil time.Time

	events chan Event[T]
	done   chan struct{}
}

// New creates a store for path. validate may be nil.
func New[T any](path string, validate func(*T) error, opts ...Option) *Store[T] {
	o := options{
		logger: slog.Default(),
		grace:  defaultGrace,
		queue:  defaultEventQueue,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Store[T]{
		path:     path,
		validate: validate,
		provider: file.Provider(path),
		logger:   o.logger.With(slog.String("component", "configstore"), slog.String("path", path)),
		grace:    o.grace,
		now:      o.now,
		events:   make(chan Event[T], o.queue),
		done:     make(chan struct{}),
	}
}

// Path returns the managed file path.
func (s *Store[T]) Path() string { return s.path }

// EnsureDefault writes def to the file if it does not exist yet and
// reports whether it did. An existing file is never touched.
func (s *Store[T]) EnsureDefault(def T) (bool, error) {
	exists, err := fsutil.Exists(s.path)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return false, fmt.Errorf("encode default config: %w", err)
	}
	if err := fsutil.WriteFile(s.path, data, fileMode); err != nil {
		return false, fmt.Errorf("write default config: %w", err)
	}

	s.logger.Info("default config written")
	return true, nil
}

// Load reads and validates the file once without watching it. It makes
// the store usable for Update from short-lived tools.
func (s *Store[T]) Load() (T, error) {
	var zero T

	cfg, raw, err := s.load()
	if err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, ErrClosed
	}
	s.current, s.raw, s.loaded = cfg, raw, true
	return cfg, nil
}

// Watch loads and validates the file, then starts watching it for external
// changes. Invalid content at this point is returned as an error. The
// watch runs until ctx is done or Close is called.
func (s *Store[T]) Watch(ctx context.Context) (T, error) {
	var zero T

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return zero, ErrClosed
	case s.watching:
		s.mu.Unlock()
		return zero, ErrAlreadyWatching
	}
	s.mu.Unlock()

	cfg, raw, err := s.load()
	if err != nil {
		return zero, err
	}

	s.mu.Lock()
	s.current, s.raw, s.loaded, s.watching = cfg, raw, true, true
	s.mu.Unlock()

	if err := s.provider.Watch(s.onFileEvent); err != nil {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
		return zero, fmt.Errorf("watch %s: %w", s.path, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.logger.Info("config loaded, watching for changes")
	return cfg, nil
}

// Update applies mutate to a copy of the current configuration, validates
// and persists it, and emits a change event. Watcher notifications caused
// by this write are ignored for the grace window.
func (s *Store[T]) Update(_ context.Context, mutate func(*T)) (T, error) {
	var zero T

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, ErrClosed
	}
	if !s.loaded {
		s.mu.Unlock()
		return zero, ErrNotLoaded
	}
	raw := s.raw
	s.mu.Unlock()

	// Decoding the last persisted bytes yields a deep copy of the current
	// value, so a rejected mutation never leaks into it.
	next, err := decode[T](raw)
	if err != nil {
		return zero, err
	}
	mutate(&next)

	if s.validate != nil {
		if err := s.validate(&next); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	data, err := yaml.Marshal(next)
	if err != nil {
		return zero, fmt.Errorf("encode config: %w", err)
	}

	s.mu.Lock()
	s.suppressUntil = s.now().Add(s.grace)
	s.mu.Unlock()

	if err := fsutil.WriteFile(s.path, data, fileMode); err != nil {
		return zero, fmt.Errorf("write config: %w", err)
	}

	s.mu.Lock()
	s.current, s.raw = next, data
	s.suppressUntil = s.now().Add(s.grace)
	s.mu.Unlock()

	s.emit(Event[T]{Config: next})
	return next, nil
}

// Current returns the configuration in effect. The zero value is returned
// before the first successful Watch.
func (s *Store[T]) Current() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Events returns the change notification channel. It is closed by Close.
func (s *Store[T]) Events() <-chan Event[T] {
	return s.events
}

// Close stops watching and closes the event channel. It is safe to call
// more than once.
func (s *Store[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watching := s.watching
	s.mu.Unlock()

	if watching {
		if err := s.provider.Unwatch(); err != nil {
			s.logger.Warn("stop watching failed", slog.String("error", err.Error()))
		}
	}

	// emit checks closed under mu, so nothing sends after this point.
	s.mu.Lock()
	close(s.events)
	close(s.done)
	s.mu.Unlock()
}

// -------------------------------------------------------------------------
// Internals
// -------------------------------------------------------------------------

// onFileEvent runs on the provider's watch goroutine.
func (s *Store[T]) onFileEvent(_ any, err error) {
	if err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.logger.Warn("config watch error", slog.String("error", err.Error()))
		s.emit(Event[T]{Err: err})
		return
	}

	s.mu.Lock()
	suppressed := s.now().Before(s.suppressUntil)
	s.mu.Unlock()
	if suppressed {
		s.logger.Debug("ignoring change inside grace window")
		return
	}

	cfg, raw, loadErr := s.load()
	if loadErr != nil {
		s.logger.Warn("config reload rejected, keeping previous config",
			slog.String("error", loadErr.Error()),
		)
		s.emit(Event[T]{Err: loadErr})
		return
	}

	s.mu.Lock()
	unchanged := bytes.Equal(raw, s.raw)
	if !unchanged {
		s.current, s.raw = cfg, raw
	}
	s.mu.Unlock()

	if unchanged {
		return
	}

	s.logger.Info("config reloaded")
	s.emit(Event[T]{Config: cfg})
}

// load reads, decodes and validates the file.
func (s *Store[T]) load() (T, []byte, error) {
	var zero T

	raw, err := s.provider.ReadBytes()
	if err != nil {
		return zero, nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	cfg, err := decode[T](raw)
	if err != nil {
		return zero, nil, err
	}

	if s.validate != nil {
		if err := s.validate(&cfg); err != nil {
			return zero, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	return cfg, raw, nil
}

func decode[T any](raw []byte) (T, error) {
	var cfg T
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: decode yaml: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// emit delivers ev without blocking; a full queue drops it.
func (s *Store[T]) emit(ev Event[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.events <- ev:
	default:
		s.logger.Warn("config event dropped, queue full")
	}
}
