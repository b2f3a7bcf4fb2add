// Package handshake watches the latest WireGuard handshake of each active
// requester connection and asks for a restart when it goes stale.
//
// A single ticker covers all watched connections. It starts with the first
// Watch and stops when the last connection is unwatched. A connection that
// turns stale fires OnStale exactly once; it is not considered again until
// a fresh handshake is observed or the connection is watched anew.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrInvalidOptions indicates a missing prober or non-positive durations.
var ErrInvalidOptions = errors.New("handshake: prober, interval and threshold are required")

// Prober reports the most recent handshake on an interface. The zero time
// means no handshake has happened yet.
type Prober interface {
	LastHandshake(ctx context.Context, iface string) (time.Time, error)
}

// RestartFunc restarts one connection.
type RestartFunc func(ctx context.Context, connection string) error

// MetricsReporter receives monitor counters.
type MetricsReporter interface {
	IncHandshakeRestart(connection string)
	IncHandshakeProbeError(connection string)
}

type noopMetrics struct{}

func (noopMetrics) IncHandshakeRestart(string)    {}
func (noopMetrics) IncHandshakeProbeError(string) {}

// EventKind classifies monitor events.
type EventKind uint8

const (
	// EventStale reports a connection whose handshake exceeded the threshold.
	EventStale EventKind = iota + 1
	// EventRecovered reports a fresh handshake after staleness.
	EventRecovered
	// EventRestarted reports a successful OnStale call.
	EventRestarted
	// EventRestartFailed reports a failed OnStale call.
	EventRestartFailed
	// EventProbeError reports a failed handshake query.
	EventProbeError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStale:
		return "stale"
	case EventRecovered:
		return "recovered"
	case EventRestarted:
		return "restarted"
	case EventRestartFailed:
		return "restart_failed"
	case EventProbeError:
		return "probe_error"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is one monitor notification.
type Event struct {
	Kind          EventKind
	Connection    string
	Interface     string
	LastHandshake time.Time
	Err           error
}

// Options configure a Monitor.
type Options struct {
	Prober    Prober
	Interval  time.Duration
	Threshold time.Duration
	// OnStale is called once per transition into staleness. May be nil.
	OnStale RestartFunc
	Logger  *slog.Logger
	Metrics MetricsReporter
	// EventQueue is the Events channel capacity. Defaults to 64.
	EventQueue int
}

const defaultEventQueue = 64

// watch is the per-connection monitor state.
type watch struct {
	iface string
	since time.Time
	stale bool
	// gen changes on every Watch so late results from a previous
	// generation are discarded.
	gen uint64
}

// Monitor is the handshake liveness watcher.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	threshold time.Duration
	onStale   RestartFunc
	logger    *slog.Logger
	metrics   MetricsReporter

	// baseCtx is cancelled by Close; restarts and loops derive from it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	watched    map[string]*watch
	nextGen    uint64
	loopCancel context.CancelFunc
	closed     bool

	events chan Event
}

// New creates a Monitor. No goroutine runs until the first Watch.
func New(opts Options) (*Monitor, error) {
	if opts.Prober == nil || opts.Interval <= 0 || opts.Threshold <= 0 {
		return nil, ErrInvalidOptions
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var mr MetricsReporter = noopMetrics{}
	if opts.Metrics != nil {
		mr = opts.Metrics
	}
	queue := opts.EventQueue
	if queue <= 0 {
		queue = defaultEventQueue
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		prober:     opts.Prober,
		interval:   opts.Interval,
		threshold:  opts.Threshold,
		onStale:    opts.OnStale,
		logger:     logger.With(slog.String("component", "handshake")),
		metrics:    mr,
		baseCtx:    ctx,
		baseCancel: cancel,
		watched:    make(map[string]*watch),
		events:     make(chan Event, queue),
	}, nil
}

// Watch starts (or restarts) monitoring connection on iface. Re-watching
// resets the staleness clock and clears any suppressed staleness.
func (m *Monitor) Watch(connection, iface string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.nextGen++
	m.watched[connection] = &watch{
		iface: iface,
		since: time.Now(),
		gen:   m.nextGen,
	}

	if m.loopCancel == nil {
		ctx, cancel := context.WithCancel(m.baseCtx)
		m.loopCancel = cancel
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.run(ctx)
		}()
		m.logger.Info("handshake monitor started",
			slog.Duration("interval", m.interval),
			slog.Duration("threshold", m.threshold),
		)
	}

	m.logger.Debug("watching connection",
		slog.String("connection", connection),
		slog.String("interface", iface),
	)
}

// Unwatch stops monitoring connection. The ticker stops with the last one.
func (m *Monitor) Unwatch(connection string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.watched[connection]; !ok {
		return
	}
	delete(m.watched, connection)

	if len(m.watched) == 0 && m.loopCancel != nil {
		m.loopCancel()
		m.loopCancel = nil
		m.logger.Info("handshake monitor stopped")
	}
}

// Watched returns the monitored connection names, sorted.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.watched))
	for name := range m.watched {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running reports whether the ticker goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopCancel != nil
}

// Events returns the notification channel. When the consumer falls behind
// events are dropped and logged. The channel is closed by Close.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Close stops the ticker, cancels in-flight restarts, waits for them and
// closes the event channel.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.watched = make(map[string]*watch)
	m.loopCancel = nil
	m.mu.Unlock()

	m.baseCancel()
	m.wg.Wait()

	m.mu.Lock()
	close(m.events)
	m.mu.Unlock()
}

// -------------------------------------------------------------------------
// Ticker loop
// -------------------------------------------------------------------------

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

type target struct {
	connection string
	iface      string
	gen        uint64
}

// check probes every watched connection once.
func (m *Monitor) check(ctx context.Context) {
	m.mu.Lock()
	targets := make([]target, 0, len(m.watched))
	for name, w := range m.watched {
		targets = append(targets, target{connection: name, iface: w.iface, gen: w.gen})
	}
	m.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].connection < targets[j].connection })

	for _, tg := range targets {
		if ctx.Err() != nil {
			return
		}
		m.checkOne(ctx, tg)
	}
}

func (m *Monitor) checkOne(ctx context.Context, tg target) {
	last, err := m.prober.LastHandshake(ctx, tg.iface)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.metrics.IncHandshakeProbeError(tg.connection)
		m.logger.Warn("handshake probe failed",
			slog.String("connection", tg.connection),
			slog.String("interface", tg.iface),
			slog.String("error", err.Error()),
		)
		m.emit(Event{Kind: EventProbeError, Connection: tg.connection, Interface: tg.iface, Err: err})
		return
	}

	now := time.Now()

	m.mu.Lock()
	w, ok := m.watched[tg.connection]
	if !ok || w.gen != tg.gen {
		m.mu.Unlock()
		return
	}

	ref := last
	if w.since.After(ref) {
		ref = w.since
	}
	isStale := now.Sub(ref) > m.threshold

	var kind EventKind
	switch {
	case isStale && !w.stale:
		w.stale = true
		kind = EventStale
	case !isStale && w.stale:
		w.stale = false
		kind = EventRecovered
	}
	m.mu.Unlock()

	if kind == 0 {
		return
	}

	ev := Event{Kind: kind, Connection: tg.connection, Interface: tg.iface, LastHandshake: last}
	m.emit(ev)

	if kind == EventRecovered {
		m.logger.Info("handshake recovered",
			slog.String("connection", tg.connection),
			slog.Time("last_handshake", last),
		)
		return
	}

	m.logger.Warn("stale handshake detected",
		slog.String("connection", tg.connection),
		slog.String("interface", tg.iface),
		slog.Time("last_handshake", last),
		slog.Duration("threshold", m.threshold),
	)
	m.restart(tg)
}

// restart runs OnStale in its own goroutine so one slow restart does not
// delay probing of the other connections.
func (m *Monitor) restart(tg target) {
	if m.onStale == nil {
		return
	}

	m.metrics.IncHandshakeRestart(tg.connection)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		err := m.onStale(m.baseCtx, tg.connection)
		if err != nil {
			m.logger.Error("restart after stale handshake failed",
				slog.String("connection", tg.connection),
				slog.String("error", err.Error()),
			)
			m.clearStale(tg)
			m.emit(Event{Kind: EventRestartFailed, Connection: tg.connection, Interface: tg.iface, Err: err})
			return
		}

		m.logger.Info("connection restarted after stale handshake",
			slog.String("connection", tg.connection),
		)
		m.emit(Event{Kind: EventRestarted, Connection: tg.connection, Interface: tg.iface})
	}()
}

// clearStale re-arms a connection whose restart failed, if it is still
// watched under the same generation.
func (m *Monitor) clearStale(tg target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.watched[tg.connection]; ok && w.gen == tg.gen {
		w.stale = false
	}
}

// emit delivers ev without blocking.
func (m *Monitor) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	select {
	case m.events <- ev:
	default:
		m.logger.Warn("handshake event dropped, queue full",
			slog.String("connection", ev.Connection),
			slog.String("kind", ev.Kind.String()),
		)
	}
}
