package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/notesync/internal/events"
)

type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Connectivity is the read side of the monitor used by the executor and the
// queue manager.
type Connectivity interface {
	State() State
	Subscribe(fn func(State)) (unsubscribe func())
}

type MonitorOptions struct {
	Prober Prober
	// Interval between probes while Run is active.
	Interval time.Duration
	// Threshold is the number of consecutive agreeing probes needed to flip state.
	Threshold int
	Timeout   time.Duration
	Clock     Clock
	Events    events.Publisher
	Logger    Logger
}

// Monitor debounces reachability probes into Online/Offline transitions. It
// starts Offline; in-memory state is never persisted.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	threshold int
	timeout   time.Duration
	clock     Clock
	events    events.Publisher
	logger    Logger

	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	streak   int
	streakOK bool
	nextID   int
	subs     map[int]func(State)

	reconnect   func()
	reconnected atomic.Bool
}

func NewMonitor(opts MonitorOptions) *Monitor {
	m := &Monitor{
		prober:    opts.Prober,
		interval:  opts.Interval,
		threshold: opts.Threshold,
		timeout:   opts.Timeout,
		clock:     opts.Clock,
		events:    opts.Events,
		logger:    opts.Logger,
		state:     Offline,
		subs:      map[int]func(State){},
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Second
	}
	if m.threshold <= 0 {
		m.threshold = 2
	}
	if m.timeout <= 0 {
		m.timeout = 3 * time.Second
	}
	if m.clock == nil {
		m.clock = SystemClock()
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	return m
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Threshold is the number of agreeing probes that flips the state.
func (m *Monitor) Threshold() int {
	return m.threshold
}

// Subscribe registers fn for every transition. fn runs on the goroutine that
// observed the transition and must not call Observe.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// OnReconnect sets the handler fired exactly once per Offline->Online
// transition, however many subscribers observe it.
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	m.reconnect = fn
	m.mu.Unlock()
}

// Observe feeds one probe result into the debouncer.
func (m *Monitor) Observe(ok bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if ok == m.streakOK {
		m.streak++
	} else {
		m.streakOK = ok
		m.streak = 1
	}
	target := Offline
	if ok {
		target = Online
	}
	if target == m.state || m.streak < m.threshold {
		m.mu.Unlock()
		return
	}
	m.state = target
	listeners := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	reconnect := m.reconnect
	m.mu.Unlock()

	m.logf("connectivity changed to %s", target)
	if target == Offline {
		m.reconnected.Store(false)
	}
	for _, fn := range listeners {
		fn(target)
	}
	m.events.Publish(events.Event{Type: events.ConnectivityChanged, Online: target == Online})
	if target == Online && reconnect != nil && m.reconnected.CompareAndSwap(false, true) {
		reconnect()
	}
}

// ProbeOnce runs a single probe and feeds the result to Observe.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	if m.prober == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.Observe(err == nil)
}

// Run probes on Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.ProbeOnce(ctx)
		if err := sleep(ctx, m.clock, m.interval); err != nil {
			return err
		}
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// StaticConnectivity is a Connectivity that never changes; useful when the
// host manages reachability itself.
type StaticConnectivity State

func (s StaticConnectivity) State() State { return State(s) }

func (StaticConnectivity) Subscribe(func(State)) func() { return func() {} }

var _ Connectivity = (*Monitor)(nil)
