// Package circuitbreaker stops calls to an upstream host that keeps
// failing. Circuits are tracked per key, usually the host name.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State of one circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state transitions by key and target state.",
	}, []string{"key", "to_state"})

	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricewatch",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, rejectedTotal)
}

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens a circuit.
	Threshold int
	// Cooldown is how long a circuit stays open before a probe is let through.
	Cooldown time.Duration
	// IsFailure decides which errors count against the circuit. By default
	// every error except context cancellation does.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock held; it must not call
	// back into the breaker.
	OnStateChange func(key string, from, to State)
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
	now      func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// probes again after cooldown. Non-positive values fall back to 5 and 30s.
func New(threshold int, cooldown time.Duration) *Breaker {
	return NewWithConfig(Config{Threshold: threshold, Cooldown: cooldown})
}

// NewWithConfig creates a breaker from cfg.
func NewWithConfig(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit), now: time.Now}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Execute runs fn when the circuit for key admits it and records the
// outcome. A rejected call returns ErrOpen without invoking fn. Errors that
// IsFailure rejects are returned but leave the circuit untouched, except
// that they end a half-open probe as a success.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		rejectedTotal.WithLabelValues(key).Inc()
		return ErrOpen
	}
	err := fn()
	if err != nil && b.cfg.IsFailure(err) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cooldown has elapsed turns half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setState(key, c, StateHalfOpen)
		c.probing = true
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
	return true
}

// RecordSuccess closes the circuit and clears its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	c.probing = false
	b.setState(key, c, StateClosed)
}

// RecordFailure counts a failure. The circuit opens at the threshold, or at
// once when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	c.probing = false
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.cfg.Threshold) {
		c.openedAt = b.now()
		b.setState(key, c, StateOpen)
	}
}

// State returns the current state for a key.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshots returns the state of every circuit that has seen a failure.
func (b *Breaker) Snapshots() map[string]Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Snapshot, len(b.circuits))
	for key, c := range b.circuits {
		s := Snapshot{State: c.state, StateName: c.state.String(), ConsecutiveFailures: c.failures}
		if c.state != StateClosed {
			s.OpenedAt = c.openedAt
		}
		out[key] = s
	}
	return out
}

// caller holds b.mu
func (b *Breaker) setState(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	transitionsTotal.WithLabelValues(key, to.String()).Inc()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(key, from, to)
	}
}
