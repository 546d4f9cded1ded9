// Package circuitbreaker stops calling a failing RPC endpoint for a cool-off
// period, then lets a single probe through to test recovery.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/mbd888/signgate/internal/metrics"
)

// State of one key's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultThreshold    = 5
	DefaultOpenDuration = 30 * time.Second
)

type circuit struct {
	state      State
	failures   int
	openedAt   time.Time
	probeSince time.Time
}

// Breaker keeps one circuit per key. A circuit opens after threshold
// consecutive failures. Once openDuration has passed a single probe is let
// through; its outcome closes or re-opens the circuit. A probe that never
// reports back is replaced after another openDuration.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to the defaults.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition registers a callback run synchronously on every state change.
// It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	now := b.now()
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < b.openDuration {
			return false
		}
		b.set(c, key, StateHalfOpen)
		c.probeSince = now
		return true
	case StateHalfOpen:
		if now.Sub(c.probeSince) < b.openDuration {
			return false
		}
		c.probeSince = now
		return true
	default:
		return true
	}
}

// RecordSuccess closes key's circuit and clears its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.set(c, key, StateClosed)
}

// RecordFailure counts a failure and opens the circuit at the threshold or
// when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.set(c, key, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot lists every circuit that is not closed.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string)
	for key, c := range b.circuits {
		if c.state != StateClosed {
			out[key] = c.state.String()
		}
	}
	return out
}

// OpenKeys returns the keys whose circuit is open or probing, sorted.
func (b *Breaker) OpenKeys() []string {
	snap := b.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// set changes state. Caller holds b.mu.
func (b *Breaker) set(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.RPCBreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
