// Package pacer adapts rclone's lib/pacer exponential-decay backoff for two
// Fustor call sites: the Agent Pipe supervisor's restart delay after an
// Error-state Pipe, and Message Sync's retry of a transient send failure.
package pacer

import (
	"math/rand"
	"sync"
	"time"
)

// State is the mutable backoff state threaded through Calculate.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries uint
}

// Default is the rclone-style calculator: multiply sleep by 2 on a retry
// (attack), decay it back down geometrically on success.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// Option configures a Default calculator.
type Option func(*Default)

// MinSleep sets the floor sleep duration.
func MinSleep(d time.Duration) Option { return func(c *Default) { c.minSleep = d } }

// MaxSleep sets the ceiling sleep duration.
func MaxSleep(d time.Duration) Option { return func(c *Default) { c.maxSleep = d } }

// DecayConstant controls how fast the sleep shrinks after a success.
func DecayConstant(k uint) Option { return func(c *Default) { c.decayConstant = k } }

// AttackConstant controls how fast the sleep grows after a retry.
func AttackConstant(k uint) Option { return func(c *Default) { c.attackConstant = k } }

// NewDefault builds a Default calculator with rclone's defaults
// (10ms..2s, decay 2, attack 1) unless overridden.
func NewDefault(opts ...Option) *Default {
	c := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Calculate returns the next sleep duration given the previous state. A
// ConsecutiveRetries of 0 means the previous call succeeded: decay towards
// minSleep. Otherwise grow towards maxSleep.
func (c *Default) Calculate(s State) time.Duration {
	if s.ConsecutiveRetries == 0 {
		if c.decayConstant == 0 {
			return c.minSleep
		}
		next := s.SleepTime >> c.decayConstant
		if next < c.minSleep {
			next = c.minSleep
		}
		return next
	}
	next := s.SleepTime << c.attackConstant
	if next > c.maxSleep || next < s.SleepTime /* overflow */ {
		next = c.maxSleep
	}
	return next
}

// Pacer serializes a stream of attempts, inserting Calculate-derived sleeps
// between consecutive retries. It is safe for concurrent use; only one
// attempt is ever "in the pacer" sleeping at a time, mirroring lib/pacer's
// single-slot channel.
type Pacer struct {
	mu         sync.Mutex
	calculator *Default
	state      State
	retries    uint
	pacer      chan struct{}
}

// New constructs a Pacer with the given options and a retry budget of 3
// (see SetRetries).
func New(opts ...Option) *Pacer {
	p := &Pacer{
		calculator: NewDefault(opts...),
		retries:    3,
		pacer:      make(chan struct{}, 1),
	}
	p.state.SleepTime = p.calculator.minSleep
	p.pacer <- struct{}{}
	return p
}

// SetRetries overrides the retry budget.
func (p *Pacer) SetRetries(n uint) { p.mu.Lock(); p.retries = n; p.mu.Unlock() }

// Retries returns the configured retry budget.
func (p *Pacer) Retries() uint { p.mu.Lock(); defer p.mu.Unlock(); return p.retries }

// beginCall blocks until it is this caller's turn, then sleeps for the
// duration Calculate derives from the current state: at least minSleep,
// longer after retries.
func (p *Pacer) beginCall() {
	<-p.pacer
	p.mu.Lock()
	sleep := p.calculator.Calculate(p.state)
	p.mu.Unlock()
	if sleep > 0 {
		time.Sleep(sleep)
	}
}

func (p *Pacer) endCall(retry bool) {
	p.mu.Lock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	p.state.SleepTime = p.calculator.Calculate(p.state)
	p.mu.Unlock()
	p.pacer <- struct{}{}
}

// Call runs fn, retrying (with backoff) while fn returns (retry=true) and
// the retry budget is not exhausted. It returns the last error.
func (p *Pacer) Call(fn func() (retry bool, err error)) error {
	var err error
	for try := uint(0); try <= p.Retries(); try++ {
		p.beginCall()
		var retry bool
		retry, err = fn()
		p.endCall(retry)
		if !retry {
			return err
		}
	}
	return err
}

// Jitter returns d scaled by a small random factor in [0.9, 1.1), to avoid
// thundering-herd restarts when many Pipes fail at once.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	factor := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * factor)
}
