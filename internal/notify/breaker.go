package notify

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// breakerState is the state of a channel breaker.
type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
)

// breaker stops deliveries on a channel after consecutive failures. After
// openTimeout a single probe is let through; its outcome closes or reopens
// the breaker.
type breaker struct {
	channel     Channel
	state       atomic.Int32
	failures    atomic.Int32
	openedAt    atomic.Int64
	probing     atomic.Bool
	threshold   int
	openTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func newBreaker(ch Channel, threshold int, openTimeout time.Duration, logger *slog.Logger) *breaker {
	return &breaker{
		channel:     ch,
		threshold:   threshold,
		openTimeout: openTimeout,
		now:         time.Now,
		logger:      logger,
	}
}

// allow reports whether a delivery may proceed. A true probe result must be
// followed by record.
func (b *breaker) allow() (ok, probe bool) {
	switch breakerState(b.state.Load()) {
	case breakerClosed:
		return true, false
	case breakerOpen:
		if b.now().Sub(time.Unix(0, b.openedAt.Load())) < b.openTimeout {
			return false, false
		}
		if !b.state.CompareAndSwap(int32(breakerOpen), int32(breakerHalfOpen)) {
			return b.allow()
		}
		b.logTransition(breakerOpen, breakerHalfOpen)
		fallthrough
	case breakerHalfOpen:
		if b.probing.CompareAndSwap(false, true) {
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

// record feeds a delivery outcome back.
func (b *breaker) record(success, probe bool) {
	if probe {
		defer b.probing.Store(false)
	}
	if success {
		b.failures.Store(0)
		if probe && b.state.CompareAndSwap(int32(breakerHalfOpen), int32(breakerClosed)) {
			b.logTransition(breakerHalfOpen, breakerClosed)
		}
		return
	}

	if probe {
		b.open(breakerHalfOpen)
		return
	}
	if int(b.failures.Add(1)) >= b.threshold {
		b.open(breakerClosed)
	}
}

// release ends a delivery that never reached the sender.
func (b *breaker) release(probe bool) {
	if probe {
		b.probing.Store(false)
	}
}

func (b *breaker) open(from breakerState) {
	if !b.state.CompareAndSwap(int32(from), int32(breakerOpen)) {
		return
	}
	b.openedAt.Store(b.now().UnixNano())
	b.failures.Store(0)
	b.logTransition(from, breakerOpen)
}

func (b *breaker) logTransition(from, to breakerState) {
	b.logger.Info("notification breaker state transition",
		"channel", b.channel, "from", from.String(), "to", to.String())
}
