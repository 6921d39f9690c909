package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/utils"
)

// breakerState is the circuit state.
type breakerState int32

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// BreakerInvoker wraps an Invoker with a circuit breaker. When the model
// backend fails repeatedly the circuit opens and jobs fail fast as
// unavailable instead of burning their whole timeout budget one by one.
// Rejected inputs and invalid outputs are the model's verdicts, not
// backend health, and do not count against the circuit.
type BreakerInvoker struct {
	next Invoker

	failureThreshold int
	resetTimeout     time.Duration

	mu       sync.Mutex
	state    breakerState
	failures int
	lastFail time.Time
}

// NewBreakerInvoker wraps next with a circuit breaker.
func NewBreakerInvoker(next Invoker, failureThreshold int, resetTimeout time.Duration) *BreakerInvoker {
	return &BreakerInvoker{
		next:             next,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            stateClosed,
	}
}

// Invoke implements Invoker.
func (b *BreakerInvoker) Invoke(ctx context.Context, tariff string, job domain.Job) (*Result, error) {
	if !b.allow() {
		return nil, &domain.BackendError{Kind: domain.BackendUnavailable, Err: errCircuitOpen}
	}

	res, err := b.next.Invoke(ctx, tariff, job)
	b.record(err)
	return res, err
}

var errCircuitOpen = errors.New("model backend circuit is open")

func (b *BreakerInvoker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.lastFail) >= b.resetTimeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *BreakerInvoker) record(err error) {
	infra := false
	if err != nil {
		switch domain.ClassifyBackendError(err) {
		case domain.BackendUnavailable, domain.BackendTimeout, domain.BackendUnknown:
			infra = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !infra {
		if b.state == stateHalfOpen {
			utils.Info("model backend circuit closed")
		}
		b.state = stateClosed
		b.failures = 0
		return
	}

	b.failures++
	b.lastFail = time.Now()
	if b.state == stateHalfOpen || b.failures >= b.failureThreshold {
		if b.state != stateOpen {
			utils.Warn("model backend circuit opened", "failures", b.failures)
		}
		b.state = stateOpen
	}
}
