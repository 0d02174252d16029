package stream

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultReconnectDelay is the fixed delay between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// Backoff yields the delay before reconnect attempt n (n starts at 1 and
// resets after a session is established).
type Backoff interface {
	Next(attempt int) time.Duration
}

// Constant waits the same delay before every attempt.
type Constant struct {
	Delay time.Duration
}

// Next returns the fixed delay.
func (c Constant) Next(int) time.Duration {
	return c.Delay
}

// Exponential doubles Initial per attempt up to Max, optionally adding up to
// 25% jitter.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewExponential builds an exponential policy with its own random source.
func NewExponential(initial, max time.Duration, jitter bool) *Exponential {
	return &Exponential{
		Initial: initial,
		Max:     max,
		Jitter:  jitter,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Next(attempt int) time.Duration {
	if e.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := e.Initial
	for i := 1; i < attempt; i++ {
		if delay > time.Duration(math.MaxInt64/2) {
			delay = time.Duration(math.MaxInt64)
			break
		}
		delay *= 2
	}
	if e.Max > 0 && delay > e.Max {
		delay = e.Max
	}

	if e.Jitter && delay >= 4 {
		e.mu.Lock()
		if e.rnd == nil {
			e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		delay += time.Duration(e.rnd.Int63n(int64(delay / 4)))
		e.mu.Unlock()
	}
	return delay
}

// Policy names accepted by NewBackoff.
const (
	PolicyConstant    = "constant"
	PolicyExponential = "exponential"
)

// NewBackoff builds a policy from its configured name.
func NewBackoff(policy string, delay, max time.Duration, jitter bool) (Backoff, error) {
	switch policy {
	case "", PolicyConstant:
		return Constant{Delay: delay}, nil
	case PolicyExponential:
		return NewExponential(delay, max, jitter), nil
	default:
		return nil, fmt.Errorf("unknown reconnect policy %q (want %s or %s)", policy, PolicyConstant, PolicyExponential)
	}
}
