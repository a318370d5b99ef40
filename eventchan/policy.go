package eventchan

import (
	"fmt"
	"time"
)

// Policy governs automatic reconnection. MaxAttempts counts dial attempts per
// outage; zero means retry forever. A successful connection resets the count.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// MaxDelay enables exponential backoff: the delay doubles per attempt up
	// to MaxDelay. Zero keeps the delay fixed.
	MaxDelay time.Duration
}

func Bounded(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay}
}

func Unbounded(delay time.Duration) Policy {
	return Policy{Delay: delay}
}

var (
	// SessionPolicy is the preset for a long-lived session: 1s doubling to
	// 5s, five attempts. config.ReconnectPolicy yields it for
	// reconnect_max_attempts = 5 and reconnect_max_delay_ms = 5000.
	SessionPolicy = Bounded(5, time.Second).WithMaxDelay(5 * time.Second)
	// FreshStartPolicy is the preset for connecting on start-up: retry
	// forever every 5s. config.ReconnectPolicy yields it for
	// reconnect_base_delay_ms = 5000 and reconnect_max_attempts = 0.
	FreshStartPolicy = Unbounded(5 * time.Second)
)

func (p Policy) WithMaxDelay(d time.Duration) Policy {
	p.MaxDelay = d
	return p
}

func (p Policy) Bounded() bool { return p.MaxAttempts > 0 }

// Exhausted reports whether no further attempt may follow attempt n.
func (p Policy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}

// Backoff is the wait after failed attempt n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	d := p.Delay
	if p.MaxDelay <= p.Delay || n <= 1 {
		return d
	}
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

func (p Policy) String() string {
	if p.Bounded() {
		return fmt.Sprintf("bounded(%d, %v)", p.MaxAttempts, p.Delay)
	}
	return fmt.Sprintf("unbounded(%v)", p.Delay)
}
