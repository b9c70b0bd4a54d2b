package discovery

import "time"

// DefaultRetryDelay is the fixed delay before a failed hub scan is retried.
// Retries continue indefinitely; a hub that is rebooting or briefly
// unreachable will be picked up on a later attempt.
const DefaultRetryDelay = 5 * time.Second

// Backoff decides how long to wait before the next scan attempt for one
// hub. Next is called after every failed attempt, Reset after a success.
type Backoff interface {
	Next() time.Duration
	Reset()
}

// FixedBackoff retries at a constant interval. This is the default policy:
// hubs answer over a quiet home LAN, so there is no congestion to back away
// from and a short fixed delay converges fastest after a hub reboot.
type FixedBackoff struct {
	Delay time.Duration
}

// NewFixedBackoff creates a fixed backoff with the default delay
func NewFixedBackoff() *FixedBackoff {
	return &FixedBackoff{Delay: DefaultRetryDelay}
}

func (b *FixedBackoff) Next() time.Duration {
	if b.Delay <= 0 {
		return DefaultRetryDelay
	}
	return b.Delay
}

func (b *FixedBackoff) Reset() {}

// ExponentialBackoff doubles the delay after each failure up to Max. It is
// an alternative for deployments where the scan target is reached over a
// constrained link.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

func (b *ExponentialBackoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		if b.current <= 0 {
			b.current = DefaultRetryDelay
		}
	} else {
		b.current *= 2
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

func (b *ExponentialBackoff) Reset() {
	b.current = 0
}
