package mill

import "time"

// Throttler spaces out polls: Wait returns no sooner than interval after the
// previous Wait returned, and at once when that much time already passed.
type Throttler struct {
	interval time.Duration
	last     time.Time
}

// NewThrottler creates a throttler with the minimum poll interval.
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{interval: interval}
}

// Wait blocks until the next poll is allowed. Returns false when stop closes first.
func (t *Throttler) Wait(stop <-chan struct{}) bool {
	if !t.last.IsZero() {
		if d := t.interval - time.Since(t.last); d > 0 {
			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-stop:
				return false
			case <-timer.C:
			}
		}
	}

	select {
	case <-stop:
		return false
	default:
	}

	t.last = time.Now()

	return true
}
