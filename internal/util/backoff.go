package util

import (
	"context"
	"time"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
)

// Backoff produces capped exponential delays for retry loops. The zero
// value starts at one second and doubles up to thirty. Not safe for
// concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// Next returns the delay before the upcoming attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
		if b.next <= 0 {
			b.next = defaultInitialDelay
		}
	}
	limit := b.Max
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	d := b.next
	if d > limit {
		d = limit
	}
	b.next *= 2
	if b.next > limit {
		b.next = limit
	}
	return d
}

// Reset starts the sequence over, for loops that back off on failure
// and recover on success.
func (b *Backoff) Reset() { b.next = 0 }

// SleepContext blocks for d or until ctx is done, whichever comes
// first. It returns the context error on early wake.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
