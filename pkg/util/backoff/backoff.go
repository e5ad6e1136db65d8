// Package backoff implements exponential backoff with jitter, shared by
// the stream clients and the submission retry loops.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff doubles from Initial to Max on each failure and resets on
// success. Jitter of up to ±JitterFrac is applied to every interval.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	JitterFrac float64

	current time.Duration
}

// Default returns the stream-client policy: 1s doubling to 30s with
// ±25% jitter.
func Default() *Backoff {
	return &Backoff{Initial: time.Second, Max: 30 * time.Second, JitterFrac: 0.25}
}

// Next returns the interval to wait before the next attempt and
// advances the backoff state.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return jitter(d, b.JitterFrac)
}

// Reset returns the backoff to its initial interval after a success.
func (b *Backoff) Reset() {
	b.current = 0
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// Sleep waits for the next backoff interval or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry runs fn up to attempts times, backing off between failures.
// The last error is returned if every attempt fails.
func Retry(ctx context.Context, attempts int, b *Backoff, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := b.Sleep(ctx); serr != nil {
			return serr
		}
	}
	return err
}
