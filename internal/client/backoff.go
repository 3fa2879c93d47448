package client

import "time"

// backoff doubles the reconnect delay after each failed attempt, up to max
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(base, ceiling time.Duration) backoff {
	if base <= 0 {
		base = time.Second
	}
	return backoff{base: base, max: max(ceiling, base), current: base}
}

// next returns the delay to wait now and grows the following one
func (b *backoff) next() time.Duration {
	d := b.current
	b.current = min(b.current*2, b.max)
	return d
}

func (b *backoff) reset() {
	b.current = b.base
}
