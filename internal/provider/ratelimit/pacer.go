package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer spaces out calls that already passed the quota so bursts do not hit
// the upstream all at once.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer allows perSecond calls on average with the given burst. A
// non-positive rate disables pacing.
func NewPacer(perSecond float64, burst int) *Pacer {
	if perSecond <= 0 {
		return &Pacer{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the next call may proceed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.lim == nil {
		return nil
	}
	return p.lim.Wait(ctx)
}
