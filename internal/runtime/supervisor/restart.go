package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	logx "marybot/pkg/logx"
)

// A run that lasted this long resets the backoff to its minimum.
const stableRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff   time.Duration
	maxBackoff   time.Duration
	maxRestarts  int
	publishFirst bool
}

// WithRestartBackoff bounds the wait between runs. Non-positive values
// keep the defaults of 250ms and 30s.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. Zero means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records the first failed run as the supervisor
// error while still restarting. It never cancels the context.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// GoRestart keeps fn running until the context ends. A run that errors
// or panics is restarted after a jittered, doubling backoff; a run that
// returns nil or context.Canceled ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.spawn(func() {
		wait := p.minBackoff
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			began := s.book.started(name, restarts > 0)
			err := s.attempt(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				s.book.stopped(name, nil)
				return
			}
			s.book.stopped(name, err)
			if p.publishFirst {
				s.record(err)
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			if time.Since(began) >= stableRun {
				wait = p.minBackoff
			}
			d := jitter(wait)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", d), logx.Err(err))
			if !sleep(s.ctx, d) {
				return
			}
			wait = min(wait*2, p.maxBackoff)
		}
	})
}

// sleep reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// jitter adds up to 20% on top of d.
func jitter(d time.Duration) time.Duration {
	if j := d / 5; j > 0 {
		d += rand.N(j + 1)
	}
	return d
}
