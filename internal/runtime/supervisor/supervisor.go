package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "marybot/pkg/logx"
)

// Supervisor owns a set of named goroutines bound to one context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	running atomic.Int64
	first   atomic.Pointer[error]

	wg       sync.WaitGroup
	waitOnce sync.Once
	drained  chan struct{}

	book ledger
}

type Option func(*Supervisor)

// WithLogger sets where panics and restarts are reported. The default
// discards them.
func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error
// from a Go routine, stopping every sibling.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// New derives the supervisor context from parent; a nil parent means
// context.Background.
func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	s := &Supervisor{
		log:     logx.Nop(),
		drained: make(chan struct{}),
		book:    ledger{byName: make(map[string]*RoutineStats)},
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Context is cancelled by Cancel, Stop, the parent, or the first error
// under WithCancelOnError.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded error, or nil.
func (s *Supervisor) Err() error {
	if p := s.first.Load(); p != nil {
		return *p
	}
	return nil
}

// Go runs fn once. A returned error or a panic becomes the supervisor
// error; context.Canceled counts as a clean stop.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.book.started(name, false)
		err := s.attempt(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.book.stopped(name, err)
		if err != nil {
			s.record(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	})
}

// Go0 is Go for loops that never fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the context and waits for every goroutine.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, and then
// reports Err or ctx.Err respectively. It does not cancel anything.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.drained)
		}()
	})
	select {
	case <-s.drained:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) spawn(body func()) {
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer func() {
			s.running.Add(-1)
			s.wg.Done()
		}()
		body()
	}()
}

// record keeps only the first error.
func (s *Supervisor) record(err error) {
	s.first.CompareAndSwap(nil, &err)
}

// attempt runs fn once, turning a panic into an error and tagging any
// failure with name. context.Canceled passes through unwrapped.
func (s *Supervisor) attempt(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stack := string(debug.Stack())
		s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(stack))
		s.book.panicked(name, r)
		err = fmt.Errorf("panic in %s: %v", name, r)
	}()
	err = fn(s.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%s: %w", name, err)
	}
	return err
}
