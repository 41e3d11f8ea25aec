package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"marybot/internal/dispatch"
	"marybot/internal/eventbus"
	"marybot/internal/notification"
	rtsup "marybot/internal/runtime/supervisor"
	"marybot/internal/storage"
	logx "marybot/pkg/logx"
)

type reply struct {
	res dispatch.Result
	err error
}

type task struct {
	req     Request
	retryID string // non-empty for a retry of a stored dispatch
	reply   chan reply
}

// QueueGauge receives the queue depth after every enqueue and dequeue.
type QueueGauge interface {
	SetQueueDepth(n int)
}

// Host runs jobs on a bounded queue served by supervised workers and
// answers each submission synchronously.
//
// It is safe for concurrent use.
type Host struct {
	mu sync.Mutex

	log   logx.Logger
	disp  Dispatcher
	bus   eventbus.Bus
	store storage.Store
	gauge QueueGauge
	now   func() time.Time

	cfg Config

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan task
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
}

type Option func(*Host)

func WithBus(b eventbus.Bus) Option {
	return func(h *Host) { h.bus = b }
}

func WithStore(s storage.Store) Option {
	return func(h *Host) { h.store = s }
}

func WithQueueGauge(g QueueGauge) Option {
	return func(h *Host) { h.gauge = g }
}

func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

func New(cfg Config, disp Dispatcher, log logx.Logger, opts ...Option) *Host {
	h := &Host{
		log:  log.With(logx.Component("host")),
		disp: disp,
		cfg:  cfg.normalized(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Apply stores a new pool size. It takes effect on the next Start.
func (h *Host) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.normalized()
	h.mu.Unlock()
}

// Start launches the workers. Cancelling ctx does not stop them; call
// Stop.
func (h *Host) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	if h.stopDone != nil {
		done := h.stopDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		h.mu.Lock()
	}
	if h.queue != nil {
		h.mu.Unlock()
		return
	}
	h.queue = make(chan task, h.cfg.QueueSize)
	h.accepting = true
	// Workers outlive ctx: accepted jobs run to completion and only Stop
	// cancels them, once its own deadline passes.
	h.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(h.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := h.sup, h.queue, h.cfg.Workers
	h.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			h.workerLoop(c, q)
			h.mu.Lock()
			stopping := h.stopDone != nil
			h.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("host worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	h.log.Info("host started", logx.Int("workers", workers), logx.Int("queue", cap(q)))
}

// Stop refuses new work and drains the queue until ctx ends, after which
// in-flight jobs are cancelled.
func (h *Host) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	q, sup := h.queue, h.sup
	if q == nil {
		h.mu.Unlock()
		return
	}
	if h.stopDone != nil {
		done := h.stopDone
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	h.stopDone = done
	h.accepting = false
	h.mu.Unlock()

	go func() {
		defer close(done)
		h.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		// Workers cancelled mid-drain leave tasks behind; answer them.
		for t := range q {
			t.reply <- reply{err: ErrStopped}
		}

		h.mu.Lock()
		h.queue = nil
		h.sup = nil
		h.stopDone = nil
		h.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	h.log.Info("host stopped")
}

func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{Running: h.queue != nil && h.accepting, Workers: h.cfg.Workers}
	if h.queue != nil {
		st.Queued = len(h.queue)
		st.Capacity = cap(h.queue)
	}
	return st
}

// Supervisor returns the worker supervisor, or nil when stopped.
func (h *Host) Supervisor() *rtsup.Supervisor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sup
}

// Submit runs one job and waits for its settled result. Job failures are
// in the Result. ErrResultTimeout means the job was queued and will still
// run; any other error means it was refused.
func (h *Host) Submit(ctx context.Context, req Request) (dispatch.Result, error) {
	if req.Source == "" {
		req.Source = SourceLocal
	}
	return h.enqueue(ctx, task{req: req})
}

// Retry re-delivers the failed records stored for dispatchID. Records
// that fail again are stored back under the same id.
func (h *Host) Retry(ctx context.Context, dispatchID string) (dispatch.Result, error) {
	if dispatchID == "" {
		return dispatch.Result{}, storage.ErrNotFound
	}
	return h.enqueue(ctx, task{retryID: dispatchID})
}

func (h *Host) enqueue(ctx context.Context, t task) (dispatch.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return dispatch.Result{}, err
	}

	h.mu.Lock()
	if !h.accepting || h.queue == nil {
		h.mu.Unlock()
		return dispatch.Result{}, ErrStopped
	}
	q := h.queue
	h.sendWG.Add(1)
	h.mu.Unlock()

	t.reply = make(chan reply, 1)
	if t.retryID == "" {
		h.publish(eventbus.TypeDispatchQueued, DispatchEvent{Type: t.req.Job.NotificationType, Source: t.req.Source, At: h.now()})
	}
	select {
	case q <- t:
		h.sendWG.Done()
	default:
		h.sendWG.Done()
		h.publish(eventbus.TypeDispatchFailed, DispatchEvent{
			Type: t.req.Job.NotificationType, Source: t.req.Source, Retry: t.retryID != "",
			Error: ErrQueueFull.Error(), At: h.now(),
		})
		return dispatch.Result{}, ErrQueueFull
	}
	h.observeDepth(q)

	select {
	case r := <-t.reply:
		return r.res, r.err
	case <-ctx.Done():
		// The job keeps running; its result is still stored and published.
		return dispatch.Result{}, fmt.Errorf("%w: %w", ErrResultTimeout, ctx.Err())
	}
}

func (h *Host) workerLoop(ctx context.Context, q <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q:
			if !ok {
				return
			}
			h.observeDepth(q)
			res, err := h.run(ctx, t)
			t.reply <- reply{res: res, err: err}
		}
	}
}

// run executes a task. A panic anywhere in the job becomes a failed
// Result carrying the stack.
func (h *Host) run(ctx context.Context, t task) (res dispatch.Result, err error) {
	start := h.now()
	var taken []notification.Record
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			h.log.Error("job panicked", logx.Any("panic", r), logx.Stack(stack))
			h.restoreTaken(ctx, t.retryID, taken)
			res = dispatch.Failure(fmt.Errorf("%v", r), h.now())
			res.DispatchID = t.retryID
			res.NotificationType = t.req.Job.NotificationType
			res.Stack = stack
			err = nil
			h.settle(ctx, t, res, start)
		}
	}()

	if t.retryID != "" {
		return h.runRetry(ctx, t, start, &taken)
	}
	res = h.disp.Dispatch(ctx, t.req.Job)
	h.settle(ctx, t, res, start)
	return res, nil
}

// runRetry records what it took from the store in taken so a panic can
// put it back.
func (h *Host) runRetry(ctx context.Context, t task, start time.Time, taken *[]notification.Record) (dispatch.Result, error) {
	if h.store == nil {
		return dispatch.Result{}, storage.ErrDisabled
	}
	sctx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	records, err := h.store.TakeFailed(sctx, t.retryID)
	cancel()
	if err != nil {
		return dispatch.Result{}, err
	}
	*taken = records

	br := h.disp.Retry(ctx, records)
	end := h.now()
	res := dispatch.Result{
		Success:        true,
		DispatchID:     t.retryID,
		Result:         &br,
		Timestamp:      end,
		ProcessingTime: end.Sub(start).Milliseconds(),
	}
	if len(records) > 0 {
		res.NotificationType = records[0].Type
	}
	h.settle(ctx, t, res, start)
	return res, nil
}

// settle writes the audit entry, keeps failed records for retry and
// publishes the outcome. Storage errors are logged, never returned.
func (h *Host) settle(ctx context.Context, t task, res dispatch.Result, start time.Time) {
	retry := t.retryID != ""
	ev := DispatchEvent{
		DispatchID: res.DispatchID,
		Type:       res.NotificationType,
		Source:     t.req.Source,
		Retry:      retry,
		Success:    res.Success,
		Error:      res.Error,
		At:         h.now(),
	}
	if res.Result != nil {
		ev.Sent, ev.Failed = res.Result.Sent, res.Result.Failed
	}

	if h.store != nil && res.DispatchID != "" {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.StoreTimeout)
		entry := storage.DispatchEntry{
			At: ev.At, DispatchID: res.DispatchID, Type: res.NotificationType, Source: t.req.Source,
			Retry: retry, Success: res.Success, Sent: ev.Sent, Failed: ev.Failed, Error: res.Error,
			TookMS: h.now().Sub(start).Milliseconds(),
		}
		if res.Result != nil {
			entry.Total = res.Result.Total
		}
		if err := h.store.AppendDispatch(sctx, entry); err != nil {
			h.log.Warn("audit append failed", logx.String("dispatch_id", res.DispatchID), logx.Err(err))
		}
		var failed []notification.Record
		if res.Result != nil {
			failed = res.Result.FailedRecords()
		}
		// A retry without a Result panicked; its records were restored.
		if len(failed) > 0 || (retry && res.Result != nil) {
			if err := h.store.PutFailed(sctx, res.DispatchID, failed); err != nil {
				h.log.Warn("store failed records", logx.String("dispatch_id", res.DispatchID), logx.Err(err))
			}
		}
		cancel()
	}

	if res.Success {
		h.publish(eventbus.TypeDispatchSettled, ev)
	} else {
		h.publish(eventbus.TypeDispatchFailed, ev)
	}
}

func (h *Host) restoreTaken(ctx context.Context, id string, records []notification.Record) {
	if id == "" || len(records) == 0 || h.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.store.PutFailed(sctx, id, records); err != nil {
		h.log.Error("failed records lost after panic", logx.String("dispatch_id", id), logx.Int("records", len(records)), logx.Err(err))
	}
}

func (h *Host) publish(typ string, ev DispatchEvent) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (h *Host) observeDepth(q <-chan task) {
	if h.gauge != nil {
		h.gauge.SetQueueDepth(len(q))
	}
}
