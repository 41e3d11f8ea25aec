package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

var errBatchSkipped = errors.New("batch not started: context done")

// Dispatcher turns jobs into records and pushes them through a
// RecordDeliverer in paced batches. It is safe for concurrent use.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	deliver RecordDeliverer
	stats   Stats
	log     logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
	newID func() string
}

type Option func(*Dispatcher)

func WithStats(s Stats) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.stats = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep replaces the inter-batch pause.
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

func New(cfg Config, deliver RecordDeliverer, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg.normalized(),
		deliver: deliver,
		stats:   NopStats(),
		log:     log.With(logx.Component("dispatch")),
		now:     time.Now,
		sleep:   sleepCtx,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply swaps batch pacing. Passes already running keep their snapshot.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.normalized()
	d.mu.Unlock()
}

func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Dispatch runs one job to completion. It never returns an error and
// never panics; failures are reported in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, job notification.Job) (res Result) {
	start := d.now()
	id := d.newID()
	log := d.log.With(logx.String("dispatch_id", id), logx.String("type", string(job.NotificationType)))

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			log.Error("dispatch panicked", logx.Any("panic", r), logx.Stack(stack))
			res = Failure(fmt.Errorf("panic: %v", r), d.now())
			res.DispatchID = id
			res.NotificationType = job.NotificationType
			res.Stack = stack
			d.stats.DispatchSettled(job.NotificationType, OutcomeFailed, d.now().Sub(start))
		}
	}()

	records, err := notification.Format(job, start)
	if err != nil {
		log.Warn("job rejected", logx.Err(err))
		res = Failure(err, d.now())
		res.DispatchID = id
		res.NotificationType = job.NotificationType
		d.stats.DispatchSettled(job.NotificationType, OutcomeFailed, d.now().Sub(start))
		return res
	}
	log.Debug("job formatted", logx.Int("recipients", len(job.Recipients)), logx.Int("records", len(records)))

	br := d.DispatchBatch(ctx, records)
	end := d.now()
	took := end.Sub(start)
	d.stats.DispatchSettled(job.NotificationType, OutcomeSettled, took)
	log.Info("dispatch settled",
		logx.Int("total", br.Total),
		logx.Int("sent", br.Sent),
		logx.Int("failed", br.Failed),
		logx.Duration("took", took),
	)
	return Result{
		Success:          true,
		DispatchID:       id,
		NotificationType: job.NotificationType,
		Result:           &br,
		Timestamp:        end,
		ProcessingTime:   took.Milliseconds(),
	}
}

// DispatchBatch delivers records in batches of Config.BatchSize with a
// Config.BatchDelay pause between batches, never before the first or
// after the last. Records within a batch are delivered concurrently and
// all of them settle before the next batch starts.
func (d *Dispatcher) DispatchBatch(ctx context.Context, records []notification.Record) BatchResult {
	cfg := d.Config()
	res := BatchResult{Total: len(records), Errors: []BatchError{}}

	for i, start := 0, 0; start < len(records); i, start = i+1, start+cfg.BatchSize {
		if i > 0 {
			d.sleep(ctx, cfg.BatchDelay)
		}
		end := min(start+cfg.BatchSize, len(records))
		batch := records[start:end]

		sent, errs, err := d.runBatch(ctx, batch)
		if err != nil {
			idx := i
			d.log.Error("batch failed", logx.Int("batch", idx), logx.Int("count", len(batch)), logx.Err(err))
			d.stats.BatchFailed()
			res.Failed += len(batch)
			res.Errors = append(res.Errors, BatchError{
				Error:   err.Error(),
				Batch:   &idx,
				Count:   len(batch),
				Records: append([]notification.Record(nil), batch...),
			})
			continue
		}
		res.Sent += sent
		res.Failed += len(errs)
		res.Errors = append(res.Errors, errs...)
	}
	d.stats.RecordsSettled(res.Sent, res.Failed)
	return res
}

// Retry re-delivers a previously failed record list through the same
// pipeline. It is never invoked automatically.
func (d *Dispatcher) Retry(ctx context.Context, records []notification.Record) BatchResult {
	d.log.Info("retrying failed records", logx.Int("count", len(records)))
	return d.DispatchBatch(ctx, records)
}

// runBatch returns a non-nil error only for a fault of the batch as a
// whole, in which case sent and errs are meaningless.
func (d *Dispatcher) runBatch(ctx context.Context, batch []notification.Record) (sent int, errs []BatchError, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch panic: %v", r)
		}
	}()
	if ctx.Err() != nil {
		return 0, nil, fmt.Errorf("%w: %v", errBatchSkipped, ctx.Err())
	}

	outcomes := make([]error, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = fmt.Errorf("panic: %v", r)
				}
			}()
			_, outcomes[i] = d.deliver.Deliver(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	for i, oerr := range outcomes {
		if oerr == nil {
			sent++
			continue
		}
		rec := batch[i]
		errs = append(errs, BatchError{
			UserID:       rec.UserID,
			Error:        oerr.Error(),
			Notification: rec.Type,
			Count:        1,
			Records:      []notification.Record{rec},
		})
	}
	return sent, errs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
