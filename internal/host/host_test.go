package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marybot/internal/channel"
	"marybot/internal/dispatch"
	"marybot/internal/eventbus"
	"marybot/internal/notification"
	"marybot/internal/storage"
	logx "marybot/pkg/logx"
)

func levelUpJob(t *testing.T, users ...string) notification.Job {
	t.Helper()
	data, err := json.Marshal(notification.LevelUpData{NewLevel: 10})
	if err != nil {
		t.Fatal(err)
	}
	job := notification.Job{NotificationType: notification.TypeLevelUp, Data: data}
	for _, u := range users {
		job.Recipients = append(job.Recipients, notification.Recipient{UserID: u})
	}
	return job
}

// toggleChannel fails every delivery while down is set.
type toggleChannel struct {
	down atomic.Bool
}

func (c *toggleChannel) Name() string { return "test" }

func (c *toggleChannel) Deliver(_ context.Context, rec notification.Record) (channel.Receipt, error) {
	if c.down.Load() {
		return channel.Receipt{}, errors.New("offline")
	}
	return channel.Receipt{ID: rec.UserID}, nil
}

func newDispatcher(ch channel.Channel) *dispatch.Dispatcher {
	return dispatch.New(dispatch.Config{}, dispatch.NewDeliverer(logx.Nop(), nil, ch), logx.Nop())
}

func startHost(t *testing.T, h *Host) {
	t.Helper()
	h.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Stop(ctx)
	})
}

func TestSubmitReturnsSettledResult(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	h := New(Config{Workers: 2}, newDispatcher(&toggleChannel{}), logx.Nop(), WithBus(bus))
	startHost(t, h)

	res, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1", "u2"), Source: SourceHTTP})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Success || res.Result.Sent != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	if types[0] != eventbus.TypeDispatchQueued || types[1] != eventbus.TypeDispatchSettled {
		t.Fatalf("events = %v", types)
	}
}

func TestSubmitJobFailureIsNotHostError(t *testing.T) {
	h := New(Config{}, newDispatcher(&toggleChannel{}), logx.Nop())
	startHost(t, h)

	res, err := h.Submit(context.Background(), Request{Job: notification.Job{NotificationType: "bogus"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Success || res.Error != "Unknown notification type: bogus" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(context.Context, notification.Job) dispatch.Result { panic("worker blew up") }
func (panicDispatcher) Retry(context.Context, []notification.Record) dispatch.BatchResult {
	return dispatch.BatchResult{}
}

func TestSubmitPanicBecomesFailureWithStack(t *testing.T) {
	h := New(Config{Workers: 1}, panicDispatcher{}, logx.Nop())
	startHost(t, h)

	res, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Success || res.Error != "worker blew up" || res.Stack == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The worker survives the panic.
	res, err = h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1")})
	if err != nil || res.Error != "worker blew up" {
		t.Fatalf("second submit = (%+v, %v)", res, err)
	}
}

func TestSubmitWhenStopped(t *testing.T) {
	h := New(Config{}, newDispatcher(&toggleChannel{}), logx.Nop())
	if _, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1")}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	h.Start(context.Background())
	h.Stop(context.Background())
	if _, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1")}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err after stop = %v, want ErrStopped", err)
	}
}

type blockingDispatcher struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, job notification.Job) dispatch.Result {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return dispatch.Result{Success: true, NotificationType: job.NotificationType}
}

func (b *blockingDispatcher) Retry(context.Context, []notification.Record) dispatch.BatchResult {
	return dispatch.BatchResult{}
}

func TestSubmitQueueFull(t *testing.T) {
	bd := &blockingDispatcher{release: make(chan struct{}), started: make(chan struct{})}
	h := New(Config{Workers: 1, QueueSize: 1}, bd, logx.Nop())
	startHost(t, h)
	defer close(bd.release)

	go func() { _, _ = h.Submit(context.Background(), Request{Job: levelUpJob(t, "a")}) }()
	<-bd.started
	go func() { _, _ = h.Submit(context.Background(), Request{Job: levelUpJob(t, "b")}) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.Status().Queued < 1 {
		if time.Now().After(deadline) {
			t.Fatal("second job never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "c")}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestSubmitContextCancelled(t *testing.T) {
	bd := &blockingDispatcher{release: make(chan struct{}), started: make(chan struct{})}
	h := New(Config{Workers: 1}, bd, logx.Nop())
	startHost(t, h)
	defer close(bd.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Submit(ctx, Request{Job: levelUpJob(t, "a")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	// The job was queued, so callers must not resubmit it.
	if !errors.Is(err, ErrResultTimeout) {
		t.Fatalf("err = %v, want ErrResultTimeout", err)
	}
}

func TestSubmitWithDoneContextIsNotAccepted(t *testing.T) {
	h := New(Config{}, newDispatcher(&toggleChannel{}), logx.Nop())
	startHost(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Submit(ctx, Request{Job: levelUpJob(t, "a")})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrResultTimeout) {
		t.Fatalf("err = %v, want plain context.Canceled", err)
	}
}

// countingChannel counts deliveries and signals the first one.
type countingChannel struct {
	n     atomic.Int64
	first chan struct{}
	once  sync.Once
}

func (c *countingChannel) Name() string { return "count" }

func (c *countingChannel) Deliver(_ context.Context, rec notification.Record) (channel.Receipt, error) {
	c.n.Add(1)
	c.once.Do(func() { close(c.first) })
	return channel.Receipt{ID: rec.UserID}, nil
}

func TestStopDrainsJobAfterStartContextCancelled(t *testing.T) {
	ch := &countingChannel{first: make(chan struct{})}
	disp := dispatch.New(dispatch.Config{BatchSize: 10, BatchDelay: 50 * time.Millisecond},
		dispatch.NewDeliverer(logx.Nop(), nil, ch), logx.Nop())
	h := New(Config{Workers: 1}, disp, logx.Nop())

	runCtx, cancelRun := context.WithCancel(context.Background())
	h.Start(runCtx)

	users := make([]string, 100)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}
	type outcome struct {
		res dispatch.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, users...)})
		done <- outcome{res, err}
	}()

	<-ch.first
	time.Sleep(120 * time.Millisecond)
	cancelRun()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	h.Stop(stopCtx)

	out := <-done
	if out.err != nil {
		t.Fatalf("Submit: %v", out.err)
	}
	if out.res.Result == nil || out.res.Result.Sent != 100 || out.res.Result.Failed != 0 {
		t.Fatalf("in-flight job not drained: %+v", out.res.Result)
	}
	if got := ch.n.Load(); got != 100 {
		t.Fatalf("deliveries = %d, want 100", got)
	}
}

// flakyRetryDispatcher panics on Retry while panicking is set.
type flakyRetryDispatcher struct {
	*dispatch.Dispatcher
	panicking atomic.Bool
}

func (d *flakyRetryDispatcher) Retry(ctx context.Context, records []notification.Record) dispatch.BatchResult {
	if d.panicking.Load() {
		panic("retry blew up")
	}
	return d.Dispatcher.Retry(ctx, records)
}

func TestRetryPanicKeepsStoredFailures(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ch := &toggleChannel{}
	ch.down.Store(true)
	disp := &flakyRetryDispatcher{Dispatcher: newDispatcher(ch)}
	h := New(Config{Workers: 1}, disp, logx.Nop(), WithStore(st))
	startHost(t, h)

	first, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1", "u2")})
	if err != nil || first.Result.Failed != 2 {
		t.Fatalf("first = (%+v, %v)", first, err)
	}

	disp.panicking.Store(true)
	res, err := h.Retry(context.Background(), first.DispatchID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Success || res.Error != "retry blew up" {
		t.Fatalf("panicked retry = %+v", res)
	}

	disp.panicking.Store(false)
	ch.down.Store(false)
	res, err = h.Retry(context.Background(), first.DispatchID)
	if err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	if res.Result == nil || res.Result.Sent != 2 {
		t.Fatalf("records lost after panic: %+v", res)
	}
}

func TestRetryRedeliversStoredFailures(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ch := &toggleChannel{}
	ch.down.Store(true)
	h := New(Config{}, newDispatcher(ch), logx.Nop(), WithStore(st))
	startHost(t, h)

	first, err := h.Submit(context.Background(), Request{Job: levelUpJob(t, "u1", "u2", "u3")})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if first.Result.Failed != 3 {
		t.Fatalf("failed = %d, want 3", first.Result.Failed)
	}

	ch.down.Store(false)
	second, err := h.Retry(context.Background(), first.DispatchID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if second.DispatchID != first.DispatchID || second.Result.Sent != 3 || second.Result.Failed != 0 {
		t.Fatalf("unexpected retry result: %+v", second)
	}
	if second.NotificationType != notification.TypeLevelUp {
		t.Fatalf("type = %q", second.NotificationType)
	}

	// Nothing is left to retry.
	if _, err := h.Retry(context.Background(), first.DispatchID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRetryWithoutStorage(t *testing.T) {
	h := New(Config{}, newDispatcher(&toggleChannel{}), logx.Nop())
	startHost(t, h)
	if _, err := h.Retry(context.Background(), "d1"); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}
