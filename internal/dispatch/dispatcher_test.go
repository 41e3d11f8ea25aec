package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marybot/internal/channel"
	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

type fakeChannel struct {
	name  string
	fail  func(rec notification.Record) error
	calls atomic.Int64
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, rec notification.Record) (channel.Receipt, error) {
	f.calls.Add(1)
	if f.fail != nil {
		if err := f.fail(rec); err != nil {
			return channel.Receipt{}, err
		}
	}
	return channel.Receipt{ID: f.name + ":" + rec.UserID}, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
}

func makeRecords(n int) []notification.Record {
	out := make([]notification.Record, n)
	for i := range out {
		out[i] = notification.Record{UserID: fmt.Sprintf("u%d", i), Type: notification.TypeLevelUp}
	}
	return out
}

func checkInvariant(t *testing.T, r BatchResult) {
	t.Helper()
	if r.Sent+r.Failed != r.Total {
		t.Fatalf("sent(%d)+failed(%d) != total(%d)", r.Sent, r.Failed, r.Total)
	}
	counted := 0
	for _, e := range r.Errors {
		counted += e.Count
	}
	if counted != r.Failed {
		t.Fatalf("errors account for %d failures, want %d", counted, r.Failed)
	}
}

func TestDispatchBatchSplitsAndPaces(t *testing.T) {
	t.Parallel()
	var (
		mu         sync.Mutex
		inFlight   int
		batchSizes []int
	)
	rec := &sleepRecorder{}
	ch := &fakeChannel{name: "discord", fail: func(notification.Record) error {
		mu.Lock()
		inFlight++
		mu.Unlock()
		return nil
	}}
	d := New(Config{}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop(), WithSleep(func(ctx context.Context, dur time.Duration) {
		mu.Lock()
		batchSizes = append(batchSizes, inFlight)
		inFlight = 0
		mu.Unlock()
		rec.sleep(ctx, dur)
	}))

	res := d.DispatchBatch(context.Background(), makeRecords(250))
	checkInvariant(t, res)
	if res.Sent != 250 || res.Failed != 0 {
		t.Fatalf("sent=%d failed=%d, want 250/0", res.Sent, res.Failed)
	}
	if len(rec.delays) != 2 {
		t.Fatalf("delays = %d, want 2", len(rec.delays))
	}
	for _, dl := range rec.delays {
		if dl != 100*time.Millisecond {
			t.Fatalf("delay = %v, want 100ms", dl)
		}
	}
	batchSizes = append(batchSizes, inFlight)
	if fmt.Sprint(batchSizes) != "[100 100 50]" {
		t.Fatalf("batch sizes = %v, want [100 100 50]", batchSizes)
	}
}

func TestDispatchBatchNoDelayForSingleBatch(t *testing.T) {
	t.Parallel()
	rec := &sleepRecorder{}
	d := New(Config{}, NewDeliverer(logx.Nop(), nil, &fakeChannel{name: "x"}), logx.Nop(), WithSleep(rec.sleep))
	for _, n := range []int{0, 1, 100} {
		res := d.DispatchBatch(context.Background(), makeRecords(n))
		checkInvariant(t, res)
	}
	if len(rec.delays) != 0 {
		t.Fatalf("expected no delays, got %v", rec.delays)
	}
}

func TestDispatchBatchPerRecordFailures(t *testing.T) {
	t.Parallel()
	bad := map[string]bool{"u3": true, "u7": true}
	ch := &fakeChannel{name: "only", fail: func(r notification.Record) error {
		if bad[r.UserID] {
			return errors.New("unreachable")
		}
		return nil
	}}
	d := New(Config{BatchSize: 4}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop(), WithSleep(func(context.Context, time.Duration) {}))
	res := d.DispatchBatch(context.Background(), makeRecords(10))
	checkInvariant(t, res)
	if res.Sent != 8 || res.Failed != 2 {
		t.Fatalf("sent=%d failed=%d, want 8/2", res.Sent, res.Failed)
	}
	for _, e := range res.Errors {
		if !bad[e.UserID] {
			t.Fatalf("unexpected failed user %q", e.UserID)
		}
		if !strings.Contains(e.Error, "unreachable") || e.Notification != notification.TypeLevelUp {
			t.Fatalf("unexpected error entry: %+v", e)
		}
	}
	if got := len(res.FailedRecords()); got != 2 {
		t.Fatalf("FailedRecords = %d, want 2", got)
	}
}

func TestDispatchBatchAggregateFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	ch := &fakeChannel{name: "only"}
	d := New(Config{BatchSize: 3}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop(), WithSleep(func(context.Context, time.Duration) {
		// Cancel after the first batch so the second one never starts.
		cancel()
	}))
	res := d.DispatchBatch(ctx, makeRecords(5))
	checkInvariant(t, res)
	if res.Sent != 3 || res.Failed != 2 {
		t.Fatalf("sent=%d failed=%d, want 3/2", res.Sent, res.Failed)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %d, want 1 aggregate entry", len(res.Errors))
	}
	e := res.Errors[0]
	if e.Batch == nil || *e.Batch != 1 || e.Count != 2 || e.UserID != "" {
		t.Fatalf("unexpected aggregate entry: %+v", e)
	}
	if len(e.Records) != 2 {
		t.Fatalf("aggregate entry keeps %d records, want 2", len(e.Records))
	}
}

func TestDispatchBatchRecordPanicIsRecordFailure(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "only", fail: func(r notification.Record) error {
		if r.UserID == "u1" {
			panic("driver bug")
		}
		return nil
	}}
	d := New(Config{}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop())
	res := d.DispatchBatch(context.Background(), makeRecords(3))
	checkInvariant(t, res)
	if res.Failed != 1 || res.Errors[0].UserID != "u1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDelivererOrderedFallback(t *testing.T) {
	t.Parallel()
	down := func(notification.Record) error { return errors.New("down") }
	tests := []struct {
		name      string
		fails     []bool
		wantChan  string
		wantCalls []int64
		wantErr   string
	}{
		{name: "first wins", fails: []bool{false, false, false}, wantChan: "discord", wantCalls: []int64{1, 0, 0}},
		{name: "second wins", fails: []bool{true, false, false}, wantChan: "database", wantCalls: []int64{1, 1, 0}},
		{name: "last wins", fails: []bool{true, true, false}, wantChan: "websocket", wantCalls: []int64{1, 1, 1}},
		{name: "all fail", fails: []bool{true, true, true}, wantCalls: []int64{1, 1, 1}, wantErr: "websocket: down"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chans := []*fakeChannel{{name: "discord"}, {name: "database"}, {name: "websocket"}}
			var list []channel.Channel
			for i, c := range chans {
				if tt.fails[i] {
					c.fail = down
				}
				list = append(list, c)
			}
			d := NewDeliverer(logx.Nop(), nil, list...)
			rcpt, err := d.Deliver(context.Background(), notification.Record{UserID: "u1"})
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
			} else if err != nil || rcpt.Channel != tt.wantChan {
				t.Fatalf("got (%+v, %v), want channel %q", rcpt, err, tt.wantChan)
			}
			for i, c := range chans {
				if c.calls.Load() != tt.wantCalls[i] {
					t.Fatalf("channel %s calls = %d, want %d", c.name, c.calls.Load(), tt.wantCalls[i])
				}
			}
		})
	}
}

func TestDelivererWithoutChannels(t *testing.T) {
	t.Parallel()
	_, err := NewDeliverer(logx.Nop(), nil).Deliver(context.Background(), notification.Record{})
	if !errors.Is(err, ErrNoChannels) {
		t.Fatalf("err = %v, want ErrNoChannels", err)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "only"}
	d := New(Config{}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop())
	res := d.Dispatch(context.Background(), notification.Job{
		NotificationType: "bogus",
		Recipients:       []notification.Recipient{{UserID: "u1"}},
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error != "Unknown notification type: bogus" {
		t.Fatalf("error = %q", res.Error)
	}
	if res.Result != nil {
		t.Fatal("no batch result expected")
	}
	if ch.calls.Load() != 0 {
		t.Fatal("no delivery expected")
	}
}

func TestDispatchSettles(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * 10 * time.Millisecond) }

	stats := &countingStats{}
	d := New(Config{}, NewDeliverer(logx.Nop(), stats, &fakeChannel{name: "only"}), logx.Nop(),
		WithClock(clock), WithStats(stats), WithIDGenerator(func() string { return "d-1" }))

	data, _ := json.Marshal(notification.LevelUpData{NewLevel: 3})
	res := d.Dispatch(context.Background(), notification.Job{
		NotificationType: notification.TypeLevelUp,
		Recipients:       []notification.Recipient{{UserID: "a"}, {UserID: "b"}},
		Data:             data,
	})
	if !res.Success || res.DispatchID != "d-1" || res.NotificationType != notification.TypeLevelUp {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Result == nil || res.Result.Total != 2 || res.Result.Sent != 2 {
		t.Fatalf("unexpected batch result: %+v", res.Result)
	}
	if res.ProcessingTime <= 0 {
		t.Fatalf("processing time = %d", res.ProcessingTime)
	}
	if stats.settled.Load() != 1 || stats.attempts.Load() != 2 {
		t.Fatalf("stats: settled=%d attempts=%d", stats.settled.Load(), stats.attempts.Load())
	}
}

func TestDispatchPartialFailureIsStillSuccess(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "only", fail: func(notification.Record) error { return errors.New("nope") }}
	d := New(Config{}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop())
	data, _ := json.Marshal(notification.LevelUpData{NewLevel: 3})
	res := d.Dispatch(context.Background(), notification.Job{
		NotificationType: notification.TypeLevelUp,
		Recipients:       []notification.Recipient{{UserID: "a"}},
		Data:             data,
	})
	if !res.Success || res.Result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRetryRedeliversFailedRecords(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	ch := &fakeChannel{name: "only", fail: func(notification.Record) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	}}
	d := New(Config{}, NewDeliverer(logx.Nop(), nil, ch), logx.Nop())
	first := d.DispatchBatch(context.Background(), makeRecords(4))
	if first.Failed != 4 {
		t.Fatalf("failed = %d, want 4", first.Failed)
	}
	healthy.Store(true)
	second := d.Retry(context.Background(), first.FailedRecords())
	checkInvariant(t, second)
	if second.Sent != 4 {
		t.Fatalf("retry sent = %d, want 4", second.Sent)
	}
}

func TestApplyNormalizes(t *testing.T) {
	t.Parallel()
	d := New(Config{BatchSize: 5, BatchDelay: time.Second}, nil, logx.Nop())
	d.Apply(Config{BatchSize: -1})
	if got := d.Config(); got.BatchSize != DefaultBatchSize || got.BatchDelay != DefaultBatchDelay {
		t.Fatalf("config = %+v", got)
	}
}

type countingStats struct {
	settled  atomic.Int64
	attempts atomic.Int64
}

func (s *countingStats) DispatchSettled(notification.Type, string, time.Duration) { s.settled.Add(1) }
func (s *countingStats) DeliveryAttempt(string, bool)                            { s.attempts.Add(1) }
func (s *countingStats) RecordsSettled(int, int)                                 {}
func (s *countingStats) BatchFailed()                                            {}
