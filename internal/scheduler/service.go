package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marybot/internal/dispatch"
	"marybot/internal/host"
	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

// Submitter is the part of *host.Host the scheduler drives.
type Submitter interface {
	Submit(ctx context.Context, req host.Request) (dispatch.Result, error)
}

type Config struct {
	Enabled  bool
	Timezone string // IANA name, e.g. "Asia/Jakarta"; empty is Local
	// SubmitTimeout bounds one fire; zero means one minute.
	SubmitTimeout time.Duration
	Schedules     []Schedule
}

// Schedule fires Job whenever Spec matches.
type Schedule struct {
	Name string
	Spec string
	Job  notification.Job
}

// EntryInfo describes one registered schedule.
type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	sub Submitter
	cfg Config

	ctx     context.Context
	c       *cron.Cron
	loc     *time.Location
	entries map[string]cron.EntryID
	specs   map[string]string
}

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	return &Service{
		log: log.With(logx.Component("scheduler")),
		sub: sub,
		cfg: cfg,
	}
}

// Start begins triggering. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	// Remembered so a later Apply can enable a disabled scheduler.
	s.ctx = ctx
	if !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entries = make(map[string]cron.EntryID, len(s.cfg.Schedules))
	s.specs = make(map[string]string, len(s.cfg.Schedules))

	var errs []error
	for _, sc := range s.cfg.Schedules {
		if err := s.addLocked(sc); err != nil {
			errs = append(errs, err)
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
	return errors.Join(errs...)
}

func (s *Service) addLocked(sc Schedule) error {
	name := strings.TrimSpace(sc.Name)
	if name == "" {
		return errors.New("schedule name required")
	}
	spec, err := Normalize(sc.Spec)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.Err(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	if id, ok := s.entries[name]; ok {
		s.c.Remove(id)
	}
	job, base, timeout := sc.Job, s.ctx, s.cfg.SubmitTimeout
	id, err := s.c.AddFunc(spec, func() { s.fire(base, timeout, name, job) })
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.entries[name] = id
	s.specs[name] = spec
	if sched, err := parser.Parse(spec); err == nil {
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec),
			logx.Time("next", sched.Next(time.Now().In(s.loc))))
	}
	return nil
}

// Stop halts triggering and waits for running fires until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.ctx = nil, nil
	s.entries, s.specs = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the whole schedule set. A running scheduler is rebuilt so
// timezone and enabled changes take effect immediately.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		if cfg.Enabled && s.ctx != nil {
			return s.startLocked()
		}
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startLocked()
}

// Entries lists registered schedules ordered by name.
func (s *Service) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	out := make([]EntryInfo, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.c.Entry(id)
		out = append(out, EntryInfo{Name: name, Spec: s.specs[name], Next: e.Next, Prev: e.Prev})
	}
	slices.SortFunc(out, func(a, b EntryInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// RunNow fires a schedule outside its spec and waits for the result.
func (s *Service) RunNow(ctx context.Context, name string) (dispatch.Result, error) {
	s.mu.Lock()
	var (
		job   notification.Job
		found bool
	)
	for _, sc := range s.cfg.Schedules {
		if sc.Name == name {
			job, found = sc.Job, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return dispatch.Result{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.sub.Submit(ctx, host.Request{Job: job, Source: host.SourceCron})
}

// fire must not take s.mu: Apply holds it while waiting for running
// fires to finish.
func (s *Service) fire(base context.Context, timeout time.Duration, name string, job notification.Job) {
	if base == nil {
		base = context.Background()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	start := time.Now()
	res, err := s.sub.Submit(ctx, host.Request{Job: job, Source: host.SourceCron})
	if err != nil {
		s.log.Warn("scheduled dispatch not run", logx.String("name", name), logx.Err(err))
		return
	}
	fields := []logx.Field{
		logx.String("name", name),
		logx.String("dispatch_id", res.DispatchID),
		logx.Bool("success", res.Success),
		logx.Duration("took", time.Since(start)),
	}
	if res.Result != nil {
		fields = append(fields, logx.Int("sent", res.Result.Sent), logx.Int("failed", res.Result.Failed))
	}
	if !res.Success {
		s.log.Warn("scheduled dispatch failed", append(fields, logx.String("error", res.Error))...)
		return
	}
	s.log.Info("scheduled dispatch settled", fields...)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes cron's own logging (recovered panics, skipped
// overlapping runs) through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
