package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marybot/internal/channel/websocket"
	"marybot/internal/config"
	"marybot/internal/dispatch"
	"marybot/internal/eventbus"
	"marybot/internal/host"
	"marybot/internal/metrics"
	rtsup "marybot/internal/runtime/supervisor"
	"marybot/internal/scheduler"
	"marybot/internal/storage"
	"marybot/internal/transport/amqp"
	"marybot/internal/transport/httpapi"
	logx "marybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	stats *metrics.Metrics

	hub   *websocket.Hub
	disp  *dispatch.Dispatcher
	host  *host.Host
	sched *scheduler.Service

	http *httpapi.Server // nil when http.enabled is false
	amqp *amqp.Consumer  // nil when amqp.enabled is false
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.Component("app"))

	bus := eventbus.New()
	stats := metrics.New(nil)

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	hub := websocket.NewHub(cfg.Websocket.QueueSize, root)
	channels, err := buildChannels(cfg, hub, root)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	deliver := dispatch.NewDeliverer(root, stats, channels...)
	disp := dispatch.New(mapDispatcher(cfg), deliver, root, dispatch.WithStats(stats))

	hostOpts := []host.Option{host.WithBus(bus), host.WithQueueGauge(stats)}
	if store != nil {
		hostOpts = append(hostOpts, host.WithStore(store))
	}
	h := host.New(mapHost(cfg), disp, root, hostOpts...)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	sched := scheduler.New(schedCfg, h, root)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		root:    root,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		stats:   stats,
		hub:     hub,
		disp:    disp,
		host:    h,
		sched:   sched,
	}

	if cfg.HTTP.Enabled {
		router := httpapi.NewRouter(httpapi.Deps{
			Host:              h,
			Scheduler:         sched,
			Websocket:         hub,
			Metrics:           stats.Handler(),
			MetricsMiddleware: stats.Middleware,
			Token:             cfg.HTTP.Token,
			SubmitTimeout:     submitTimeout(cfg),
			Pprof:             cfg.HTTP.Pprof,
			Runtime:           a.runtimeSnapshots,
			Log:               root,
		})
		a.http = httpapi.NewServer(mapServer(cfg), router, root)
	}
	if cfg.AMQP.Enabled {
		a.amqp = amqp.New(mapAMQP(cfg), h, root)
	}
	return a, nil
}

// runtimeSnapshots collects the supervisors of every running component.
func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	sups := map[string]*rtsup.Supervisor{
		"app":  a.sup,
		"host": a.host.Supervisor(),
	}
	if a.http != nil {
		sups["http"] = a.http.Supervisor()
	}
	if a.amqp != nil {
		sups["amqp"] = a.amqp.Supervisor()
	}
	out := make(map[string]rtsup.Snapshot, len(sups))
	for name, sup := range sups {
		if sup != nil {
			out[name] = sup.Snapshot()
		}
	}
	return out
}

// Host exposes the job host for in-process callers.
func (a *App) Host() *host.Host { return a.host }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	a.host.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		// Bad specs are skipped; the rest still fire.
		a.log.Warn("some schedules were not registered", logx.Err(err))
	}
	if a.http != nil {
		a.http.Start(a.sup.Context())
	}
	if a.amqp != nil {
		a.amqp.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("http", a.http != nil),
		logx.Bool("amqp", a.amqp != nil),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyConfig pushes the live sections of a reloaded config into the
// running services. Other sections only take effect after a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			if err := a.logs.Apply(mapLogging(newCfg)); err != nil {
				a.log.Warn("logging sink not applied", logx.Err(err))
			}
		case "dispatcher":
			a.disp.Apply(mapDispatcher(newCfg))
		case "scheduler":
			sc, err := mapScheduler(newCfg)
			if err != nil {
				a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.sched.Apply(sc); err != nil {
				a.log.Warn("some schedules were not registered", logx.Err(err))
			}
		}
	}
	if restart {
		a.log.Warn("config changed in sections that need a restart", logx.String("changed", strings.Join(sections, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvent(e eventbus.Event) {
	ev, ok := e.Data.(host.DispatchEvent)
	if !ok {
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		return
	}
	fields := []logx.Field{
		logx.String("type", e.Type),
		logx.String("dispatch_id", ev.DispatchID),
		logx.String("notification", string(ev.Type)),
		logx.String("source", ev.Source),
		logx.Int("sent", ev.Sent),
		logx.Int("failed", ev.Failed),
	}
	if e.Type == eventbus.TypeDispatchFailed {
		a.log.Warn("dispatch failed", append(fields, logx.String("err", ev.Error))...)
		return
	}
	a.log.Debug("event", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Intake stops first so the host can drain what it already accepted.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "amqp", 3*time.Second, func(c context.Context) error {
		if a.amqp != nil {
			a.amqp.Stop(c)
		}
		return nil
	})
	a.step(ctx, "http", 5*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	a.step(ctx, "host", 10*time.Second, func(c context.Context) error { a.host.Stop(c); return nil })
	a.step(ctx, "websocket", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, record when it finally returns.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				fields = append(fields, logx.Err(err))
			}
			a.log.Warn("stop step finished after deadline", fields...)
		}()
	}
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}
