package app

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"marybot/internal/apiclient"
	"marybot/internal/channel"
	"marybot/internal/channel/database"
	"marybot/internal/channel/discord"
	"marybot/internal/channel/websocket"
	"marybot/internal/config"
	"marybot/internal/dispatch"
	"marybot/internal/host"
	"marybot/internal/notification"
	"marybot/internal/scheduler"
	"marybot/internal/transport/amqp"
	"marybot/internal/transport/httpapi"
	logx "marybot/pkg/logx"
)

const (
	defaultSubmitTimeout  = time.Minute
	defaultSimulatedDelay = 100 * time.Millisecond
	defaultAPITimeout     = 10 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatcher(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		BatchSize:  cfg.Dispatcher.BatchSize,
		BatchDelay: config.DurationOr(cfg.Dispatcher.BatchDelay, dispatch.DefaultBatchDelay),
	}
}

func mapHost(cfg *config.Config) host.Config {
	return host.Config{
		Workers:      cfg.Host.Workers,
		QueueSize:    cfg.Host.QueueSize,
		StoreTimeout: config.DurationOr(cfg.Host.StoreTimeout, 0),
	}
}

func submitTimeout(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Host.SubmitTimeout, defaultSubmitTimeout)
}

// mapScheduler turns configured schedules into ready-to-submit jobs.
func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	out := scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      cfg.Scheduler.Timezone,
		SubmitTimeout: submitTimeout(cfg),
	}
	for i, sc := range cfg.Scheduler.Schedules {
		job := notification.Job{
			NotificationType: notification.Type(sc.NotificationType),
			Data:             sc.Data,
			Options:          notification.Options{Priority: notification.Priority(sc.Priority)},
		}
		for _, u := range sc.Recipients {
			job.Recipients = append(job.Recipients, notification.Recipient{UserID: u})
		}
		if strings.TrimSpace(sc.ExpiresIn) != "" {
			d, err := config.ParseDurationField(fmt.Sprintf("scheduler.schedules[%d].expires_in", i), sc.ExpiresIn)
			if err != nil {
				return scheduler.Config{}, err
			}
			ms := d.Milliseconds()
			job.Options.ExpiresIn = &ms
		}
		out.Schedules = append(out.Schedules, scheduler.Schedule{Name: sc.Name, Spec: sc.Spec, Job: job})
	}
	return out, nil
}

// CheckConfig loads and validates the file at path without opening
// storage or starting anything.
func CheckConfig(path string) error {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return err
	}
	return validateRuntime(cfg)
}

// validateRuntime checks what the config package cannot: cron specs,
// timezones, notification types and the channel order.
func validateRuntime(cfg *config.Config) error {
	seen := make(map[string]bool, len(cfg.Channels.Order))
	for i, name := range cfg.Channels.Order {
		if !slices.Contains(channel.DefaultOrder(), name) {
			return fmt.Errorf("channels.order[%d]: unknown channel %q", i, name)
		}
		if seen[name] {
			return fmt.Errorf("channels.order[%d]: duplicate channel %q", i, name)
		}
		seen[name] = true
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for i, sc := range cfg.Scheduler.Schedules {
		if _, err := scheduler.Normalize(sc.Spec); err != nil {
			return fmt.Errorf("scheduler.schedules[%d].spec: %w", i, err)
		}
		if !notification.Known(notification.Type(sc.NotificationType)) {
			return fmt.Errorf("scheduler.schedules[%d].notification_type: unknown %q", i, sc.NotificationType)
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapScheduler(cfg)
	return err
}

// buildChannels returns the delivery channels in configured fallback
// order.
func buildChannels(cfg *config.Config, hub *websocket.Hub, log logx.Logger) ([]channel.Channel, error) {
	order := cfg.Channels.Order
	if len(order) == 0 {
		order = channel.DefaultOrder()
	}

	out := make([]channel.Channel, 0, len(order))
	for _, name := range order {
		switch name {
		case channel.NameDiscord:
			var sender discord.Sender
			if token := strings.TrimSpace(cfg.Discord.Token); token != "" {
				sender = discord.NewRESTSender(discord.RESTConfig{
					Token:      token,
					APIBase:    cfg.Discord.APIBase,
					RatePerSec: cfg.Discord.RatePerSec,
					Burst:      cfg.Discord.Burst,
					Timeout:    config.DurationOr(cfg.Discord.Timeout, 0),
				}, log)
			} else {
				log.Warn("discord token not set; deliveries are simulated")
				sender = discord.SimulatedSender{Delay: config.DurationOr(cfg.Discord.SimulatedDelay, defaultSimulatedDelay)}
			}
			out = append(out, discord.New(sender, log))
		case channel.NameDatabase:
			base := apiclient.NewBaseClient(cfg.API.BaseURL, cfg.API.Token,
				config.DurationOr(cfg.API.Timeout, defaultAPITimeout), log)
			out = append(out, database.New(apiclient.NewClient(base), log))
		case channel.NameWebsocket:
			out = append(out, hub)
		default:
			return nil, fmt.Errorf("channels.order: unknown channel %q", name)
		}
	}
	return out, nil
}

func mapServer(cfg *config.Config) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     config.DurationOr(cfg.HTTP.ReadTimeout, 0),
		WriteTimeout:    config.DurationOr(cfg.HTTP.WriteTimeout, 0),
		ShutdownTimeout: config.DurationOr(cfg.HTTP.ShutdownTimeout, 0),
	}
}

func mapAMQP(cfg *config.Config) amqp.Config {
	return amqp.Config{
		URL:             cfg.AMQP.URL,
		Queue:           cfg.AMQP.Queue,
		DeadLetterQueue: cfg.AMQP.DeadLetterQueue,
		Prefetch:        cfg.AMQP.Prefetch,
		SubmitTimeout:   submitTimeout(cfg),
	}
}
