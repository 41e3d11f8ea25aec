package config

import (
	"reflect"
	"strings"

	logx "marybot/pkg/logx"
)

// Sections that apply without a restart.
var liveSections = map[string]bool{
	"logging":    true,
	"dispatcher": true,
	"scheduler":  true,
}

// SummarizeConfigChange returns the changed section names, log fields
// describing them (secrets only as "_set" flags) and whether any change
// needs a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Dispatcher != newCfg.Dispatcher {
		mark("dispatcher",
			logx.Int("dispatcher.batch_size", newCfg.Dispatcher.BatchSize),
			logx.String("dispatcher.batch_delay", strings.TrimSpace(newCfg.Dispatcher.BatchDelay)),
		)
	}
	if oldCfg.Host != newCfg.Host {
		mark("host",
			logx.Int("host.workers", newCfg.Host.Workers),
			logx.Int("host.queue_size", newCfg.Host.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		mark("channels", logx.String("channels.order", strings.Join(newCfg.Channels.Order, ",")))
	}
	if oldCfg.Discord != newCfg.Discord {
		mark("discord",
			logx.Bool("discord.token_set", newCfg.Discord.Token != ""),
			logx.String("discord.api_base", newCfg.Discord.APIBase),
		)
	}
	if oldCfg.API != newCfg.API {
		mark("api",
			logx.String("api.base_url", newCfg.API.BaseURL),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
		)
	}
	if oldCfg.Websocket != newCfg.Websocket {
		mark("websocket", logx.Int("websocket.queue_size", newCfg.Websocket.QueueSize))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	if oldCfg.AMQP != newCfg.AMQP {
		// The URL carries credentials.
		mark("amqp",
			logx.Bool("amqp.enabled", newCfg.AMQP.Enabled),
			logx.Bool("amqp.url_set", newCfg.AMQP.URL != ""),
			logx.String("amqp.queue", newCfg.AMQP.Queue),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.schedules", len(newCfg.Scheduler.Schedules)),
		)
	}

	restart := false
	for _, s := range changed {
		if !liveSections[s] {
			restart = true
			break
		}
	}
	return changed, attrs, restart
}
