package config

import (
	"encoding/json"
)

// Config is the on-disk dispatcher configuration. Secrets may be left
// out of the file and supplied through MARYBOT_* environment variables.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Host       HostConfig       `json:"host"`
	Channels   ChannelsConfig   `json:"channels"`
	Discord    DiscordConfig    `json:"discord"`
	API        APIConfig        `json:"api"`
	Websocket  WebsocketConfig  `json:"websocket"`
	HTTP       HTTPConfig       `json:"http"`
	AMQP       AMQPConfig       `json:"amqp"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
}

type LoggingConfig struct {
	Level string `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	// Format is the stdout encoding: console (default) or json.
	Format  string            `json:"format,omitempty" validate:"omitempty,oneof=console json"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatcherConfig controls batch pacing. Both fields apply live.
//
// Defaults: batch_size 100, batch_delay "100ms".
type DispatcherConfig struct {
	BatchSize  int    `json:"batch_size,omitempty" validate:"gte=0"`
	BatchDelay string `json:"batch_delay,omitempty"`
}

// HostConfig sizes the job host. Changes apply on restart.
type HostConfig struct {
	Workers      int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize    int    `json:"queue_size,omitempty" validate:"gte=0"`
	StoreTimeout string `json:"store_timeout,omitempty"`
	// SubmitTimeout bounds how long a transport waits for a job result.
	SubmitTimeout string `json:"submit_timeout,omitempty"`
}

// ChannelsConfig lists delivery channels in fallback order.
// Empty means discord, database, websocket.
type ChannelsConfig struct {
	Order []string `json:"order,omitempty" validate:"dive,oneof=discord database websocket"`
}

type DiscordConfig struct {
	// Token is the bot token. Without one, deliveries are simulated.
	Token          string  `json:"token,omitempty" env:"MARYBOT_DISCORD_TOKEN"`
	APIBase        string  `json:"api_base,omitempty" validate:"omitempty,url"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst          int     `json:"burst,omitempty" validate:"gte=0"`
	Timeout        string  `json:"timeout,omitempty"`
	SimulatedDelay string  `json:"simulated_delay,omitempty"`
}

// APIConfig points at the backend that persists in-app notifications.
type APIConfig struct {
	BaseURL string `json:"base_url,omitempty" env:"MARYBOT_API_BASE_URL" validate:"omitempty,url"`
	Token   string `json:"token,omitempty" env:"MARYBOT_API_TOKEN"`
	Timeout string `json:"timeout,omitempty"`
}

type WebsocketConfig struct {
	QueueSize int `json:"queue_size,omitempty" validate:"gte=0"`
}

type HTTPConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty" validate:"required_if=Enabled true"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// Token guards /v1 with a bearer token when set.
	Token string `json:"token,omitempty" env:"MARYBOT_HTTP_TOKEN"`
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

type AMQPConfig struct {
	Enabled         bool   `json:"enabled"`
	URL             string `json:"url,omitempty" env:"MARYBOT_AMQP_URL" validate:"required_if=Enabled true"`
	Queue           string `json:"queue,omitempty" validate:"required_if=Enabled true"`
	DeadLetterQueue string `json:"dead_letter_queue,omitempty"`
	Prefetch        int    `json:"prefetch,omitempty" validate:"gte=0"`
}

// StorageConfig selects the audit and retry store. Driver "" or "none"
// disables it.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled   bool             `json:"enabled"`
	Timezone  string           `json:"timezone,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty" validate:"dive"`
}

// ScheduleConfig fires one notification job on a cron spec.
type ScheduleConfig struct {
	Name             string          `json:"name" validate:"required"`
	Spec             string          `json:"spec" validate:"required"`
	NotificationType string          `json:"notification_type" validate:"required"`
	Data             json.RawMessage `json:"data,omitempty"`
	Recipients       []string        `json:"recipients" validate:"min=1,dive,required"`
	Priority         string          `json:"priority,omitempty"`
	ExpiresIn        string          `json:"expires_in,omitempty"`
}
