package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// applyEnv overlays MARYBOT_* variables onto cfg. Unset variables leave
// file values untouched.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// Validate checks field constraints and every duration string. Errors
// name the offending path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		}
		return err
	}

	durations := []struct{ path, raw string }{
		{"dispatcher.batch_delay", cfg.Dispatcher.BatchDelay},
		{"host.store_timeout", cfg.Host.StoreTimeout},
		{"host.submit_timeout", cfg.Host.SubmitTimeout},
		{"discord.timeout", cfg.Discord.Timeout},
		{"discord.simulated_delay", cfg.Discord.SimulatedDelay},
		{"api.timeout", cfg.API.Timeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for i, s := range cfg.Scheduler.Schedules {
		durations = append(durations, struct{ path, raw string }{
			fmt.Sprintf("scheduler.schedules[%d].expires_in", i), s.ExpiresIn,
		})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(cfg.Scheduler.Schedules))
	for _, s := range cfg.Scheduler.Schedules {
		if seen[s.Name] {
			return fmt.Errorf("scheduler.schedules: duplicate name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}
