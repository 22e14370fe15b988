package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	cerrors "cyclon/internal/errors"
)

// Settings are the engine-level knobs, as opposed to the workflow
// definition: where to listen, how fast to tick, where to keep run state.
type Settings struct {
	BindAddr           string        `mapstructure:"bind_addr"`
	RunDir             string        `mapstructure:"run_dir"`
	LogLevel           string        `mapstructure:"log_level"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	EventBatchSize     int           `mapstructure:"event_batch_size"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	WorkerCount        int           `mapstructure:"worker_count"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
}

// Defaults returns the stock settings.
func Defaults() Settings {
	return Settings{
		BindAddr:           "localhost:8433",
		RunDir:             "./run",
		LogLevel:           "info",
		TickInterval:       time.Second,
		EventBatchSize:     256,
		CheckpointInterval: 30 * time.Second,
		WorkerCount:        8,
		CommandTimeout:     time.Minute,
	}
}

// Load reads settings from an optional config file plus CYCLON_* env
// vars layered over the defaults. An empty path skips the file.
func Load(path string) (Settings, error) {
	v := viper.New()
	defaults := Defaults()
	v.SetDefault("bind_addr", defaults.BindAddr)
	v.SetDefault("run_dir", defaults.RunDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("tick_interval", defaults.TickInterval)
	v.SetDefault("event_batch_size", defaults.EventBatchSize)
	v.SetDefault("checkpoint_interval", defaults.CheckpointInterval)
	v.SetDefault("worker_count", defaults.WorkerCount)
	v.SetDefault("command_timeout", defaults.CommandTimeout)

	v.SetEnvPrefix("CYCLON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, cerrors.New(cerrors.KindInput, "read config %s: %v", path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, cerrors.New(cerrors.KindInput, "parse config: %v", err)
	}
	if settings.TickInterval <= 0 || settings.WorkerCount <= 0 {
		return Settings{}, cerrors.New(cerrors.KindInput,
			"tick_interval and worker_count must be positive")
	}
	return settings, nil
}
