package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/smallbiznis/clawtrace/internal/alert"
	"github.com/smallbiznis/clawtrace/internal/pricing"
)

// keyDelimiter keeps dotted model names such as gpt-4.1 intact as map keys.
const keyDelimiter = "::"

// Settings are the engine options read from the settings file. A Settings
// value is never mutated after it is published.
type Settings struct {
	DataPaths              []string         `mapstructure:"data_paths"`
	ServerPort             int              `mapstructure:"server_port"`
	RefreshIntervalSeconds int              `mapstructure:"refresh_interval_seconds"`
	AnomalyThreshold       float64          `mapstructure:"anomaly_threshold"`
	AnomalyWindow          int              `mapstructure:"anomaly_window"`
	Alerts                 alert.Thresholds `mapstructure:"alerts"`
	Pricing                PricingSettings  `mapstructure:"pricing"`
	Sync                   SyncSettings     `mapstructure:"sync"`
}

type PricingSettings struct {
	Overrides pricing.Overrides `mapstructure:"overrides"`
}

type SyncSettings struct {
	BatchSize         int     `mapstructure:"batch_size"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

func (s Settings) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSeconds) * time.Second
}

func (s SyncSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func DefaultSettings() Settings {
	return Settings{
		DataPaths:              []string{"~/.openclaw/agents", "~/.claude/projects"},
		ServerPort:             19898,
		RefreshIntervalSeconds: 60,
		AnomalyThreshold:       0.25,
		AnomalyWindow:          7,
		Alerts:                 alert.DefaultThresholds(),
		Sync: SyncSettings{
			BatchSize:         500,
			TimeoutSeconds:    30,
			RequestsPerSecond: 2,
		},
	}
}

func (s Settings) Validate() error {
	var errs []error
	if len(s.DataPaths) == 0 {
		errs = append(errs, errors.New("data_paths cannot be empty"))
	}
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", s.ServerPort))
	}
	if s.RefreshIntervalSeconds <= 0 {
		errs = append(errs, errors.New("refresh_interval_seconds must be positive"))
	}
	if s.AnomalyThreshold <= 0 {
		errs = append(errs, errors.New("anomaly_threshold must be positive"))
	}
	if s.AnomalyWindow <= 0 {
		errs = append(errs, errors.New("anomaly_window must be positive"))
	}
	if err := s.Alerts.Validate(); err != nil {
		errs = append(errs, err)
	}
	for pattern, rates := range s.Pricing.Overrides {
		if !rates.Valid() {
			errs = append(errs, fmt.Errorf("pricing override %q has negative rates", pattern))
		}
	}
	if s.Sync.BatchSize <= 0 || s.Sync.BatchSize > 500 {
		errs = append(errs, errors.New("sync.batch_size must be between 1 and 500"))
	}
	if s.Sync.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("sync.timeout_seconds must be positive"))
	}
	if s.Sync.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("sync.requests_per_second must be positive"))
	}
	return errors.Join(errs...)
}

// SettingsHolder publishes the current Settings and swaps in valid edits of
// the settings file while the process runs.
type SettingsHolder struct {
	current atomic.Value // holds Settings
	log     *zap.Logger
}

// NewSettingsHolder reads config.{yml,yaml,json,toml} from file (when set),
// home and the working directory. A missing file yields the defaults.
func NewSettingsHolder(file, home string, log *zap.Logger) (*SettingsHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	v := newViper(file, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	holder := &SettingsHolder{log: log.Named("config.settings")}
	holder.current.Store(cfg)

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decode(v)
			if err != nil {
				holder.log.Warn("invalid settings ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			holder.log.Info("settings reloaded", zap.String("file", e.Name))
		})
		v.WatchConfig()
	}
	return holder, nil
}

// NewStaticSettings returns a holder that never reloads.
func NewStaticSettings(s Settings) *SettingsHolder {
	holder := &SettingsHolder{log: zap.NewNop()}
	holder.current.Store(s)
	return holder
}

func (h *SettingsHolder) Get() Settings {
	return h.current.Load().(Settings)
}

func newViper(file, home string) *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		if home != "" {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CLAWTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	d := DefaultSettings()
	v.SetDefault("data_paths", d.DataPaths)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("refresh_interval_seconds", d.RefreshIntervalSeconds)
	v.SetDefault("anomaly_threshold", d.AnomalyThreshold)
	v.SetDefault("anomaly_window", d.AnomalyWindow)
	v.SetDefault(key("alerts", "daily_budget_usd"), d.Alerts.DailyBudgetUSD)
	v.SetDefault(key("alerts", "session_spike_usd"), d.Alerts.SessionSpikeUSD)
	v.SetDefault(key("alerts", "hourly_burn_rate_usd"), d.Alerts.HourlyBurnRateUSD)
	v.SetDefault(key("alerts", "hourly_request_volume"), d.Alerts.HourlyRequestVolume)
	v.SetDefault(key("alerts", "hourly_token_volume"), d.Alerts.HourlyTokenVolume)
	v.SetDefault(key("alerts", "session_duration_minutes"), d.Alerts.SessionDurationMinutes)
	v.SetDefault(key("sync", "batch_size"), d.Sync.BatchSize)
	v.SetDefault(key("sync", "timeout_seconds"), d.Sync.TimeoutSeconds)
	v.SetDefault(key("sync", "requests_per_second"), d.Sync.RequestsPerSecond)
	return v
}

func key(parts ...string) string {
	return strings.Join(parts, keyDelimiter)
}

func decode(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
