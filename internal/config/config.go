package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"metric-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Detector DetectorConfig `mapstructure:"detector"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates optional PostgreSQL connectivity for the alert
// history. An empty DSN disables persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the cooldown store and results sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig points at the time-series backend.
type MetricsConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Query          string        `mapstructure:"query"`
	Step           time.Duration `mapstructure:"step"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DetectorConfig tunes the outlier model.
type DetectorConfig struct {
	Contamination   float64 `mapstructure:"contamination"`
	Trees           int     `mapstructure:"trees"`
	SubsampleSize   int     `mapstructure:"subsample_size"`
	Seed            int64   `mapstructure:"seed"`
	MinTrainSamples int     `mapstructure:"min_train_samples"`
	ModelPath       string  `mapstructure:"model_path"`
}

// AlertingConfig defines alert thresholds and dedup behaviour.
type AlertingConfig struct {
	ScoreThreshold float64       `mapstructure:"score_threshold"`
	CooldownTTL    time.Duration `mapstructure:"cooldown_ttl"`
}

// PipelineConfig governs the two scheduling cadences.
type PipelineConfig struct {
	AnalysisInterval time.Duration `mapstructure:"analysis_interval"`
	AnalysisLookback time.Duration `mapstructure:"analysis_lookback"`
	RetrainAt        string        `mapstructure:"retrain_at"`
	RetrainLookback  time.Duration `mapstructure:"retrain_lookback"`
	EntityCap        int           `mapstructure:"entity_cap"`
	ResultTTL        time.Duration `mapstructure:"result_ttl"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	StartupDelay     time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METRICWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "metricwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("metrics.base_url", "http://victoriametrics:8428")
	v.SetDefault("metrics.query", `{__name__=~".+"}`)
	v.SetDefault("metrics.step", "15s")
	v.SetDefault("metrics.request_timeout", "30s")
	v.SetDefault("metrics.user_agent", "metricwatcher/1.0")

	v.SetDefault("detector.contamination", 0.1)
	v.SetDefault("detector.trees", 100)
	v.SetDefault("detector.subsample_size", 256)
	v.SetDefault("detector.seed", int64(42))
	v.SetDefault("detector.min_train_samples", 10)
	v.SetDefault("detector.model_path", "models/anomaly_detector.gob")

	v.SetDefault("alerting.score_threshold", 0.8)
	v.SetDefault("alerting.cooldown_ttl", "5m")

	v.SetDefault("pipeline.analysis_interval", "5m")
	v.SetDefault("pipeline.analysis_lookback", "1h")
	v.SetDefault("pipeline.retrain_at", "02:00")
	v.SetDefault("pipeline.retrain_lookback", "168h")
	v.SetDefault("pipeline.entity_cap", 10)
	v.SetDefault("pipeline.result_ttl", "1h")
	v.SetDefault("pipeline.history_retention", "720h")
	v.SetDefault("pipeline.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pipeline.AnalysisInterval <= 0 {
		return fmt.Errorf("pipeline.analysis_interval must be greater than zero")
	}
	if c.Pipeline.AnalysisLookback <= 0 {
		return fmt.Errorf("pipeline.analysis_lookback must be greater than zero")
	}
	if c.Pipeline.RetrainLookback <= 0 {
		return fmt.Errorf("pipeline.retrain_lookback must be greater than zero")
	}
	if c.Pipeline.EntityCap <= 0 {
		return fmt.Errorf("pipeline.entity_cap must be greater than zero")
	}
	if _, err := time.Parse("15:04", c.Pipeline.RetrainAt); err != nil {
		return fmt.Errorf("pipeline.retrain_at must be HH:MM: %w", err)
	}
	if c.Detector.Contamination <= 0 || c.Detector.Contamination >= 0.5 {
		return fmt.Errorf("detector.contamination must be in (0, 0.5)")
	}
	if c.Alerting.ScoreThreshold <= 0 {
		return fmt.Errorf("alerting.score_threshold must be greater than zero")
	}
	if c.Alerting.CooldownTTL <= 0 {
		return fmt.Errorf("alerting.cooldown_ttl must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
