package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	DB     DBConfig     `mapstructure:"db"`
	Cron   CronConfig   `mapstructure:"cron"`

	Autopilot   AutopilotConfig   `mapstructure:"autopilot"`
	Simulation  SimulationConfig  `mapstructure:"simulation"`
	BanditTuner BanditTunerConfig `mapstructure:"bandit_tuner"`
	Audit       AuditConfig       `mapstructure:"audit"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	AutopilotSweep string `mapstructure:"autopilot_sweep"`
	BanditTune     string `mapstructure:"bandit_tune"`
}

// AutopilotConfig holds the fallback policy defaults used when an experiment
// has no explicit value of its own, plus the sweep batch size.
type AutopilotConfig struct {
	DefaultConfidenceThreshold    float64 `mapstructure:"default_confidence_threshold"`
	DefaultMinSample              uint64  `mapstructure:"default_min_sample"`
	DefaultMaxBudgetChangePercent float64 `mapstructure:"default_max_budget_change_percent"`
	SweepBatchSize                int     `mapstructure:"sweep_batch_size"`
}

type SimulationConfig struct {
	ConfidenceSamples int `mapstructure:"confidence_samples"`
	PosteriorSamples  int `mapstructure:"posterior_samples"`
	Seed              int `mapstructure:"seed"`
}

type BanditTunerConfig struct {
	Window           time.Duration `mapstructure:"window"`
	MinEvents        int           `mapstructure:"min_events"`
	LearningRate     float64       `mapstructure:"learning_rate"`
	RollbackDropPct  float64       `mapstructure:"rollback_drop_pct"`
	RollbackLookback time.Duration `mapstructure:"rollback_lookback"`
	DefaultCtr       float64       `mapstructure:"default_ctr"`
	DefaultReach     float64       `mapstructure:"default_reach"`
	DefaultQuality   float64       `mapstructure:"default_quality"`
}

type AuditConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.autopilot_sweep", "@every 5m")
	v.SetDefault("cron.bandit_tune", "@every 30m")

	v.SetDefault("autopilot.default_confidence_threshold", 95)
	v.SetDefault("autopilot.default_min_sample", 100)
	v.SetDefault("autopilot.default_max_budget_change_percent", 10)
	v.SetDefault("autopilot.sweep_batch_size", 100)

	v.SetDefault("simulation.confidence_samples", 4000)
	v.SetDefault("simulation.posterior_samples", 400)
	v.SetDefault("simulation.seed", 42)

	v.SetDefault("bandit_tuner.window", "180m")
	v.SetDefault("bandit_tuner.min_events", 50)
	v.SetDefault("bandit_tuner.learning_rate", 0.05)
	v.SetDefault("bandit_tuner.rollback_drop_pct", 0.25)
	v.SetDefault("bandit_tuner.rollback_lookback", "60m")
	v.SetDefault("bandit_tuner.default_ctr", 0.6)
	v.SetDefault("bandit_tuner.default_reach", 0.25)
	v.SetDefault("bandit_tuner.default_quality", 0.15)

	v.SetDefault("audit.base_url", "")
	v.SetDefault("audit.api_key", "")
	v.SetDefault("audit.timeout", "10s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
