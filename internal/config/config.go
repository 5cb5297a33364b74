package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Sweep      SweepConfig      `yaml:"sweep" mapstructure:"sweep"`
	Nudge      NudgeConfig      `yaml:"nudge" mapstructure:"nudge"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// EngineConfig holds the promotion/demotion policy tunables. The defaults
// are a starting policy, not a fixed contract; orgs tune them per
// deployment.
type EngineConfig struct {
	// Promotion score thresholds per target tier. Suggest has no score bar:
	// any subject with data is eligible for suggest.
	ApproveScoreThreshold float64 `yaml:"approve_score_threshold" mapstructure:"approve_score_threshold"`
	AutoScoreThreshold    float64 `yaml:"auto_score_threshold" mapstructure:"auto_score_threshold"`

	// Minimum evidence per target tier.
	MinSignalsSuggest int `yaml:"min_signals_suggest" mapstructure:"min_signals_suggest"`
	MinSignalsApprove int `yaml:"min_signals_approve" mapstructure:"min_signals_approve"`
	MinSignalsAuto    int `yaml:"min_signals_auto" mapstructure:"min_signals_auto"`

	MinDaysActiveSuggest int `yaml:"min_days_active_suggest" mapstructure:"min_days_active_suggest"`
	MinDaysActiveApprove int `yaml:"min_days_active_approve" mapstructure:"min_days_active_approve"`
	MinDaysActiveAuto    int `yaml:"min_days_active_auto" mapstructure:"min_days_active_auto"`

	// MaxRejectionForPromotion blocks promotion when the all-time rejection
	// rate exceeds it.
	MaxRejectionForPromotion float64 `yaml:"max_rejection_for_promotion" mapstructure:"max_rejection_for_promotion"`

	// Demotion fires when the rejection rate over the last DemotionWindow
	// signals exceeds DemotionRejectionThreshold, once at least
	// MinWindowReviewed reviewed signals exist in that window.
	DemotionRejectionThreshold float64 `yaml:"demotion_rejection_threshold" mapstructure:"demotion_rejection_threshold"`
	DemotionWindow             int     `yaml:"demotion_window" mapstructure:"demotion_window"`
	MinWindowReviewed          int     `yaml:"min_window_reviewed" mapstructure:"min_window_reviewed"`

	// Post-demotion cooldowns keyed by the tier demoted from.
	CooldownAutoHours    int `yaml:"cooldown_auto_hours" mapstructure:"cooldown_auto_hours"`
	CooldownApproveHours int `yaml:"cooldown_approve_hours" mapstructure:"cooldown_approve_hours"`
	CooldownSuggestHours int `yaml:"cooldown_suggest_hours" mapstructure:"cooldown_suggest_hours"`

	// EvidenceIncrement is added to extra_required_signals on each demotion.
	EvidenceIncrement int `yaml:"evidence_increment" mapstructure:"evidence_increment"`

	// BlendAlpha weights the trailing-window score against the previous
	// long-run score.
	BlendAlpha      float64 `yaml:"blend_alpha" mapstructure:"blend_alpha"`
	ScoreWindowDays int     `yaml:"score_window_days" mapstructure:"score_window_days"`

	// ActionTypes is the allow-list of known action types. Empty = accept
	// any non-empty action type.
	ActionTypes []string `yaml:"action_types" mapstructure:"action_types"`
}

// SweepConfig configures the scheduled rescoring and promotion sweep.
type SweepConfig struct {
	IntervalMinutes int     `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
	SubjectsPerSec  float64 `yaml:"subjects_per_sec" mapstructure:"subjects_per_sec"`
}

// NudgeConfig configures the nudge queue backend.
type NudgeConfig struct {
	Backend       string `yaml:"backend" mapstructure:"backend"` // "store" or "redis"
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
}

// MonitoringConfig configures metrics collection and webhook alerting.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours         int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	DemotionRateThreshold float64 `yaml:"demotion_rate_threshold" mapstructure:"demotion_rate_threshold"`
	StaleSweepMultiple    int     `yaml:"stale_sweep_multiple" mapstructure:"stale_sweep_multiple"`
	NudgeBacklogThreshold int     `yaml:"nudge_backlog_threshold" mapstructure:"nudge_backlog_threshold"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AUTONOMY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.approve_score_threshold", 0.75)
	v.SetDefault("engine.auto_score_threshold", 0.90)
	v.SetDefault("engine.min_signals_suggest", 1)
	v.SetDefault("engine.min_signals_approve", 10)
	v.SetDefault("engine.min_signals_auto", 25)
	v.SetDefault("engine.min_days_active_suggest", 0)
	v.SetDefault("engine.min_days_active_approve", 5)
	v.SetDefault("engine.min_days_active_auto", 10)
	v.SetDefault("engine.max_rejection_for_promotion", 0.10)
	v.SetDefault("engine.demotion_rejection_threshold", 0.30)
	v.SetDefault("engine.demotion_window", 10)
	v.SetDefault("engine.min_window_reviewed", 3)
	v.SetDefault("engine.cooldown_auto_hours", 168)
	v.SetDefault("engine.cooldown_approve_hours", 72)
	v.SetDefault("engine.cooldown_suggest_hours", 24)
	v.SetDefault("engine.evidence_increment", 5)
	v.SetDefault("engine.blend_alpha", 0.3)
	v.SetDefault("engine.score_window_days", 30)

	v.SetDefault("sweep.interval_minutes", 60)
	v.SetDefault("sweep.concurrency", 8)
	v.SetDefault("sweep.subjects_per_sec", 50)

	v.SetDefault("nudge.backend", "store")
	v.SetDefault("nudge.redis_addr", "localhost:6379")

	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.demotion_rate_threshold", 0.05)
	v.SetDefault("monitoring.stale_sweep_multiple", 2)
	v.SetDefault("monitoring.nudge_backlog_threshold", 1000)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
