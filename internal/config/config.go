package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Trading  TradingConfig  `yaml:"trading"`
	Hedge    HedgeConfig    `yaml:"hedge"`
	Drawdown DrawdownConfig `yaml:"drawdown"`
	StopLoss StopLossConfig `yaml:"stop_loss"`
	State    StateConfig    `yaml:"state"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TradingConfig struct {
	Exchange       string        `yaml:"exchange"`
	Instrument     string        `yaml:"instrument"`
	Direction      string        `yaml:"direction"`
	Quantity       float64       `yaml:"quantity"`
	TakeProfitPct  float64       `yaml:"take_profit"`
	GridStepPct    float64       `yaml:"grid_step"`
	MaxOrders      int           `yaml:"max_orders"`
	WaitTime       time.Duration `yaml:"wait_time"`
	StopPrice      float64       `yaml:"stop_price"`
	PausePrice     float64       `yaml:"pause_price"`
	EntryOffsetBps float64       `yaml:"entry_offset_bps"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

type HedgeConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Exchange     string        `yaml:"exchange"`
	Delay        time.Duration `yaml:"delay"`
	MaxRetries   int           `yaml:"max_retries"`
	TakerFeeRate float64       `yaml:"taker_fee_rate"`
}

type DrawdownConfig struct {
	Enabled         bool          `yaml:"enabled"`
	LightThreshold  float64       `yaml:"light_threshold"`
	MediumThreshold float64       `yaml:"medium_threshold"`
	SevereThreshold float64       `yaml:"severe_threshold"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SmoothingWindow int           `yaml:"smoothing_window"`
	CacheDuration   time.Duration `yaml:"cache_duration"`
	StrictMode      bool          `yaml:"strict_mode"`
}

type StopLossConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type HistoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Trading.Direction == "" {
		cfg.Trading.Direction = "buy"
	}
	if cfg.Trading.MaxOrders == 0 {
		cfg.Trading.MaxOrders = 10
	}
	if cfg.Trading.WaitTime == 0 {
		cfg.Trading.WaitTime = 60 * time.Second
	}
	if cfg.Trading.StopPrice == 0 {
		cfg.Trading.StopPrice = -1
	}
	if cfg.Trading.PausePrice == 0 {
		cfg.Trading.PausePrice = -1
	}
	if cfg.Trading.StatusInterval == 0 {
		cfg.Trading.StatusInterval = time.Minute
	}
	if cfg.Hedge.Delay == 0 {
		cfg.Hedge.Delay = 2 * time.Second
	}
	if cfg.Hedge.MaxRetries == 0 {
		cfg.Hedge.MaxRetries = 5
	}
	if cfg.Drawdown.LightThreshold == 0 {
		cfg.Drawdown.LightThreshold = 5
	}
	if cfg.Drawdown.MediumThreshold == 0 {
		cfg.Drawdown.MediumThreshold = 8
	}
	if cfg.Drawdown.SevereThreshold == 0 {
		cfg.Drawdown.SevereThreshold = 12
	}
	if cfg.Drawdown.PollInterval == 0 {
		cfg.Drawdown.PollInterval = 15 * time.Second
	}
	if cfg.Drawdown.SmoothingWindow == 0 {
		cfg.Drawdown.SmoothingWindow = 3
	}
	if cfg.Drawdown.CacheDuration == 0 {
		cfg.Drawdown.CacheDuration = 5 * time.Minute
	}
	if cfg.StopLoss.PollInterval == 0 {
		cfg.StopLoss.PollInterval = 5 * time.Second
	}
	if cfg.StopLoss.MaxRetries == 0 {
		cfg.StopLoss.MaxRetries = 10
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/perp-hedge-bot.db"
	}
	if cfg.History.Schema == "" {
		cfg.History.Schema = "public"
	}
	if cfg.History.QueueSize == 0 {
		cfg.History.QueueSize = 256
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HISTORY_DSN")); dsn != "" {
		cfg.History.DSN = dsn
	}
}

func validate(cfg *Config) error {
	if cfg.Trading.Exchange == "" {
		return errors.New("trading.exchange is required")
	}
	if cfg.Trading.Instrument == "" {
		return errors.New("trading.instrument is required")
	}
	if cfg.Trading.Direction != "buy" && cfg.Trading.Direction != "sell" {
		return fmt.Errorf("trading.direction must be buy or sell, got %q", cfg.Trading.Direction)
	}
	if cfg.Trading.Quantity <= 0 {
		return errors.New("trading.quantity must be > 0")
	}
	if cfg.Trading.TakeProfitPct <= 0 {
		return errors.New("trading.take_profit must be > 0")
	}
	if cfg.Trading.MaxOrders <= 0 {
		return errors.New("trading.max_orders must be > 0")
	}
	if cfg.Trading.WaitTime < 0 {
		return errors.New("trading.wait_time must be >= 0")
	}
	if cfg.Trading.StopPrice != -1 && cfg.Trading.StopPrice <= 0 {
		return errors.New("trading.stop_price must be positive or -1 to disable")
	}
	if cfg.Trading.PausePrice != -1 && cfg.Trading.PausePrice <= 0 {
		return errors.New("trading.pause_price must be positive or -1 to disable")
	}
	if cfg.Trading.EntryOffsetBps < 0 {
		return errors.New("trading.entry_offset_bps must be >= 0")
	}
	if cfg.Hedge.Enabled && cfg.Hedge.Exchange == "" {
		return errors.New("hedge.exchange is required when hedge.enabled")
	}
	if cfg.Hedge.Enabled && cfg.Hedge.Exchange == cfg.Trading.Exchange {
		return errors.New("hedge.exchange must differ from trading.exchange")
	}
	if cfg.Hedge.MaxRetries < 0 {
		return errors.New("hedge.max_retries must be >= 0")
	}
	if cfg.Hedge.TakerFeeRate < 0 {
		return errors.New("hedge.taker_fee_rate must be >= 0")
	}
	if err := validateThresholds(cfg.Drawdown); err != nil {
		return err
	}
	if cfg.Drawdown.SmoothingWindow <= 0 {
		return errors.New("drawdown.smoothing_window must be > 0")
	}
	if cfg.Drawdown.CacheDuration <= 0 {
		return errors.New("drawdown.cache_duration must be > 0")
	}
	if cfg.StopLoss.MaxRetries <= 0 {
		return errors.New("stop_loss.max_retries must be > 0")
	}
	if cfg.History.Enabled && strings.TrimSpace(cfg.History.DSN) == "" {
		return errors.New("history.dsn is required when history.enabled")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram.enabled")
	}
	return nil
}

func validateThresholds(cfg DrawdownConfig) error {
	if cfg.LightThreshold <= 0 || cfg.MediumThreshold <= 0 || cfg.SevereThreshold <= 0 {
		return errors.New("drawdown thresholds must be > 0")
	}
	if cfg.LightThreshold >= cfg.MediumThreshold || cfg.MediumThreshold >= cfg.SevereThreshold {
		return fmt.Errorf("drawdown thresholds must satisfy light < medium < severe, got %.2f/%.2f/%.2f",
			cfg.LightThreshold, cfg.MediumThreshold, cfg.SevereThreshold)
	}
	return nil
}
