package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/utxoracle/utxoracle-live/pkg/models"
)

// Config is the full configuration surface. Loaded once at startup and
// treated as immutable; changes require a restart.
type Config struct {
	Node      NodeConfig
	FeeMarket FeeMarketConfig
	Whale     WhaleConfig
	Price     PriceConfig
	WS        WSConfig
	HTTP      HTTPConfig
	Tracker   TrackerConfig
	Memory    MemoryConfig

	DatabaseURL string `envconfig:"WHALE_DB_PATH"`
}

// NodeConfig covers the Bitcoin Core connection. Credentials resolve in
// order: explicit user/pass, cookie file under DataDir, then a
// bitcoin.conf-style file.
type NodeConfig struct {
	RPCHost  string `envconfig:"BTC_RPC_HOST" default:"localhost:8332"`
	RPCUser  string `envconfig:"BTC_RPC_USER"`
	RPCPass  string `envconfig:"BTC_RPC_PASS"`
	DataDir  string `envconfig:"BTC_DATA_DIR" default:"~/.bitcoin"`
	ConfPath string `envconfig:"BTC_CONF_PATH"`

	CallTimeout      time.Duration `envconfig:"RPC_CALL_TIMEOUT" default:"10s"`
	PollInterval     time.Duration `envconfig:"TX_POLL_INTERVAL" default:"2s"`
	BreakerThreshold uint32        `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"10"`
}

type FeeMarketConfig struct {
	BaseURL         string        `envconfig:"FEE_MARKET_URL" default:"https://mempool.space/api"`
	PollInterval    time.Duration `envconfig:"FEE_POLL_INTERVAL" default:"60s"`
	StaleMaxAge     time.Duration `envconfig:"FEE_STALE_MAX_AGE" default:"10m"`
	RequestTimeout  time.Duration `envconfig:"FEE_REQUEST_TIMEOUT" default:"10s"`
}

type WhaleConfig struct {
	ThresholdBTC    float64 `envconfig:"WHALE_THRESHOLD_BTC" default:"100.0"`
	AddressSetPath  string  `envconfig:"EXCHANGE_ADDRESS_FILE"`
	CacheMaxSize    int     `envconfig:"TX_CACHE_MAX_SIZE" default:"50000"`
}

// PriceConfig drives the rolling price model. The tick and window knobs are
// plain numbers with the unit in the variable name, so PRICE_TICK_INTERVAL_MS=500
// and ROLLING_WINDOW_HOURS=3 parse as documented.
type PriceConfig struct {
	TickIntervalMS    int     `envconfig:"PRICE_TICK_INTERVAL_MS" default:"500"`
	WindowHours       int     `envconfig:"ROLLING_WINDOW_HOURS" default:"3"`
	WindowMaxEntries  int     `envconfig:"ROLLING_WINDOW_MAX_ENTRIES" default:"200000"`
	MinSamples        int     `envconfig:"MIN_SAMPLES" default:"1000"`
	InitialGuessUSD   float64 `envconfig:"PRICE_INITIAL_GUESS" default:"50000"`
	MinEmitConfidence float64 `envconfig:"MIN_EMIT_CONFIDENCE" default:"0.3"`
	EmitDeltaRel      float64 `envconfig:"EMIT_DELTA_REL" default:"0.001"`
	MinDeltaOutputs   int     `envconfig:"PRICE_MIN_DELTA_OUTPUTS" default:"250"`
}

// TickInterval returns the model tick period.
func (p PriceConfig) TickInterval() time.Duration {
	return time.Duration(p.TickIntervalMS) * time.Millisecond
}

// WindowAge returns the rolling window's maximum entry age.
func (p PriceConfig) WindowAge() time.Duration {
	return time.Duration(p.WindowHours) * time.Hour
}

type WSConfig struct {
	Host          string        `envconfig:"WS_HOST" default:"0.0.0.0"`
	Port          int           `envconfig:"WS_PORT" default:"8765"`
	AuthEnabled   bool          `envconfig:"AUTH_ENABLED" default:"true"`
	AuthSecretKey string        `envconfig:"AUTH_SECRET_KEY"`
	AuthTimeout   time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`
	QueueSize     int           `envconfig:"WS_QUEUE_SIZE" default:"256"`
	PingInterval  time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	PingTimeout   time.Duration `envconfig:"WS_PING_TIMEOUT" default:"90s"`
	RatePerSec    float64       `envconfig:"WS_RATE_PER_SEC" default:"50"`
	RateBurst     int           `envconfig:"WS_RATE_BURST" default:"100"`
}

type HTTPConfig struct {
	Port           int    `envconfig:"HTTP_PORT" default:"8001"`
	AuthToken      string `envconfig:"API_AUTH_TOKEN"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS"`
	RatePerMin     int    `envconfig:"API_RATE_PER_MIN" default:"120"`
	RateBurst      int    `envconfig:"API_RATE_BURST" default:"30"`
}

type TrackerConfig struct {
	RetentionDays   int           `envconfig:"RETENTION_DAYS" default:"90"`
	DropTimeout     time.Duration `envconfig:"DROP_TIMEOUT" default:"2h"`
	ResolveInterval time.Duration `envconfig:"RESOLVE_INTERVAL" default:"30s"`
	MonitorInterval time.Duration `envconfig:"ACCURACY_MONITOR_INTERVAL" default:"5m"`
	WarnThreshold   float64       `envconfig:"ACCURACY_WARN" default:"0.75"`
	CritThreshold   float64       `envconfig:"ACCURACY_CRIT" default:"0.70"`
	AlertCooldown   time.Duration `envconfig:"ACCURACY_ALERT_COOLDOWN" default:"1h"`
	WebhookURL      string        `envconfig:"ALERT_WEBHOOK_URL"`
}

type MemoryConfig struct {
	SoftLimitMB   int           `envconfig:"SOFT_MEM_LIMIT_MB" default:"400"`
	HardLimitMB   int           `envconfig:"HARD_MEM_LIMIT_MB" default:"800"`
	SampleEvery   time.Duration `envconfig:"MEM_SAMPLE_INTERVAL" default:"30s"`
}

// Load reads the environment into a Config and validates it. Any violation
// is a ConfigError, fatal at startup.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot produce a working pipeline.
func (c *Config) Validate() error {
	if c.Whale.ThresholdBTC <= 0 {
		return fmt.Errorf("%w: WHALE_THRESHOLD_BTC must be positive, got %v", models.ErrConfig, c.Whale.ThresholdBTC)
	}
	if c.Whale.CacheMaxSize <= 0 {
		return fmt.Errorf("%w: TX_CACHE_MAX_SIZE must be positive", models.ErrConfig)
	}
	if c.Price.TickIntervalMS <= 0 {
		return fmt.Errorf("%w: PRICE_TICK_INTERVAL_MS must be positive", models.ErrConfig)
	}
	if c.Price.WindowHours <= 0 {
		return fmt.Errorf("%w: ROLLING_WINDOW_HOURS must be positive", models.ErrConfig)
	}
	if c.Price.MinSamples <= 0 {
		return fmt.Errorf("%w: MIN_SAMPLES must be positive", models.ErrConfig)
	}
	if c.WS.AuthEnabled && c.WS.AuthSecretKey == "" {
		return fmt.Errorf("%w: AUTH_SECRET_KEY is required when AUTH_ENABLED=true", models.ErrConfig)
	}
	if c.WS.QueueSize <= 0 {
		return fmt.Errorf("%w: WS_QUEUE_SIZE must be positive", models.ErrConfig)
	}
	if c.Tracker.RetentionDays <= 0 {
		return fmt.Errorf("%w: RETENTION_DAYS must be positive", models.ErrConfig)
	}
	if c.Tracker.CritThreshold > c.Tracker.WarnThreshold {
		return fmt.Errorf("%w: ACCURACY_CRIT must not exceed ACCURACY_WARN", models.ErrConfig)
	}
	if c.Memory.HardLimitMB < c.Memory.SoftLimitMB {
		return fmt.Errorf("%w: HARD_MEM_LIMIT_MB must be >= SOFT_MEM_LIMIT_MB", models.ErrConfig)
	}
	return nil
}
