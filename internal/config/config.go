package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Server      ServerConfig           `json:"server"`
	Store       StoreConfig            `json:"store"`
	Cache       CacheConfig            `json:"cache"`
	Pools       map[string]PoolConfig  `json:"pools"`
	Limits      map[string]LimitConfig `json:"limits"`
	Breaker     BreakerConfig          `json:"breaker"`
	Stream      StreamConfig           `json:"stream"`
	Upstream    UpstreamConfig         `json:"upstream"`
	Shedding    SheddingConfig         `json:"shedding"`
	Concurrency ConcurrencyConfig      `json:"concurrency"`
}

type ServerConfig struct {
	Port string `json:"port" env:"REPOLM_PORT"`
}

type StoreConfig struct {
	Driver string `json:"driver" env:"REPOLM_STORE_DRIVER"` // "sqlite" or "redis"
	Path   string `json:"path" env:"REPOLM_STORE_PATH"`     // sqlite file
	Addr   string `json:"addr" env:"REPOLM_REDIS_ADDR"`     // redis host:port
}

type CacheConfig struct {
	Capacity      int    `json:"capacity" env:"REPOLM_CACHE_CAPACITY"`
	DefaultTTL    string `json:"default_ttl"`    // duration string: "168h"
	SweepInterval string `json:"sweep_interval"` // duration string: "1m"
}

type PoolConfig struct {
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	JobTimeout string `json:"job_timeout"` // wall-clock limit per job
}

type LimitConfig struct {
	Max    int    `json:"max"`
	Window string `json:"window"` // duration string: "1h"
}

type BreakerConfig struct {
	Window        string  `json:"window"`         // rolling outcome window
	FailureRatio  float64 `json:"failure_ratio"`  // open at or above
	MinCalls      int     `json:"min_calls"`      // ratio meaningless below this
	Cooldown      string  `json:"cooldown"`       // open -> half-open delay
	MaxCooldown   string  `json:"max_cooldown"`   // backoff cap
	BackoffFactor float64 `json:"backoff_factor"` // cooldown growth on reopen
	TrialCalls    int     `json:"trial_calls"`    // half-open budget
}

type StreamConfig struct {
	BufferSize  int    `json:"buffer_size"`
	AttachGrace string `json:"attach_grace"` // teardown channels unconsumed this long
}

type UpstreamConfig struct {
	Endpoint    string  `json:"endpoint" env:"REPOLM_UPSTREAM_URL"`
	CallTimeout string  `json:"call_timeout"`
	MaxQPS      float64 `json:"max_qps" env:"REPOLM_UPSTREAM_QPS"`
	Burst       int     `json:"burst"`
}

type SheddingConfig struct {
	ShedAbove float64         `json:"shed_above"` // pool utilization 0..1
	Optional  map[string]bool `json:"optional"`   // kinds declined while shedding
}

type ConcurrencyConfig struct {
	MaxStreams int            `json:"max_streams" env:"MAX_SSE_STREAMS"` // per caller
	MaxActive  map[string]int `json:"max_active"`                        // per caller, per kind
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: ":8900",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/repolm.db",
			Addr:   "localhost:6379",
		},
		Cache: CacheConfig{
			Capacity:      2048,
			DefaultTTL:    "168h", // 7 days
			SweepInterval: "1m",
		},
		Pools: map[string]PoolConfig{
			"ingest":   {Workers: 8, QueueDepth: 50, JobTimeout: "5m"},
			"generate": {Workers: 12, QueueDepth: 50, JobTimeout: "10m"},
			"audio":    {Workers: 4, QueueDepth: 50, JobTimeout: "15m"},
		},
		Limits: map[string]LimitConfig{
			"ingest":   {Max: 5, Window: "1h"},
			"generate": {Max: 20, Window: "1h"},
			"audio":    {Max: 5, Window: "1h"},
		},
		Breaker: BreakerConfig{
			Window:        "60s",
			FailureRatio:  0.5,
			MinCalls:      5,
			Cooldown:      "60s",
			MaxCooldown:   "10m",
			BackoffFactor: 2.0,
			TrialCalls:    2,
		},
		Stream: StreamConfig{
			BufferSize:  64,
			AttachGrace: "30s",
		},
		Upstream: UpstreamConfig{
			Endpoint:    "http://localhost:8600",
			CallTimeout: "120s",
			MaxQPS:      10,
			Burst:       20,
		},
		Shedding: SheddingConfig{
			ShedAbove: 0.9,
			Optional: map[string]bool{
				"audio": true,
			},
		},
		Concurrency: ConcurrencyConfig{
			MaxStreams: 3,
			MaxActive: map[string]int{
				"ingest": 2,
			},
		},
	}
}

// LoadFromFile loads config from JSON file
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides config fields from environment variables.
// Worker-count variables keep the names the deployment already uses.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return err
	}
	c.workersFromEnv("ingest", "INGEST_WORKERS")
	c.workersFromEnv("generate", "GENERATE_WORKERS")
	c.workersFromEnv("audio", "AUDIO_WORKERS")
	return nil
}

func (c *Config) workersFromEnv(kind, name string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	p := c.Pools[kind]
	p.Workers = n
	c.Pools[kind] = p
}

// Duration parses a duration field, falling back when empty or invalid
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
