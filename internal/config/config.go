package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Auth      AuthConfig      `yaml:"auth"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // development | production
}

type StoreConfig struct {
	// URI is the Postgres connection string. Empty falls back to the
	// in-memory store.
	URI string `yaml:"uri"`
}

type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	// TokenSecret signs bearer tokens. Required in production.
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type ScoringConfig struct {
	Workers            WorkerConfig  `yaml:"workers"`
	BatchSize          int64         `yaml:"batch_size"`
	QuarantineHours    int           `yaml:"quarantine_hours"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	SweepWindow        time.Duration `yaml:"sweep_window"`
	ProximityRadiusM   float64       `yaml:"proximity_radius_m"`
	ReaperInterval     time.Duration `yaml:"reaper_interval"`
}

type WorkerConfig struct {
	Emergency  int `yaml:"emergency"`
	Standard   int `yaml:"standard"`
	Background int `yaml:"background"`
	Analytics  int `yaml:"analytics"`
}

type RateLimitConfig struct {
	SubmitPerMinute   int `yaml:"submit_per_minute"`
	ValidatePerMinute int `yaml:"validate_per_minute"`
	LoginPerMinute    int `yaml:"login_per_minute"`
}

// Production reports whether the server runs in production mode; error
// responses drop diagnostic context there.
func (c *Config) Production() bool { return c.Server.Env == "production" }

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Cache:  CacheConfig{Addr: "localhost:6379"},
		Auth:   AuthConfig{TokenTTL: 12 * time.Hour},
		Scoring: ScoringConfig{
			Workers:          WorkerConfig{Emergency: 2, Standard: 3, Background: 2, Analytics: 1},
			BatchSize:        10,
			QuarantineHours:  24,
			SweepInterval:    10 * time.Minute,
			SweepWindow:      time.Hour,
			ProximityRadiusM: 1000,
			ReaperInterval:   10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			SubmitPerMinute:   10,
			ValidatePerMinute: 30,
			LoginPerMinute:    10,
		},
	}
}

// Load reads the yaml file at path (skipped when empty or missing) and then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(cfg)
			f.Close()
			if decodeErr != nil {
				return nil, decodeErr
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("PORT", &cfg.Server.Port)
	envStr("APP_ENV", &cfg.Server.Env)
	envStr("DATABASE_URI", &cfg.Store.URI)
	envStr("REDIS_ADDR", &cfg.Cache.Addr)
	envStr("REDIS_PASSWORD", &cfg.Cache.Password)
	envInt("REDIS_DB", &cfg.Cache.DB)
	envStr("TOKEN_SECRET", &cfg.Auth.TokenSecret)
	envDur("TOKEN_TTL", &cfg.Auth.TokenTTL)

	envInt("WORKERS_EMERGENCY", &cfg.Scoring.Workers.Emergency)
	envInt("WORKERS_STANDARD", &cfg.Scoring.Workers.Standard)
	envInt("WORKERS_BACKGROUND", &cfg.Scoring.Workers.Background)
	envInt("WORKERS_ANALYTICS", &cfg.Scoring.Workers.Analytics)
	envInt64("ANALYSIS_BATCH_SIZE", &cfg.Scoring.BatchSize)
	envInt("QUARANTINE_HOURS", &cfg.Scoring.QuarantineHours)
	envDur("SWEEP_INTERVAL", &cfg.Scoring.SweepInterval)
	envDur("SWEEP_WINDOW", &cfg.Scoring.SweepWindow)
	envFloat("PROXIMITY_RADIUS_M", &cfg.Scoring.ProximityRadiusM)
	envDur("REAPER_INTERVAL", &cfg.Scoring.ReaperInterval)

	envInt("RATE_SUBMIT_PER_MINUTE", &cfg.RateLimit.SubmitPerMinute)
	envInt("RATE_VALIDATE_PER_MINUTE", &cfg.RateLimit.ValidatePerMinute)
	envInt("RATE_LOGIN_PER_MINUTE", &cfg.RateLimit.LoginPerMinute)
}

func envStr(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envInt64(key string, out *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*out = n
		}
	}
}

func envFloat(key string, out *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*out = f
		}
	}
}

func envDur(key string, out *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*out = d
		}
	}
}
