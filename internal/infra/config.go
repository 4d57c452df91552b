package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv          string
	Port            string
	StoreDriver     string
	DatabaseURL     string
	SQLitePath      string
	StoragePath     string
	StorageBaseURL  string
	CallbackBaseURL string
	CallbackSecret  string
	RedisURL        string
	NATSURL         string
	NATSSubject     string
	CORSOrigins     []string

	Suno   SunoConfig
	Mureka MurekaConfig

	Retry   RetryConfig
	Breaker BreakerConfig
	Poll    PollConfig
	Sweep   SweepConfig

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// SunoConfig lists candidate endpoints per capability, tried in order.
type SunoConfig struct {
	APIKey              string
	GenerateURLs        []string
	QueryURLs           []string
	LyricsURLs          []string
	LyricsQueryURLs     []string
	StemURLs            []string
	StemQueryURLs       []string
	ConversionURLs      []string
	ConversionQueryURLs []string
}

type MurekaConfig struct {
	APIKey   string
	BaseURLs []string
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

type BreakerConfig struct {
	Threshold   int
	OpenTimeout time.Duration
}

type PollConfig struct {
	Attempts      int
	Interval      time.Duration
	GraceAttempts int
	SyncEvery     int
}

type SweepConfig struct {
	StuckAfter      time.Duration
	DeadLetterAfter time.Duration
	Concurrency     int
	BatchLimit      int
	Interval        time.Duration
	JobTimeout      time.Duration
}

const sunoBase = "https://api.sunoapi.org/api/v1"

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// Values from .env.local and .env are used only when the variable is not already set.
func LoadConfig() (*Config, error) {
	for _, file := range []string{".env.local", ".env"} {
		_ = godotenv.Load(file)
	}

	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		Port:            port,
		StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      getEnv("SQLITE_PATH", "./data/jobs.db"),
		StoragePath:     getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:  strings.TrimRight(getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"), "/"),
		CallbackBaseURL: strings.TrimRight(os.Getenv("CALLBACK_BASE_URL"), "/"),
		CallbackSecret:  os.Getenv("CALLBACK_SECRET"),
		RedisURL:        os.Getenv("REDIS_URL"),
		NATSURL:         os.Getenv("NATS_URL"),
		NATSSubject:     getEnv("NATS_SUBJECT", "generation.events"),
		CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		Suno: SunoConfig{
			APIKey:              os.Getenv("SUNO_API_KEY"),
			GenerateURLs:        getEnvList("SUNO_GENERATE_URLS", []string{sunoBase + "/generate"}),
			QueryURLs:           getEnvList("SUNO_QUERY_URLS", []string{sunoBase + "/generate/record-info"}),
			LyricsURLs:          getEnvList("SUNO_LYRICS_URLS", []string{sunoBase + "/lyrics"}),
			LyricsQueryURLs:     getEnvList("SUNO_LYRICS_QUERY_URLS", []string{sunoBase + "/lyrics/record-info"}),
			StemURLs:            getEnvList("SUNO_STEM_URLS", []string{sunoBase + "/vocal-removal/generate"}),
			StemQueryURLs:       getEnvList("SUNO_STEM_QUERY_URLS", []string{sunoBase + "/vocal-removal/record-info"}),
			ConversionURLs:      getEnvList("SUNO_WAV_URLS", []string{sunoBase + "/wav/generate"}),
			ConversionQueryURLs: getEnvList("SUNO_WAV_QUERY_URLS", []string{sunoBase + "/wav/record-info"}),
		},
		Mureka: MurekaConfig{
			APIKey:   os.Getenv("MUREKA_API_KEY"),
			BaseURLs: getEnvList("MUREKA_BASE_URLS", []string{"https://api.mureka.ai"}),
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:     getEnvDuration("RETRY_MAX_DELAY", 15*time.Second),
			Multiplier:   getEnvFloat("RETRY_MULTIPLIER", 2),
			Jitter:       getEnvFloat("RETRY_JITTER", 0.2),
		},
		Breaker: BreakerConfig{
			Threshold:   getEnvInt("BREAKER_THRESHOLD", 5),
			OpenTimeout: getEnvDuration("BREAKER_OPEN_TIMEOUT", time.Minute),
		},
		Poll: PollConfig{
			Attempts:      getEnvInt("POLL_ATTEMPTS", 30),
			Interval:      getEnvDuration("POLL_INTERVAL", 4*time.Second),
			GraceAttempts: getEnvInt("POLL_GRACE_ATTEMPTS", 3),
			SyncEvery:     getEnvInt("POLL_SYNC_EVERY", 3),
		},
		Sweep: SweepConfig{
			StuckAfter:      getEnvDuration("SWEEP_STUCK_AFTER", 10*time.Minute),
			DeadLetterAfter: getEnvDuration("SWEEP_DEAD_LETTER_AFTER", 15*time.Minute),
			Concurrency:     getEnvInt("SWEEP_CONCURRENCY", 5),
			BatchLimit:      getEnvInt("SWEEP_BATCH_LIMIT", 20),
			Interval:        getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			JobTimeout:      getEnvDuration("SWEEP_JOB_TIMEOUT", 90*time.Second),
		},
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 180)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("STORE_DRIVER %q is not supported", c.StoreDriver)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0, 1)")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}
	if c.Poll.Attempts < 1 || c.Poll.SyncEvery < 1 {
		return fmt.Errorf("POLL_ATTEMPTS and POLL_SYNC_EVERY must be at least 1")
	}
	if c.Sweep.DeadLetterAfter < c.Sweep.StuckAfter {
		return fmt.Errorf("SWEEP_DEAD_LETTER_AFTER must not be shorter than SWEEP_STUCK_AFTER")
	}
	if c.Sweep.Concurrency < 1 {
		c.Sweep.Concurrency = 1
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// getEnvList splits a comma separated value, trimming blanks, trailing
// slashes and duplicates while keeping order.
func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(v, ",") {
		item := strings.TrimRight(strings.TrimSpace(part), "/")
		if item == "" {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
