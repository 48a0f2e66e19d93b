package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"fitgen/internal/query"
)

// Config holds the configuration for the application.
type Config struct {
	DatabasePath string
	LogLevel     string

	GeminiAPIKey       string
	GroqAPIKey         string
	GenerationProvider string

	RedisAddr     string
	RedisPassword string

	ImageAPIURL string
	ImageAPIKey string

	S3 S3Config

	// PlanPolicy is prefer-duplicates or transactional.
	PlanPolicy string

	Query    QueryConfig
	Resolver ResolverConfig
	Credits  CreditsConfig
}

// S3Config configures re-hosting of generated images. Empty Bucket disables it.
type S3Config struct {
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	PublicBaseURL string
	Prefix        string
}

// QueryConfig tunes the retrying query executor.
type QueryConfig struct {
	MaxAttempts       int           `toml:"max_attempts"`
	RetryDelay        time.Duration `toml:"-"`
	RetryDelayMS      int           `toml:"retry_delay_ms"`
	Timeout           time.Duration `toml:"-"`
	TimeoutSeconds    int           `toml:"timeout_seconds"`
	GenerationTimeout time.Duration `toml:"-"`
	GenerationSeconds int           `toml:"generation_timeout_seconds"`
	Backoff           string        `toml:"backoff"`
	CacheTTL          time.Duration `toml:"-"`
	CacheTTLSeconds   int           `toml:"cache_ttl_seconds"`
}

// ResolverConfig tunes content resolution.
type ResolverConfig struct {
	ToleranceKcal float64 `toml:"tolerance_kcal"`
	MinResults    int     `toml:"min_results"`
	MaxCandidates int     `toml:"max_candidates"`
}

// CreditsConfig tunes the credit ledger.
type CreditsConfig struct {
	StartingAllotment int           `toml:"starting_allotment"`
	PendingMaxAge     time.Duration `toml:"-"`
	PendingMaxAgeMin  int           `toml:"pending_max_age_minutes"`
}

type fileConfig struct {
	Query    QueryConfig    `toml:"query"`
	Resolver ResolverConfig `toml:"resolver"`
	Credits  CreditsConfig  `toml:"credits"`
}

// NewFromEnv creates a new Config object from environment variables.
// A .env file in the working directory is loaded first when present, and the
// TOML file named by FITGEN_CONFIG supplies tunables that env vars override.
func NewFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath: getEnv("DATABASE_PATH", "data/fitgen.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GroqAPIKey:   os.Getenv("GROQ_API_KEY"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		ImageAPIURL: os.Getenv("IMAGE_API_URL"),
		ImageAPIKey: os.Getenv("IMAGE_API_KEY"),

		S3: S3Config{
			Bucket:        os.Getenv("S3_BUCKET"),
			Region:        getEnv("S3_REGION", "us-east-1"),
			AccessKey:     os.Getenv("S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("S3_SECRET_KEY"),
			Endpoint:      os.Getenv("S3_ENDPOINT"),
			PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
			Prefix:        getEnv("S3_PREFIX", "images"),
		},

		PlanPolicy: strings.ToLower(getEnv("PLAN_REPLACE_POLICY", "prefer-duplicates")),

		Query: QueryConfig{
			MaxAttempts:       3,
			RetryDelayMS:      1000,
			TimeoutSeconds:    10,
			GenerationSeconds: 30,
			Backoff:           "fixed",
			CacheTTLSeconds:   300,
		},
		Resolver: ResolverConfig{
			ToleranceKcal: 100,
			MinResults:    3,
			MaxCandidates: 5,
		},
		Credits: CreditsConfig{
			StartingAllotment: 5,
			PendingMaxAgeMin:  15,
		},
	}

	if path := os.Getenv("FITGEN_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var errs []error
	overrideInt(&cfg.Query.MaxAttempts, "QUERY_MAX_ATTEMPTS", &errs)
	overrideInt(&cfg.Query.RetryDelayMS, "QUERY_RETRY_DELAY_MS", &errs)
	overrideInt(&cfg.Query.TimeoutSeconds, "QUERY_TIMEOUT_SECONDS", &errs)
	overrideInt(&cfg.Query.GenerationSeconds, "GENERATION_TIMEOUT_SECONDS", &errs)
	overrideInt(&cfg.Query.CacheTTLSeconds, "CACHE_TTL_SECONDS", &errs)
	overrideFloat(&cfg.Resolver.ToleranceKcal, "RESOLVER_TOLERANCE_KCAL", &errs)
	overrideInt(&cfg.Resolver.MinResults, "RESOLVER_MIN_RESULTS", &errs)
	overrideInt(&cfg.Resolver.MaxCandidates, "RESOLVER_MAX_CANDIDATES", &errs)
	overrideInt(&cfg.Credits.StartingAllotment, "CREDITS_STARTING_ALLOTMENT", &errs)
	overrideInt(&cfg.Credits.PendingMaxAgeMin, "PENDING_LOG_MAX_AGE_MINUTES", &errs)
	if v := os.Getenv("QUERY_BACKOFF"); v != "" {
		cfg.Query.Backoff = strings.ToLower(v)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg.GenerationProvider = strings.ToLower(os.Getenv("GENERATION_PROVIDER"))
	if cfg.GenerationProvider == "" {
		if cfg.GeminiAPIKey == "" && cfg.GroqAPIKey != "" {
			cfg.GenerationProvider = "groq"
		} else {
			cfg.GenerationProvider = "gemini"
		}
	}

	cfg.resolveDurations()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RequireGenerator reports an error when no generation-service key is configured.
func (c *Config) RequireGenerator() error {
	switch c.GenerationProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable not set")
		}
	case "groq":
		if c.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY environment variable not set")
		}
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if fc.Query.MaxAttempts > 0 {
		c.Query.MaxAttempts = fc.Query.MaxAttempts
	}
	// Zero is a meaningful delay, so presence decides here.
	if md.IsDefined("query", "retry_delay_ms") {
		c.Query.RetryDelayMS = fc.Query.RetryDelayMS
	}
	if fc.Query.TimeoutSeconds > 0 {
		c.Query.TimeoutSeconds = fc.Query.TimeoutSeconds
	}
	if fc.Query.GenerationSeconds > 0 {
		c.Query.GenerationSeconds = fc.Query.GenerationSeconds
	}
	if fc.Query.Backoff != "" {
		c.Query.Backoff = strings.ToLower(fc.Query.Backoff)
	}
	if fc.Query.CacheTTLSeconds > 0 {
		c.Query.CacheTTLSeconds = fc.Query.CacheTTLSeconds
	}
	if fc.Resolver.ToleranceKcal > 0 {
		c.Resolver.ToleranceKcal = fc.Resolver.ToleranceKcal
	}
	if fc.Resolver.MinResults > 0 {
		c.Resolver.MinResults = fc.Resolver.MinResults
	}
	if fc.Resolver.MaxCandidates > 0 {
		c.Resolver.MaxCandidates = fc.Resolver.MaxCandidates
	}
	if fc.Credits.StartingAllotment > 0 {
		c.Credits.StartingAllotment = fc.Credits.StartingAllotment
	}
	if fc.Credits.PendingMaxAgeMin > 0 {
		c.Credits.PendingMaxAgeMin = fc.Credits.PendingMaxAgeMin
	}
	return nil
}

func (c *Config) resolveDurations() {
	c.Query.RetryDelay = time.Duration(c.Query.RetryDelayMS) * time.Millisecond
	if c.Query.RetryDelayMS == 0 {
		c.Query.RetryDelay = query.NoRetryDelay
	}
	c.Query.Timeout = time.Duration(c.Query.TimeoutSeconds) * time.Second
	c.Query.GenerationTimeout = time.Duration(c.Query.GenerationSeconds) * time.Second
	c.Query.CacheTTL = time.Duration(c.Query.CacheTTLSeconds) * time.Second
	c.Credits.PendingMaxAge = time.Duration(c.Credits.PendingMaxAgeMin) * time.Minute
}

func (c *Config) validate() error {
	if c.Query.MaxAttempts < 1 {
		return fmt.Errorf("QUERY_MAX_ATTEMPTS must be at least 1, got %d", c.Query.MaxAttempts)
	}
	if c.Query.RetryDelayMS < 0 {
		return fmt.Errorf("QUERY_RETRY_DELAY_MS must not be negative, got %d", c.Query.RetryDelayMS)
	}
	if c.Query.CacheTTLSeconds < 1 {
		return fmt.Errorf("CACHE_TTL_SECONDS must be at least 1, got %d", c.Query.CacheTTLSeconds)
	}
	if c.Query.Backoff != "fixed" && c.Query.Backoff != "exponential" {
		return fmt.Errorf("QUERY_BACKOFF must be fixed or exponential, got %q", c.Query.Backoff)
	}
	if c.GenerationProvider != "gemini" && c.GenerationProvider != "groq" {
		return fmt.Errorf("GENERATION_PROVIDER must be gemini or groq, got %q", c.GenerationProvider)
	}
	if c.PlanPolicy != "prefer-duplicates" && c.PlanPolicy != "transactional" {
		return fmt.Errorf("PLAN_REPLACE_POLICY must be prefer-duplicates or transactional, got %q", c.PlanPolicy)
	}
	if c.Resolver.MinResults < 1 {
		return fmt.Errorf("RESOLVER_MIN_RESULTS must be at least 1, got %d", c.Resolver.MinResults)
	}
	if c.Credits.StartingAllotment < 0 {
		return fmt.Errorf("CREDITS_STARTING_ALLOTMENT must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func overrideInt(dst *int, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func overrideFloat(dst *float64, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q", key, v))
		return
	}
	*dst = f
}
