package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitgen/internal/query"
)

func TestNewFromEnv(t *testing.T) {
	// Run from an empty directory so no stray .env is picked up.
	t.Chdir(t.TempDir())

	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gemini_key")
		t.Setenv("FITGEN_CONFIG", "")

		cfg, err := NewFromEnv()
		require.NoError(t, err)

		assert.Equal(t, "data/fitgen.db", cfg.DatabasePath)
		assert.Equal(t, "gemini", cfg.GenerationProvider)
		assert.Equal(t, 3, cfg.Query.MaxAttempts)
		assert.Equal(t, time.Second, cfg.Query.RetryDelay)
		assert.Equal(t, 10*time.Second, cfg.Query.Timeout)
		assert.Equal(t, 30*time.Second, cfg.Query.GenerationTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Query.CacheTTL)
		assert.Equal(t, "fixed", cfg.Query.Backoff)
		assert.Equal(t, 100.0, cfg.Resolver.ToleranceKcal)
		assert.Equal(t, 3, cfg.Resolver.MinResults)
		assert.Equal(t, 5, cfg.Resolver.MaxCandidates)
		assert.Equal(t, 5, cfg.Credits.StartingAllotment)
		assert.Equal(t, 15*time.Minute, cfg.Credits.PendingMaxAge)
		assert.Equal(t, "prefer-duplicates", cfg.PlanPolicy)
		assert.NoError(t, cfg.RequireGenerator())
	})

	t.Run("GroqSelectedWhenOnlyGroqKey", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "")
		t.Setenv("GROQ_API_KEY", "groq_key")

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "groq", cfg.GenerationProvider)
	})

	t.Run("MissingGeneratorKey", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "")
		t.Setenv("GROQ_API_KEY", "")

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.EqualError(t, cfg.RequireGenerator(), "GEMINI_API_KEY environment variable not set")
	})

	t.Run("InvalidInteger", func(t *testing.T) {
		t.Setenv("QUERY_MAX_ATTEMPTS", "three")

		_, err := NewFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QUERY_MAX_ATTEMPTS")
	})

	t.Run("InvalidBackoff", func(t *testing.T) {
		t.Setenv("QUERY_BACKOFF", "random")

		_, err := NewFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QUERY_BACKOFF")
	})

	t.Run("InvalidPlanPolicy", func(t *testing.T) {
		t.Setenv("PLAN_REPLACE_POLICY", "sometimes")

		_, err := NewFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PLAN_REPLACE_POLICY")
	})

	t.Run("ZeroRetryDelayMeansNoWait", func(t *testing.T) {
		t.Setenv("QUERY_RETRY_DELAY_MS", "0")

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, query.NoRetryDelay, cfg.Query.RetryDelay)
		assert.Less(t, cfg.Query.RetryDelay, time.Duration(0), "zero would fall back to the executor default")
	})

	t.Run("ZeroRetryDelayFromTOML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fitgen.toml")
		require.NoError(t, os.WriteFile(path, []byte("[query]\nretry_delay_ms = 0\n"), 0o644))
		t.Setenv("FITGEN_CONFIG", path)

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 0, cfg.Query.RetryDelayMS)
		assert.Equal(t, query.NoRetryDelay, cfg.Query.RetryDelay)
	})

	t.Run("NegativeRetryDelay", func(t *testing.T) {
		t.Setenv("QUERY_RETRY_DELAY_MS", "-5")

		_, err := NewFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "QUERY_RETRY_DELAY_MS")
	})

	t.Run("NonPositiveCacheTTL", func(t *testing.T) {
		for _, v := range []string{"0", "-30"} {
			t.Setenv("CACHE_TTL_SECONDS", v)

			_, err := NewFromEnv()
			require.Error(t, err, v)
			assert.Contains(t, err.Error(), "CACHE_TTL_SECONDS")
		}
	})

	t.Run("TOMLFileWithEnvOverride", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fitgen.toml")
		content := `
[query]
max_attempts = 5
backoff = "exponential"

[resolver]
tolerance_kcal = 150
min_results = 4
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		t.Setenv("FITGEN_CONFIG", path)
		t.Setenv("RESOLVER_MIN_RESULTS", "2")

		cfg, err := NewFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Query.MaxAttempts)
		assert.Equal(t, "exponential", cfg.Query.Backoff)
		assert.Equal(t, 150.0, cfg.Resolver.ToleranceKcal)
		assert.Equal(t, 2, cfg.Resolver.MinResults)
	})

	t.Run("MissingTOMLFile", func(t *testing.T) {
		t.Setenv("FITGEN_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))

		_, err := NewFromEnv()
		assert.Error(t, err)
	})
}
