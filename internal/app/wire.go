package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"fitgen/internal/cache"
	"fitgen/internal/config"
	"fitgen/internal/content"
	"fitgen/internal/credits"
	"fitgen/internal/database"
	"fitgen/internal/generation"
	"fitgen/internal/imagery"
	"fitgen/internal/llm"
	"fitgen/internal/metrics"
	"fitgen/internal/planner"
	"fitgen/internal/query"
	"fitgen/internal/shared"
)

const (
	imageTimeout = 30 * time.Second
	lockExpiry   = time.Minute
)

// New opens the store and builds every pipeline component from cfg. Redis,
// the generation service, the image service and S3 are optional; each one
// missing degrades the pipeline instead of failing it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := shared.RealClock{}
	ids := shared.UUIDGenerator{}

	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	closers := []func() error{db.Close}
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	c, rdb, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.Query.CacheTTL, logger)
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache", "addr", cfg.RedisAddr, "error", err)
		c, rdb = cache.NewMemory(cfg.Query.CacheTTL, clock), nil
	}
	if rdb != nil {
		closers = append(closers, rdb.Close)
	}

	exec := query.NewExecutor(c, query.Options{
		MaxAttempts:       cfg.Query.MaxAttempts,
		RetryDelay:        cfg.Query.RetryDelay,
		Timeout:           cfg.Query.Timeout,
		GenerationTimeout: cfg.Query.GenerationTimeout,
		Backoff:           cfg.Query.Backoff,
	}, logger)

	logs := generation.NewRepository(db.SQL)
	ledger := credits.NewLedger(db.SQL, logs, clock, ids, logger)
	var locker credits.Locker = credits.NewLocalLocker()
	if rdb != nil {
		locker = credits.NewRedisLocker(rdb, lockExpiry, logger)
	}
	sweeper := credits.NewSweeper(ledger, logs, locker)

	metricsStore := metrics.NewStore(db.SQL, clock)

	textGen, err := newTextGenerator(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if c, ok := textGen.(llm.Closer); ok {
		closers = append(closers, c.Close)
	}
	var (
		generator content.Generator
		analyzer  *content.MealAnalyzer
	)
	if textGen != nil {
		generator = content.NewLLMGenerator(textGen, metricsStore, logger)
		analyzer = content.NewMealAnalyzer(textGen, metricsStore, logger)
	} else {
		logger.Warn("no generation service configured, resolving from the store only")
	}

	enricher, err := newEnricher(cfg, clock, ids, logger)
	if err != nil {
		return fail(err)
	}
	var contentEnricher content.Enricher
	if enricher != nil {
		contentEnricher = enricher
	}

	items := content.NewRepository(db.SQL, clock, ids)
	resolver := content.NewResolver(items, generator, contentEnricher, exec, content.ResolverOptions{
		Tolerance:     cfg.Resolver.ToleranceKcal,
		MinResults:    cfg.Resolver.MinResults,
		MaxCandidates: cfg.Resolver.MaxCandidates,
	}, logger)

	policy := planner.PreferDuplicates
	if cfg.PlanPolicy == planner.Transactional.String() {
		policy = planner.Transactional
	}
	writerOpts := []planner.WriterOption{planner.WithPolicy(policy)}
	if contentEnricher != nil {
		writerOpts = append(writerOpts, planner.WithEnricher(contentEnricher))
	}
	plans := planner.NewWriter(db.SQL, items, exec, clock, ids, logger, writerOpts...)

	a := NewApp(Deps{
		DB:                db.SQL,
		Ledger:            ledger,
		Sweeper:           sweeper,
		Resolver:          resolver,
		Plans:             plans,
		Analyzer:          analyzer,
		Exec:              exec,
		Metrics:           metricsStore,
		StartingAllotment: cfg.Credits.StartingAllotment,
		PendingMaxAge:     cfg.Credits.PendingMaxAge,
		DataPath:          dataDir(cfg.DatabasePath),
		Logger:            logger,
	})
	a.closers = closers
	return a, nil
}

// newTextGenerator returns a nil generator when the selected provider has no key.
func newTextGenerator(ctx context.Context, cfg *config.Config) (llm.TextGenerator, error) {
	switch cfg.GenerationProvider {
	case "groq":
		if cfg.GroqAPIKey == "" {
			return nil, nil
		}
		return llm.NewGroqClient(cfg.GroqAPIKey), nil
	default:
		if cfg.GeminiAPIKey == "" {
			return nil, nil
		}
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
		}
		return client, nil
	}
}

func newEnricher(cfg *config.Config, clock shared.Clock, ids shared.IDGenerator, logger *slog.Logger) (*imagery.Enricher, error) {
	if cfg.ImageAPIURL == "" {
		return nil, nil
	}
	client := imagery.NewClient(cfg.ImageAPIURL, cfg.ImageAPIKey, imageTimeout, logger)

	var uploader *imagery.Uploader
	if cfg.S3.Bucket != "" {
		up, err := imagery.NewUploader(imagery.UploaderConfig{
			Endpoint:      cfg.S3.Endpoint,
			Region:        cfg.S3.Region,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			Bucket:        cfg.S3.Bucket,
			PublicBaseURL: cfg.S3.PublicBaseURL,
			UsePathStyle:  cfg.S3.Endpoint != "",
			Prefix:        cfg.S3.Prefix,
		}, clock, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize image uploader: %w", err)
		}
		uploader = up
	}
	return imagery.NewEnricher(client, uploader, logger), nil
}

func dataDir(dbPath string) string {
	if dbPath == ":memory:" {
		return "."
	}
	return filepath.Dir(dbPath)
}
