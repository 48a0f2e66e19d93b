package content

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/jmoiron/sqlx"

	"fitgen/internal/imagery"
	"fitgen/internal/query"
)

// CacheNamespace prefixes every resolver cache key.
const CacheNamespace = "content:"

const (
	DefaultTolerance     = 100.0
	DefaultMinResults    = 3
	DefaultMaxCandidates = 5
)

// ItemStore is the slice of the repository the resolver needs.
type ItemStore interface {
	FindNear(ctx context.Context, t Type, min, max float64, excludeID string, limit int) ([]Item, error)
	Insert(ctx context.Context, ext sqlx.ExtContext, item *Item) error
}

// Enricher attaches an image to a generated item.
type Enricher interface {
	Enrich(ctx context.Context, name string, hints []string) imagery.BestEffort
}

// ResolverOptions tune resolution. Zero fields take the package defaults.
type ResolverOptions struct {
	Tolerance     float64
	MinResults    int
	MaxCandidates int
}

// Resolution is the outcome of Resolve. GenerationErr records a generation
// failure that was absorbed by falling back to store matches.
type Resolution struct {
	Items         []Item
	StoreMatches  int
	Generated     int
	FromCache     bool
	GenerationErr error
}

// Empty reports whether nothing usable was found.
func (r Resolution) Empty() bool { return len(r.Items) == 0 }

// Resolver serves content requests from the store first and generates the
// shortfall, writing every generated item back before returning it.
type Resolver struct {
	store     ItemStore
	generator Generator
	enricher  Enricher
	exec      *query.Executor
	opts      ResolverOptions
	logger    *slog.Logger
}

// NewResolver builds a resolver. generator and enricher may be nil, which
// disables generation or images respectively.
func NewResolver(store ItemStore, generator Generator, enricher Enricher, exec *query.Executor, opts ResolverOptions, logger *slog.Logger) *Resolver {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.MinResults <= 0 {
		opts.MinResults = DefaultMinResults
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = DefaultMaxCandidates
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		generator: generator,
		enricher:  enricher,
		exec:      exec,
		opts:      opts,
		logger:    logger,
	}
}

// Resolve never fails: store and generation errors degrade the result, and an
// empty Items slice means the caller has nothing to show.
func (r *Resolver) Resolve(ctx context.Context, req Request) Resolution {
	log := r.logger.With("type", req.Type, "target_kcal", req.TargetCalories, "day", req.DayNumber)
	if err := req.validate(); err != nil {
		log.Warn("rejecting content request", "error", err)
		return Resolution{Items: []Item{}, GenerationErr: query.Permanent(err)}
	}
	tolerance := req.Tolerance
	if tolerance == 0 {
		tolerance = r.opts.Tolerance
	}
	low := math.Max(0, req.TargetCalories-tolerance)
	high := req.TargetCalories + tolerance
	key := cacheKey(req.Type, low, high, req.ExcludeID, r.opts.MaxCandidates)

	lookup := query.Execute(ctx, r.exec, "content.find_near", key, func(ctx context.Context) ([]Item, error) {
		return r.store.FindNear(ctx, req.Type, low, high, req.ExcludeID, r.opts.MaxCandidates)
	})
	if lookup.Err != nil {
		log.Warn("store lookup failed, continuing without store matches", "error", lookup.Err)
	}

	items := make([]Item, 0, len(lookup.Data))
	for _, it := range lookup.Data {
		it.Provenance = ProvenanceStoreMatch
		items = append(items, it)
	}
	items = Dedupe(items)
	res := Resolution{StoreMatches: len(items), FromCache: lookup.FromCache}

	if len(items) >= r.opts.MinResults || r.generator == nil {
		res.Items = items
		return res
	}

	need := r.opts.MinResults - len(items)
	avoid := make([]string, 0, len(items))
	for _, it := range items {
		avoid = append(avoid, it.Name)
	}
	gen := query.ExecuteFunction(ctx, r.exec, "content.generate", "", func(ctx context.Context) ([]Item, error) {
		return r.generator.Generate(ctx, GenerateRequest{
			Type:           req.Type,
			TargetCalories: req.TargetCalories,
			Tolerance:      tolerance,
			DayNumber:      req.DayNumber,
			Count:          need,
			Profile:        req.Profile,
			Avoid:          avoid,
		})
	})
	if gen.Err != nil {
		log.Warn("generation failed, falling back to store matches", "store_matches", len(items), "error", gen.Err)
		res.Items = items
		res.GenerationErr = gen.Err
		return res
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[NormalizeName(it.Name)] = true
	}

	cacheable := append([]Item(nil), items...)
	for _, it := range gen.Data {
		norm := NormalizeName(it.Name)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true

		it.ID = ""
		it.PlanID = ""
		it.Type = req.Type
		it.DayNumber = req.DayNumber
		it.Provenance = ProvenanceGenerated
		it.Macros = it.Macros.Sanitize()
		if r.enricher != nil {
			if img := r.enricher.Enrich(ctx, it.Name, it.Ingredients); img.OK() {
				it.ImageURL = img.URL
			}
		}

		// The ID is assigned by the first attempt and kept, so a retry after
		// an ambiguous commit fails on the primary key instead of duplicating.
		cp := it
		write := query.Execute(ctx, r.exec, "content.write_back", "", func(ctx context.Context) (Item, error) {
			if err := r.store.Insert(ctx, nil, &cp); err != nil {
				return Item{}, err
			}
			return cp, nil
		})
		if write.Err != nil {
			log.Warn("write-back failed, returning unsaved item", "name", it.Name, "error", write.Err)
		} else {
			it = write.Data
			cacheable = append(cacheable, it)
		}
		items = append(items, it)
		res.Generated++
	}

	// Persisted items are now store matches for the same key; priming keeps a
	// repeated request inside the TTL from paying for generation again.
	if len(cacheable) > res.StoreMatches {
		r.exec.Prime(ctx, key, cacheable)
	}

	res.Items = items
	return res
}

// Invalidate drops every cached lookup.
func (r *Resolver) Invalidate(ctx context.Context) {
	r.exec.Invalidate(ctx, CacheNamespace)
}

func cacheKey(t Type, low, high float64, excludeID string, limit int) string {
	// Bounds are formatted exactly so the key matches the SQL window.
	return fmt.Sprintf("%s%s:%s-%s:%s:%d", CacheNamespace, t,
		strconv.FormatFloat(low, 'f', -1, 64), strconv.FormatFloat(high, 'f', -1, 64), excludeID, limit)
}
