package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/coi-compliance-api/internal/models"
)

// ReuseOutcome explains the result of a reuse lookup. ReuseUnavailable is a policy decision,
// not an error: the broker has to upload a fresh document.
type ReuseOutcome string

const (
	ReuseHit           ReuseOutcome = "hit"
	ReuseMiss          ReuseOutcome = "miss"
	ReuseUnavailable   ReuseOutcome = "unavailable"
	ReuseNotApplicable ReuseOutcome = "not_applicable"
	ReuseUploaded      ReuseOutcome = "uploaded"
)

type reuseStore interface {
	FindReusableDocument(ctx context.Context, kind models.PolicyKind, scope models.ReuseScope, excludeCOIID string) (*models.ReuseReference, error)
}

type reuseCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// ReuseResolver lets a workers' compensation document uploaded for one project satisfy another
// project in the same state.
type ReuseResolver struct {
	store  reuseStore
	cache  reuseCache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewReuseResolver constructs a resolver. cache may be nil.
func NewReuseResolver(store reuseStore, cache reuseCache, ttl time.Duration, logger *zap.Logger) *ReuseResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReuseResolver{store: store, cache: cache, ttl: ttl, logger: logger, now: time.Now}
}

// WCSatisfiedBy reports whether candidate can satisfy the record's WC line.
func (r *ReuseResolver) WCSatisfiedBy(record *models.COIRecord, candidate *models.ReuseReference) bool {
	if record == nil || candidate == nil || record.Line(models.PolicyWC) == nil {
		return false
	}
	scope := models.StateScope(record.ProjectState)
	if scope == nil {
		return false
	}
	if candidate.COIID == record.ID {
		return false
	}
	return scope.Equal(&candidate.Scope) && strings.TrimSpace(candidate.Document.URL) != ""
}

// Lookup finds a reusable WC document for the record's project state.
func (r *ReuseResolver) Lookup(ctx context.Context, record *models.COIRecord) (*models.ReuseReference, ReuseOutcome, error) {
	if record == nil || record.Line(models.PolicyWC) == nil {
		return nil, ReuseNotApplicable, nil
	}
	scope := models.StateScope(record.ProjectState)
	if scope == nil {
		return nil, ReuseUnavailable, nil
	}

	key := reuseCacheKey(*scope)
	if r.cache != nil {
		var cached models.ReuseReference
		hit, err := r.cache.Get(ctx, key, &cached)
		if err == nil && hit && r.WCSatisfiedBy(record, &cached) {
			return &cached, ReuseHit, nil
		}
	}

	ref, err := r.store.FindReusableDocument(ctx, models.PolicyWC, *scope, record.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ReuseMiss, nil
		}
		return nil, ReuseMiss, fmt.Errorf("find reusable wc document for %s: %w", scope, err)
	}
	if !r.WCSatisfiedBy(record, ref) {
		return nil, ReuseMiss, nil
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, key, ref, r.ttl)
	}
	return ref, ReuseHit, nil
}

// Apply resolves reuse for the record's WC line in place. An explicit upload always wins and
// clears any earlier reuse reference. Lookup failures degrade to a miss.
func (r *ReuseResolver) Apply(ctx context.Context, record *models.COIRecord) ReuseOutcome {
	line := record.Line(models.PolicyWC)
	if line == nil {
		return ReuseNotApplicable
	}
	if line.Uploaded() {
		line.Reused = nil
		return ReuseUploaded
	}
	line.ReuseScope = models.StateScope(record.ProjectState)

	ref, outcome, err := r.Lookup(ctx, record)
	if err != nil {
		r.logger.Warn("reuse lookup failed", zap.String("coi_id", record.ID), zap.Error(err))
		return ReuseMiss
	}
	if outcome != ReuseHit {
		line.Reused = nil
		return outcome
	}
	ref.ResolvedAt = r.now().UTC()
	line.Reused = ref
	return ReuseHit
}

// Forget drops the cached reuse hit for a scope, used after the source document changes.
func (r *ReuseResolver) Forget(ctx context.Context, scope *models.ReuseScope) {
	if r.cache == nil || scope == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, reuseCacheKey(*scope)); err != nil {
		r.logger.Warn("reuse cache invalidate failed", zap.String("scope", scope.String()), zap.Error(err))
	}
}

func reuseCacheKey(scope models.ReuseScope) string {
	return fmt.Sprintf("coi:reuse:wc:%s:%s", scope.Kind, strings.ToUpper(scope.Value))
}
