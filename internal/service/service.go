package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/metrics"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// TolerateUnknownVariants keeps a sale going when a line names a variant
	// the catalog does not know; the line is recorded but moves no stock.
	TolerateUnknownVariants bool
	TierPolicy              string
	CostPolicy              string
	DefaultLoyalty          domain.LoyaltySettings
	StoreTimeout            time.Duration
	StockCacheTTL           time.Duration
}

func DefaultOptions() Options {
	return Options{
		TolerateUnknownVariants: true,
		TierPolicy:              domain.TierPolicyRecalculate,
		CostPolicy:              domain.CostPolicyLastCost,
		DefaultLoyalty: domain.LoyaltySettings{
			PointsPerAmount: 1,
			AmountPerPoint:  1000,
			IsEnabled:       true,
		},
		StoreTimeout:  5 * time.Second,
		StockCacheTTL: 30 * time.Second,
	}
}

type Service struct {
	repo       store.Repository
	stockCache cache.StockCache
	metrics    *metrics.Metrics
	opts       Options
	locks      *keyedLocker
	now        func() time.Time
}

func New(repo store.Repository, stockCache cache.StockCache, m *metrics.Metrics, opts Options) *Service {
	if stockCache == nil {
		stockCache = cache.NoopStockCache{}
	}
	defaults := DefaultOptions()
	if opts.TierPolicy != domain.TierPolicySticky {
		opts.TierPolicy = domain.TierPolicyRecalculate
	}
	if opts.CostPolicy != domain.CostPolicyWeightedAverage {
		opts.CostPolicy = domain.CostPolicyLastCost
	}
	if opts.DefaultLoyalty.AmountPerPoint <= 0 || opts.DefaultLoyalty.PointsPerAmount <= 0 {
		opts.DefaultLoyalty = defaults.DefaultLoyalty
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaults.StoreTimeout
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = defaults.StockCacheTTL
	}

	return &Service{
		repo:       repo,
		stockCache: stockCache,
		metrics:    m,
		opts:       opts,
		locks:      newKeyedLocker(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// storeContext bounds every workflow so a stalled store surfaces as a
// retryable internal error instead of hanging the caller.
func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func requireOutlet(outletID string) (string, error) {
	outletID = strings.TrimSpace(outletID)
	if outletID == "" {
		return "", fmt.Errorf("outlet id missing: %w", store.ErrUnauthorized)
	}
	return outletID, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, fmt.Errorf("admin role required: %w", store.ErrUnauthorized)
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), store.ErrValidation)
}

// wrapStoreErr keeps taxonomy errors as they are and turns anything else
// (driver failures, timeouts) into a retryable internal error.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.IsTaxonomy(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrInternal, err)
}

func (s *Service) logAudit(ctx context.Context, outletID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		OutletID:   outletID,
		Actor:      actor.Username,
		Role:       actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// nextDocumentNumber allocates e.g. INV-26100001 from the per-(outlet, scope, month) counter.
func (s *Service) nextDocumentNumber(ctx context.Context, outletID string, scope string, at time.Time) (string, error) {
	period := at.UTC().Format("0601")
	seq, err := s.repo.NextSequence(ctx, outletID, scope, period)
	if err != nil {
		return "", wrapStoreErr("allocate "+scope+" number", err)
	}
	return fmt.Sprintf("%s-%s%04d", scope, period, seq), nil
}

func stockLockKey(key domain.SKUKey) string {
	return key.OutletID + "|" + key.ProductID + "|" + key.VariantID
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
