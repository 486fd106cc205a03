package cache

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// StockCache holds outlet stock snapshots for the read path. Writers never read
// from it; every applied adjustment invalidates the outlet entry.
type StockCache interface {
	Get(ctx context.Context, outletID string) ([]domain.StockItem, bool, error)
	Set(ctx context.Context, outletID string, items []domain.StockItem, ttl time.Duration) error
	Invalidate(ctx context.Context, outletID string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) ([]domain.StockItem, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ []domain.StockItem, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func stockKey(outletID string) string {
	return "posledger:stock:" + outletID
}
