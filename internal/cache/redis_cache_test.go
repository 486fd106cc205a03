package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"posledger/backend/internal/domain"
)

func TestNoopStockCacheAlwaysMisses(t *testing.T) {
	c := NoopStockCache{}
	ctx := context.Background()
	if err := c.Set(ctx, "main-outlet", []domain.StockItem{{ProductID: "prod-mie", Quantity: 3}}, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	_, hit, err := c.Get(ctx, "main-outlet")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if hit {
		t.Fatalf("expected noop cache miss")
	}
}

func TestRedisStockCacheRoundTripAndInvalidate(t *testing.T) {
	addr := os.Getenv("POSLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set POSLEDGER_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	c := NewRedisStockCache(addr, os.Getenv("POSLEDGER_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() {
		_ = c.Close()
	})
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	outletID := fmt.Sprintf("outlet-cache-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = c.Invalidate(ctx, outletID)
	})

	items := []domain.StockItem{
		{OutletID: outletID, ProductID: "prod-mie", Quantity: 7, TracksStock: true},
		{OutletID: outletID, ProductID: "prod-kopi", VariantID: "var-kopi-susu", Quantity: 2, TracksStock: true},
	}
	if err := c.Set(ctx, outletID, items, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, hit, err := c.Get(ctx, outletID)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if len(got) != 2 || got[1].VariantID != "var-kopi-susu" || got[0].Quantity != 7 {
		t.Fatalf("unexpected cached items: %+v", got)
	}

	if err := c.Invalidate(ctx, outletID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, hit, err := c.Get(ctx, outletID); err != nil || hit {
		t.Fatalf("expected miss after invalidate, got hit=%v err=%v", hit, err)
	}
}
