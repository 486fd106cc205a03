package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
)

const testOutlet = memory.SeedOutletID

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	return newTestServiceWithOptions(t, DefaultOptions())
}

func newTestServiceWithOptions(t *testing.T, opts Options) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := New(repo, nil, nil, opts)
	svc.now = func() time.Time { return time.Date(2026, 10, 5, 9, 30, 0, 0, time.UTC) }
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin", Outlets: []string{"*"}})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier", Outlets: []string{testOutlet}})
}

var setStockSeq int

// setStock moves a SKU to qty through the ledger so replay stays consistent.
func setStock(t *testing.T, svc *Service, productID string, variantID string, qty int) {
	t.Helper()
	item, err := svc.GetStock(adminCtx(), testOutlet, productID, variantID)
	if err != nil {
		t.Fatalf("get stock %s/%s: %v", productID, variantID, err)
	}
	delta := qty - item.Quantity
	if delta == 0 {
		return
	}
	setStockSeq++
	if _, err := svc.ApplyAdjustment(adminCtx(), domain.StockAdjustment{
		OutletID:  testOutlet,
		ProductID: productID,
		VariantID: variantID,
		Delta:     delta,
		Reason:    domain.ReasonManual,
		SourceID:  "test-set-" + strconv.Itoa(setStockSeq),
	}); err != nil {
		t.Fatalf("set stock %s/%s: %v", productID, variantID, err)
	}
}

func stockOf(t *testing.T, svc *Service, productID string, variantID string) int {
	t.Helper()
	item, err := svc.GetStock(adminCtx(), testOutlet, productID, variantID)
	if err != nil {
		t.Fatalf("get stock %s/%s: %v", productID, variantID, err)
	}
	return item.Quantity
}

type mapStockCache struct {
	mu    sync.Mutex
	items map[string][]domain.StockItem
}

func (c *mapStockCache) Get(_ context.Context, outletID string) ([]domain.StockItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, ok := c.items[outletID]
	return items, ok, nil
}

func (c *mapStockCache) Set(_ context.Context, outletID string, items []domain.StockItem, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[outletID] = items
	return nil
}

func (c *mapStockCache) Invalidate(_ context.Context, outletID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, outletID)
	return nil
}

func TestMissingOutletIsUnauthorized(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateSale(cashierCtx(), domain.SaleRequest{
		Items: []domain.SaleLine{{ProductID: "prod-mie", Qty: 1}},
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for missing outlet, got %v", err)
	}
	if _, err := svc.GetStock(cashierCtx(), "  ", "prod-mie", ""); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized stock read, got %v", err)
	}
	if _, err := svc.ReceivePurchaseOrder(adminCtx(), "", "po-x"); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized receive, got %v", err)
	}
}

func TestApplyAdjustmentIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	adj := domain.StockAdjustment{
		OutletID:  testOutlet,
		ProductID: "prod-mie",
		Delta:     -4,
		Reason:    domain.ReasonSale,
		SourceID:  "tx-idem",
	}

	first, err := svc.ApplyAdjustment(cashierCtx(), adj)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if first.Duplicate || first.Item.Quantity != 116 {
		t.Fatalf("expected quantity 116 after first apply, got %+v", first)
	}

	second, err := svc.ApplyAdjustment(cashierCtx(), adj)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate on second apply")
	}
	if got := stockOf(t, svc, "prod-mie", ""); got != 116 {
		t.Fatalf("expected quantity to change once, got %d", got)
	}
}

func TestApplyAdjustmentRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
		OutletID: testOutlet, ProductID: "prod-mie", Delta: 1, Reason: "gift", SourceID: "x",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown reason, got %v", err)
	}
	_, err = svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
		OutletID: testOutlet, ProductID: "prod-mie", Delta: 1, Reason: domain.ReasonManual,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for missing source, got %v", err)
	}
	_, err = svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
		OutletID: testOutlet, ProductID: "prod-ghost", Delta: 1, Reason: domain.ReasonManual, SourceID: "x",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown product, got %v", err)
	}
}

func TestApplyAdjustmentFloorsAtZero(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
		OutletID:  testOutlet,
		ProductID: "prod-mie",
		Delta:     -500,
		Reason:    domain.ReasonSale,
		SourceID:  "tx-oversell",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !result.Clamped {
		t.Fatalf("expected clamp flag")
	}
	if result.Adjustment.AppliedDelta != -120 || result.Item.Quantity != 0 {
		t.Fatalf("expected applied -120 and quantity 0, got applied=%d qty=%d", result.Adjustment.AppliedDelta, result.Item.Quantity)
	}
	if result.Adjustment.Delta != -500 {
		t.Fatalf("expected requested delta to be kept, got %d", result.Adjustment.Delta)
	}
}

func TestUntrackedProductRecordsWithoutMoving(t *testing.T) {
	svc, _ := newTestService(t)

	result, err := svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
		OutletID:  testOutlet,
		ProductID: "prod-bungkus",
		Delta:     -3,
		Reason:    domain.ReasonSale,
		SourceID:  "tx-service",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !result.NotTracked || result.Adjustment.AppliedDelta != 0 || result.Item.Quantity != 0 {
		t.Fatalf("expected not-tracked no-op, got %+v", result)
	}
	adjustments, err := svc.ListAdjustments(cashierCtx(), testOutlet, "prod-bungkus", "")
	if err != nil {
		t.Fatalf("list adjustments failed: %v", err)
	}
	if len(adjustments) != 1 {
		t.Fatalf("expected adjustment kept for audit, got %d", len(adjustments))
	}
}

func TestReplayReproducesQuantity(t *testing.T) {
	svc, _ := newTestService(t)

	for idx, delta := range []int{-30, 12, -200, 7, -2} {
		if _, err := svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
			OutletID:  testOutlet,
			ProductID: "prod-telur",
			Delta:     delta,
			Reason:    domain.ReasonSale,
			SourceID:  "tx-replay-" + strconv.Itoa(idx),
		}); err != nil {
			t.Fatalf("apply %d failed: %v", idx, err)
		}
	}

	rec, err := svc.ReconcileStock(cashierCtx(), testOutlet, "prod-telur", "")
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !rec.Consistent || rec.LedgerQuantity != rec.Item.Quantity {
		t.Fatalf("expected replay to match stored quantity, got %+v", rec)
	}
	if rec.Item.Quantity != 5 {
		t.Fatalf("expected quantity 5 after clamp and restock, got %d", rec.Item.Quantity)
	}
	if rec.Adjustments != 6 {
		t.Fatalf("expected opening stock plus five adjustments, got %d", rec.Adjustments)
	}
}

func TestConcurrentDeductionsNeverGoNegative(t *testing.T) {
	svc, _ := newTestService(t)
	setStock(t, svc, "prod-susu", "", 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	clamped := 0
	for idx := 0; idx < 20; idx++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
				OutletID:  testOutlet,
				ProductID: "prod-susu",
				Delta:     -1,
				Reason:    domain.ReasonSale,
				SourceID:  "tx-race-" + strconv.Itoa(idx),
			})
			if err != nil {
				t.Errorf("apply %d failed: %v", idx, err)
				return
			}
			if result.Item.Quantity < 0 {
				t.Errorf("quantity went negative: %d", result.Item.Quantity)
			}
			if result.Clamped {
				mu.Lock()
				clamped++
				mu.Unlock()
			}
		}(idx)
	}
	wg.Wait()

	if got := stockOf(t, svc, "prod-susu", ""); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
	if clamped != 15 {
		t.Fatalf("expected 15 clamped deductions, got %d", clamped)
	}
}

func TestAdjustStockManual(t *testing.T) {
	svc, repo := newTestService(t)

	_, err := svc.AdjustStockManual(cashierCtx(), domain.ManualAdjustmentRequest{
		OutletID: testOutlet, ProductID: "prod-roti", Delta: 5, Note: "found in back room",
	})
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for cashier, got %v", err)
	}

	_, err = svc.AdjustStockManual(adminCtx(), domain.ManualAdjustmentRequest{
		OutletID: testOutlet, ProductID: "prod-roti", Delta: 5,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error without note, got %v", err)
	}

	req := domain.ManualAdjustmentRequest{
		OutletID: testOutlet, ProductID: "prod-roti", Delta: -7, SourceID: "damage-0925", Note: "damaged",
	}
	if _, err := svc.AdjustStockManual(adminCtx(), req); err != nil {
		t.Fatalf("manual adjustment failed: %v", err)
	}
	again, err := svc.AdjustStockManual(adminCtx(), req)
	if err != nil {
		t.Fatalf("repeat manual adjustment failed: %v", err)
	}
	if !again.Duplicate {
		t.Fatalf("expected repeat with same source id to be a duplicate")
	}
	if got := stockOf(t, svc, "prod-roti", ""); got != 113 {
		t.Fatalf("expected quantity 113, got %d", got)
	}
	if logs := repo.AuditLogs(testOutlet); len(logs) != 1 || logs[0].Action != "stock_manual_adjust" {
		t.Fatalf("expected one manual adjust audit entry, got %+v", logs)
	}
}

func TestGetStockOfUnstockedSKU(t *testing.T) {
	svc, _ := newTestService(t)

	item, err := svc.GetStock(cashierCtx(), testOutlet, "prod-kopi", "")
	if err != nil {
		t.Fatalf("get stock failed: %v", err)
	}
	if item.Quantity != 0 || !item.TracksStock {
		t.Fatalf("expected zero tracked snapshot, got %+v", item)
	}

	if _, err := svc.GetStock(cashierCtx(), testOutlet, "prod-ghost", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown product, got %v", err)
	}
	if _, err := svc.GetStock(cashierCtx(), testOutlet, "prod-mie", "var-kopi-susu"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for foreign variant, got %v", err)
	}
}

func TestListStockReadThroughCache(t *testing.T) {
	repo := memory.NewSeeded()
	stockCache := &mapStockCache{items: map[string][]domain.StockItem{}}
	svc := New(repo, stockCache, nil, DefaultOptions())

	first, err := svc.ListStock(cashierCtx(), testOutlet)
	if err != nil {
		t.Fatalf("list stock failed: %v", err)
	}
	if first.Cached || len(first.Items) == 0 {
		t.Fatalf("expected uncached non-empty list, got cached=%t items=%d", first.Cached, len(first.Items))
	}

	second, err := svc.ListStock(cashierCtx(), testOutlet)
	if err != nil {
		t.Fatalf("list stock failed: %v", err)
	}
	if !second.Cached {
		t.Fatalf("expected second read from cache")
	}

	if _, err := svc.ApplyAdjustment(cashierCtx(), domain.StockAdjustment{
		OutletID: testOutlet, ProductID: "prod-mie", Delta: -1, Reason: domain.ReasonSale, SourceID: "tx-cache",
	}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	third, err := svc.ListStock(cashierCtx(), testOutlet)
	if err != nil {
		t.Fatalf("list stock failed: %v", err)
	}
	if third.Cached {
		t.Fatalf("expected cache to be invalidated by adjustment")
	}
}

func TestKeyedLockerSortsAndReleases(t *testing.T) {
	locker := newKeyedLocker()

	unlock := locker.Lock("b", "a", "b")
	done := make(chan struct{})
	go func() {
		release := locker.Lock("a")
		release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("expected second lock to wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected second lock to proceed after release")
	}

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(locker.locks))
	}
}
