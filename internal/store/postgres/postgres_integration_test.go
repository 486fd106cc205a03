package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	databaseURL := os.Getenv("POSLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s, ctx
}

func TestApplyAdjustmentFloorsConcurrentSales(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	outletID := fmt.Sprintf("outlet-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_adjustments WHERE outlet_id = $1`, outletID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_items WHERE outlet_id = $1`, outletID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.UpsertProduct(ctx, domain.Product{
		ID: productID, SKU: "SKU-" + productID, Name: "Produk IT", PriceCents: 1000, TracksStock: true, Active: true,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	if _, err := s.ApplyAdjustment(ctx, domain.StockAdjustment{
		OutletID: outletID, ProductID: productID, Delta: 5, Reason: domain.ReasonManual, SourceID: "seed",
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.ApplyAdjustment(ctx, domain.StockAdjustment{
				OutletID: outletID, ProductID: productID, Delta: -1, Reason: domain.ReasonSale, SourceID: fmt.Sprintf("tx-%d", i),
			})
		}(i)
	}
	wg.Wait()

	item, err := s.GetStockItem(ctx, domain.SKUKey{OutletID: outletID, ProductID: productID})
	if err != nil {
		t.Fatalf("get stock item: %v", err)
	}
	if item.Quantity != 0 {
		t.Fatalf("expected stock floored at 0, got %d", item.Quantity)
	}

	history, err := s.ListAdjustments(ctx, domain.SKUKey{OutletID: outletID, ProductID: productID})
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	sum := 0
	for _, adj := range history {
		sum += adj.AppliedDelta
	}
	if sum != item.Quantity || len(history) != 9 {
		t.Fatalf("expected 9 entries summing to %d, got %d entries summing to %d", item.Quantity, len(history), sum)
	}

	dup, err := s.ApplyAdjustment(ctx, domain.StockAdjustment{
		OutletID: outletID, ProductID: productID, Delta: 5, Reason: domain.ReasonManual, SourceID: "seed",
	})
	if err != nil {
		t.Fatalf("replay seed: %v", err)
	}
	if !dup.Duplicate || dup.Item.Quantity != 0 {
		t.Fatalf("expected duplicate replay with unchanged stock, got %+v", dup)
	}
}

func TestNextSequenceIsAtomic(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	outletID := fmt.Sprintf("outlet-seq-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM document_sequences WHERE outlet_id = $1`, outletID)
	})

	const workers = 10
	seen := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, err := s.NextSequence(ctx, outletID, "INV", "2610")
			if err != nil {
				t.Errorf("next sequence: %v", err)
				return
			}
			seen <- value
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[int64]bool{}
	for value := range seen {
		if unique[value] {
			t.Fatalf("sequence value %d issued twice", value)
		}
		unique[value] = true
	}
	if len(unique) != workers {
		t.Fatalf("expected %d distinct values, got %d", workers, len(unique))
	}
}

func TestAppendPointTransactionRejectsSecondEarn(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	stamp := time.Now().UnixNano()
	customerID := fmt.Sprintf("cust-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM point_transactions WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
	})

	if _, err := s.CreateCustomer(ctx, domain.Customer{ID: customerID, OutletID: "outlet-it", Name: "Pelanggan IT"}); err != nil {
		t.Fatalf("create customer: %v", err)
	}
	earn := domain.PointTransaction{
		CustomerID: customerID, OutletID: "outlet-it", TransactionID: "tx-it", Type: domain.PointTypeEarn, Points: 7, SpentCents: 7000,
	}
	customer, err := s.AppendPointTransaction(ctx, earn)
	if err != nil {
		t.Fatalf("earn: %v", err)
	}
	if customer.Points != 7 || customer.TotalSpentCents != 7000 {
		t.Fatalf("unexpected customer %+v", customer)
	}
	if _, err := s.AppendPointTransaction(ctx, earn); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate earn, got %v", err)
	}
	if _, err := s.AppendPointTransaction(ctx, domain.PointTransaction{
		CustomerID: customerID, OutletID: "outlet-it", Type: domain.PointTypeRedeem, Points: -8,
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected overdraw to fail, got %v", err)
	}
}

func TestApplyReceivedCostOncePerLine(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-cost-it-%d", stamp)
	outletID := fmt.Sprintf("outlet-cost-it-%d", stamp)
	poID := fmt.Sprintf("po-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_order_items WHERE purchase_order_id = $1`, poID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchase_orders WHERE id = $1`, poID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.UpsertProduct(ctx, domain.Product{
		ID: productID, SKU: "SKU-" + productID, Name: "Produk IT", PriceCents: 1000, CostCents: 700, TracksStock: true, Active: true,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	if _, err := s.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		ID: poID, OutletID: outletID, SupplierID: "sup-it", InvoiceNumber: "PO-IT-" + poID, Status: domain.POStatusOrdered,
		Items:      []domain.PurchaseOrderItem{{ProductID: productID, Qty: 3, CostPriceCents: 650}},
		TotalCents: 1950, OrderDate: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create purchase order: %v", err)
	}

	applied, err := s.ApplyReceivedCost(ctx, poID, 1, 650)
	if err != nil || !applied {
		t.Fatalf("expected first apply to write, got applied=%v err=%v", applied, err)
	}
	applied, err = s.ApplyReceivedCost(ctx, poID, 1, 999)
	if err != nil || applied {
		t.Fatalf("expected second apply to be skipped, got applied=%v err=%v", applied, err)
	}
	products, err := s.GetProductsByIDs(ctx, []string{productID})
	if err != nil {
		t.Fatalf("load product: %v", err)
	}
	if products[productID].CostCents != 650 {
		t.Fatalf("expected cost 650, got %d", products[productID].CostCents)
	}
	po, err := s.GetPurchaseOrder(ctx, poID)
	if err != nil || !po.Items[0].CostApplied {
		t.Fatalf("expected line marked, got %+v err=%v", po, err)
	}
	if _, err := s.ApplyReceivedCost(ctx, poID, 2, 650); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for missing line, got %v", err)
	}
}
