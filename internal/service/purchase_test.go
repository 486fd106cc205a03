package service

import (
	"errors"
	"sync"
	"testing"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func createTestPurchaseOrder(t *testing.T, svc *Service) domain.PurchaseOrder {
	t.Helper()
	po, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		OutletID:   testOutlet,
		SupplierID: "sup-sembako",
		Items: []domain.PurchaseOrderItem{
			{ProductID: "prod-gula", Qty: 10, CostPriceCents: 500},
			{ProductID: "prod-air", Qty: 4, CostPriceCents: 1200},
		},
	})
	if err != nil {
		t.Fatalf("create purchase order failed: %v", err)
	}
	return po
}

func TestPurchaseOrderReceiveOnce(t *testing.T) {
	svc, _ := newTestService(t)

	po := createTestPurchaseOrder(t, svc)
	if po.TotalCents != 9800 || po.Status != domain.POStatusDraft {
		t.Fatalf("expected draft with total 9800, got status=%s total=%d", po.Status, po.TotalCents)
	}
	if po.InvoiceNumber != "PO-26100001" {
		t.Fatalf("expected PO-26100001, got %s", po.InvoiceNumber)
	}

	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, po.ID); err != nil {
		t.Fatalf("mark ordered failed: %v", err)
	}
	received, err := svc.ReceivePurchaseOrder(adminCtx(), testOutlet, po.ID)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if received.PurchaseOrder.Status != domain.POStatusReceived || received.PurchaseOrder.ReceivedAt == nil {
		t.Fatalf("expected received with timestamp, got %+v", received.PurchaseOrder)
	}
	if len(received.Adjustments) != 2 {
		t.Fatalf("expected two receipt adjustments, got %d", len(received.Adjustments))
	}
	if got := stockOf(t, svc, "prod-gula", ""); got != 130 {
		t.Fatalf("expected gula 130, got %d", got)
	}
	if got := stockOf(t, svc, "prod-air", ""); got != 124 {
		t.Fatalf("expected air 124, got %d", got)
	}

	_, err = svc.ReceivePurchaseOrder(adminCtx(), testOutlet, po.ID)
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed on second receive, got %v", err)
	}
	if got := stockOf(t, svc, "prod-gula", ""); got != 130 {
		t.Fatalf("expected stock unchanged after second receive, got %d", got)
	}
}

func TestPurchaseOrderConcurrentReceive(t *testing.T) {
	svc, _ := newTestService(t)
	po := createTestPurchaseOrder(t, svc)
	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, po.ID); err != nil {
		t.Fatalf("mark ordered failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for idx := range errs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = svc.ReceivePurchaseOrder(adminCtx(), testOutlet, po.ID)
		}(idx)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrAlreadyProcessed):
		default:
			t.Fatalf("unexpected receive error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful receive, got %d", succeeded)
	}
	if got := stockOf(t, svc, "prod-gula", ""); got != 130 {
		t.Fatalf("expected stock added once, got %d", got)
	}
}

func TestPurchaseOrderStateMachine(t *testing.T) {
	svc, _ := newTestService(t)

	draft := createTestPurchaseOrder(t, svc)
	if _, err := svc.ReceivePurchaseOrder(adminCtx(), testOutlet, draft.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition receiving a draft, got %v", err)
	}
	if _, err := svc.CancelPurchaseOrder(adminCtx(), testOutlet, draft.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := svc.CancelPurchaseOrder(adminCtx(), testOutlet, draft.ID); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed on second cancel, got %v", err)
	}
	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, draft.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition out of cancelled, got %v", err)
	}

	ordered := createTestPurchaseOrder(t, svc)
	if ordered.InvoiceNumber != "PO-26100002" {
		t.Fatalf("expected second PO number, got %s", ordered.InvoiceNumber)
	}
	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, ordered.ID); err != nil {
		t.Fatalf("mark ordered failed: %v", err)
	}
	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, ordered.ID); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed on second mark, got %v", err)
	}
	if _, err := svc.CancelPurchaseOrder(adminCtx(), testOutlet, ordered.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition cancelling an ordered PO, got %v", err)
	}
	if _, err := svc.MarkPurchaseOrderOrdered(cashierCtx(), testOutlet, ordered.ID); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected cashier transition to be unauthorized, got %v", err)
	}

	list, err := svc.ListPurchaseOrders(adminCtx(), testOutlet, domain.POStatusOrdered, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list.PurchaseOrders) != 1 || list.PurchaseOrders[0].ID != ordered.ID {
		t.Fatalf("expected only the ordered PO, got %+v", list.PurchaseOrders)
	}
}

func TestCreatePurchaseOrderValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  domain.PurchaseOrderCreateRequest
	}{
		{"missing supplier", domain.PurchaseOrderCreateRequest{OutletID: testOutlet, Items: []domain.PurchaseOrderItem{{ProductID: "prod-gula", Qty: 1}}}},
		{"no items", domain.PurchaseOrderCreateRequest{OutletID: testOutlet, SupplierID: "sup-1"}},
		{"unknown product", domain.PurchaseOrderCreateRequest{OutletID: testOutlet, SupplierID: "sup-1", Items: []domain.PurchaseOrderItem{{ProductID: "prod-ghost", Qty: 1}}}},
		{"conflicting costs", domain.PurchaseOrderCreateRequest{OutletID: testOutlet, SupplierID: "sup-1", Items: []domain.PurchaseOrderItem{
			{ProductID: "prod-gula", Qty: 1, CostPriceCents: 100},
			{ProductID: "prod-gula", Qty: 1, CostPriceCents: 200},
		}}},
	}
	for _, tc := range cases {
		if _, err := svc.CreatePurchaseOrder(adminCtx(), tc.req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestReceiveUpdatesCostPrice(t *testing.T) {
	svc, repo := newTestService(t)
	po := createTestPurchaseOrder(t, svc)
	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, po.ID); err != nil {
		t.Fatalf("mark ordered failed: %v", err)
	}
	if _, err := svc.ReceivePurchaseOrder(adminCtx(), testOutlet, po.ID); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	products, err := repo.GetProductsByIDs(adminCtx(), []string{"prod-gula"})
	if err != nil {
		t.Fatalf("load product failed: %v", err)
	}
	if products["prod-gula"].CostCents != 500 {
		t.Fatalf("expected last cost 500, got %d", products["prod-gula"].CostCents)
	}
}

func TestReceiveWeightedAverageCost(t *testing.T) {
	opts := DefaultOptions()
	opts.CostPolicy = domain.CostPolicyWeightedAverage
	svc, repo := newTestServiceWithOptions(t, opts)

	po := createTestPurchaseOrder(t, svc)
	if _, err := svc.MarkPurchaseOrderOrdered(adminCtx(), testOutlet, po.ID); err != nil {
		t.Fatalf("mark ordered failed: %v", err)
	}
	if _, err := svc.ReceivePurchaseOrder(adminCtx(), testOutlet, po.ID); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	products, err := repo.GetProductsByIDs(adminCtx(), []string{"prod-gula"})
	if err != nil {
		t.Fatalf("load product failed: %v", err)
	}
	// (120*15300 + 10*500) / 130
	if products["prod-gula"].CostCents != 14162 {
		t.Fatalf("expected weighted cost 14162, got %d", products["prod-gula"].CostCents)
	}
}

func TestWeightedCostCents(t *testing.T) {
	cases := []struct {
		oldQty       int
		oldCost      int64
		receivedQty  int
		receivedCost int64
		want         int64
	}{
		{0, 900, 10, 500, 500},
		{10, 1000, 10, 2000, 1500},
		{3, 100, 1, 101, 100},
		{-4, 100, 2, 300, 300},
	}
	for _, tc := range cases {
		if got := weightedCostCents(tc.oldQty, tc.oldCost, tc.receivedQty, tc.receivedCost); got != tc.want {
			t.Fatalf("weightedCostCents(%d, %d, %d, %d) = %d, want %d", tc.oldQty, tc.oldCost, tc.receivedQty, tc.receivedCost, got, tc.want)
		}
	}
}
