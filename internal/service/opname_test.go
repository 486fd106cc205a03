package service

import (
	"errors"
	"testing"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func TestOpnameFinalizeEmitsCorrection(t *testing.T) {
	svc, _ := newTestService(t)
	setStock(t, svc, "prod-roti", "", 20)

	session, err := svc.CreateOpnameSession(adminCtx(), domain.OpnameCreateRequest{
		OutletID:   testOutlet,
		ProductIDs: []string{"prod-roti"},
	})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if len(session.Items) != 1 || session.Items[0].SystemStock != 20 {
		t.Fatalf("expected one item with system stock 20, got %+v", session.Items)
	}

	counted, err := svc.RecordOpnameCounts(adminCtx(), testOutlet, session.ID, domain.OpnameCountRequest{
		Counts: []domain.OpnameCount{{ItemID: session.Items[0].ID, ActualStock: 17}},
	})
	if err != nil {
		t.Fatalf("record counts failed: %v", err)
	}
	if diff := counted.Items[0].Difference; diff == nil || *diff != -3 {
		t.Fatalf("expected difference -3, got %v", diff)
	}
	if got := stockOf(t, svc, "prod-roti", ""); got != 20 {
		t.Fatalf("expected counting to leave stock alone, got %d", got)
	}

	finalized, err := svc.FinalizeOpnameSession(adminCtx(), testOutlet, session.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if len(finalized.Corrections) != 1 || finalized.Corrections[0].Delta != -3 {
		t.Fatalf("expected one -3 correction, got %+v", finalized.Corrections)
	}
	if finalized.Corrections[0].Reason != domain.ReasonOpnameCorrection {
		t.Fatalf("expected opname-correction reason, got %s", finalized.Corrections[0].Reason)
	}
	if finalized.Session.Status != domain.OpnameStatusCompleted || finalized.Session.CompletedAt == nil {
		t.Fatalf("expected completed session, got %+v", finalized.Session)
	}
	if got := stockOf(t, svc, "prod-roti", ""); got != 17 {
		t.Fatalf("expected stock 17, got %d", got)
	}

	if _, err := svc.FinalizeOpnameSession(adminCtx(), testOutlet, session.ID); !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	_, err = svc.RecordOpnameCounts(adminCtx(), testOutlet, session.ID, domain.OpnameCountRequest{
		Counts: []domain.OpnameCount{{ItemID: session.Items[0].ID, ActualStock: 1}},
	})
	if !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected counts on completed session to fail, got %v", err)
	}
	if got := stockOf(t, svc, "prod-roti", ""); got != 17 {
		t.Fatalf("expected stock unchanged after re-finalize, got %d", got)
	}
}

func TestOpnameSkipsUncountedItems(t *testing.T) {
	svc, _ := newTestService(t)

	session, err := svc.CreateOpnameSession(adminCtx(), domain.OpnameCreateRequest{OutletID: testOutlet})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	// six tracked base SKUs plus the two kopi variants
	if len(session.Items) != 8 {
		t.Fatalf("expected 8 tracked items, got %d", len(session.Items))
	}

	var target domain.OpnameItem
	for _, item := range session.Items {
		if item.VariantID == "var-kopi-hitam" {
			target = item
		}
	}
	if target.ID == "" {
		t.Fatalf("expected variant item in full scope")
	}
	if _, err := svc.RecordOpnameCounts(adminCtx(), testOutlet, session.ID, domain.OpnameCountRequest{
		Counts: []domain.OpnameCount{{ItemID: target.ID, ActualStock: 64}},
	}); err != nil {
		t.Fatalf("record counts failed: %v", err)
	}

	finalized, err := svc.FinalizeOpnameSession(adminCtx(), testOutlet, session.ID)
	if err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if len(finalized.Corrections) != 1 || len(finalized.SkippedItems) != 7 {
		t.Fatalf("expected 1 correction and 7 skipped, got %d and %d", len(finalized.Corrections), len(finalized.SkippedItems))
	}
	if got := stockOf(t, svc, "prod-kopi", "var-kopi-hitam"); got != 64 {
		t.Fatalf("expected variant stock 64, got %d", got)
	}
	if got := stockOf(t, svc, "prod-mie", ""); got != 120 {
		t.Fatalf("expected uncounted item untouched, got %d", got)
	}
}

func TestOpnameListedProductWithoutStock(t *testing.T) {
	svc, repo := newTestService(t)
	if _, err := repo.UpsertProduct(adminCtx(), domain.Product{
		ID: "prod-baru", SKU: "SKU-BARU-01", Name: "Produk Baru", PriceCents: 1000, TracksStock: true, Active: true,
	}); err != nil {
		t.Fatalf("upsert product failed: %v", err)
	}

	session, err := svc.CreateOpnameSession(adminCtx(), domain.OpnameCreateRequest{
		OutletID:   testOutlet,
		ProductIDs: []string{"prod-baru", "prod-bungkus"},
	})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if len(session.Items) != 1 || session.Items[0].ProductID != "prod-baru" || session.Items[0].SystemStock != 0 {
		t.Fatalf("expected only the new tracked product at zero, got %+v", session.Items)
	}

	if _, err := svc.RecordOpnameCounts(adminCtx(), testOutlet, session.ID, domain.OpnameCountRequest{
		Counts: []domain.OpnameCount{{ItemID: session.Items[0].ID, ActualStock: 9}},
	}); err != nil {
		t.Fatalf("record counts failed: %v", err)
	}
	if _, err := svc.FinalizeOpnameSession(adminCtx(), testOutlet, session.ID); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if got := stockOf(t, svc, "prod-baru", ""); got != 9 {
		t.Fatalf("expected lazily created stock 9, got %d", got)
	}
}

func TestOpnameValidation(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateOpnameSession(cashierCtx(), domain.OpnameCreateRequest{OutletID: testOutlet}); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected cashier to be unauthorized, got %v", err)
	}
	if _, err := svc.CreateOpnameSession(adminCtx(), domain.OpnameCreateRequest{OutletID: testOutlet, ProductIDs: []string{"prod-ghost"}}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown product, got %v", err)
	}

	session, err := svc.CreateOpnameSession(adminCtx(), domain.OpnameCreateRequest{OutletID: testOutlet, ProductIDs: []string{"prod-mie"}})
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	_, err = svc.RecordOpnameCounts(adminCtx(), testOutlet, session.ID, domain.OpnameCountRequest{
		Counts: []domain.OpnameCount{{ItemID: "opi-unknown", ActualStock: 3}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown item, got %v", err)
	}
	_, err = svc.RecordOpnameCounts(adminCtx(), testOutlet, session.ID, domain.OpnameCountRequest{
		Counts: []domain.OpnameCount{{ItemID: session.Items[0].ID, ActualStock: -1}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative count, got %v", err)
	}
	if _, err := svc.GetOpnameSession(adminCtx(), "branch-2", session.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found from another outlet, got %v", err)
	}
}
