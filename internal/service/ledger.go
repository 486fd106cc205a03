package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// ApplyAdjustment is the only way stock moves. The store applies it as one
// atomic step per StockItem; repeating the same (reason, source, product,
// variant) is a no-op reported as Duplicate.
func (s *Service) ApplyAdjustment(ctx context.Context, adj domain.StockAdjustment) (domain.AdjustmentResult, error) {
	outletID, err := requireOutlet(adj.OutletID)
	if err != nil {
		return domain.AdjustmentResult{}, err
	}
	adj.OutletID = outletID
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.applyAdjustment(ctx, adj)
}

func (s *Service) applyAdjustment(ctx context.Context, adj domain.StockAdjustment) (domain.AdjustmentResult, error) {
	adj.ProductID = strings.TrimSpace(adj.ProductID)
	adj.VariantID = strings.TrimSpace(adj.VariantID)
	adj.SourceID = strings.TrimSpace(adj.SourceID)
	if !adj.Reason.Valid() {
		return domain.AdjustmentResult{}, validationError("unknown adjustment reason %q", adj.Reason)
	}
	if adj.ProductID == "" || adj.SourceID == "" {
		return domain.AdjustmentResult{}, validationError("product id and source id are required")
	}
	if adj.CreatedBy == "" {
		adj.CreatedBy = actorName(ctx)
	}

	result, err := s.repo.ApplyAdjustment(ctx, adj)
	if err != nil {
		s.metrics.ObserveAdjustment(string(adj.Reason), "error")
		return domain.AdjustmentResult{}, wrapStoreErr("apply stock adjustment", err)
	}

	switch {
	case result.Duplicate:
		s.metrics.ObserveAdjustment(string(adj.Reason), "duplicate")
		return result, nil
	case result.NotTracked:
		s.metrics.ObserveAdjustment(string(adj.Reason), "not_tracked")
	case result.Clamped:
		s.metrics.ObserveAdjustment(string(adj.Reason), "clamped")
		s.metrics.ObserveClamp(string(adj.Reason))
		log.Printf("[ledger] WARN: stock floor clamp outlet=%s product=%s variant=%s reason=%s source=%s requested=%d applied=%d",
			adj.OutletID, adj.ProductID, adj.VariantID, adj.Reason, adj.SourceID, adj.Delta, result.Adjustment.AppliedDelta)
	default:
		s.metrics.ObserveAdjustment(string(adj.Reason), "applied")
	}

	if err := s.stockCache.Invalidate(ctx, adj.OutletID); err != nil {
		log.Printf("[ledger] WARN: stock cache invalidate failed outlet=%s: %v", adj.OutletID, err)
	}
	return result, nil
}

// AdjustStockManual books a signed manual correction. A caller-supplied
// source id makes retries safe.
func (s *Service) AdjustStockManual(ctx context.Context, req domain.ManualAdjustmentRequest) (domain.AdjustmentResult, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.AdjustmentResult{}, err
	}
	outletID, err := requireOutlet(req.OutletID)
	if err != nil {
		return domain.AdjustmentResult{}, err
	}
	if req.Delta == 0 {
		return domain.AdjustmentResult{}, validationError("delta must not be zero")
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		return domain.AdjustmentResult{}, validationError("note is required for manual adjustments")
	}
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		sourceID = xid.New("man")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	result, err := s.applyAdjustment(ctx, domain.StockAdjustment{
		OutletID:  outletID,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Delta:     req.Delta,
		Reason:    domain.ReasonManual,
		SourceID:  sourceID,
		Note:      note,
	})
	if err != nil {
		return domain.AdjustmentResult{}, err
	}
	if !result.Duplicate {
		s.logAudit(ctx, outletID, "stock_manual_adjust", "stock_item", req.ProductID,
			fmt.Sprintf("variant=%s,delta=%d,applied=%d,source=%s", req.VariantID, req.Delta, result.Adjustment.AppliedDelta, sourceID))
	}
	return result, nil
}

// GetStock returns the current snapshot. A SKU that was never adjusted reads
// as zero quantity without being persisted.
func (s *Service) GetStock(ctx context.Context, outletID string, productID string, variantID string) (domain.StockItem, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.StockItem{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	key := domain.SKUKey{OutletID: outletID, ProductID: strings.TrimSpace(productID), VariantID: strings.TrimSpace(variantID)}
	item, err := s.repo.GetStockItem(ctx, key)
	if err == nil {
		return *item, nil
	}
	if !isNotFound(err) {
		return domain.StockItem{}, wrapStoreErr("get stock item", err)
	}

	product, err := s.resolveSKU(ctx, key)
	if err != nil {
		return domain.StockItem{}, err
	}
	return domain.StockItem{
		OutletID:    outletID,
		ProductID:   key.ProductID,
		VariantID:   key.VariantID,
		TracksStock: product.TracksStock,
	}, nil
}

func (s *Service) resolveSKU(ctx context.Context, key domain.SKUKey) (domain.Product, error) {
	products, err := s.repo.GetProductsByIDs(ctx, []string{key.ProductID})
	if err != nil {
		return domain.Product{}, wrapStoreErr("load product", err)
	}
	product, ok := products[key.ProductID]
	if !ok {
		return domain.Product{}, fmt.Errorf("product %s: %w", key.ProductID, store.ErrNotFound)
	}
	if key.VariantID != "" {
		variants, err := s.repo.GetVariantsByIDs(ctx, []string{key.VariantID})
		if err != nil {
			return domain.Product{}, wrapStoreErr("load variant", err)
		}
		if v, ok := variants[key.VariantID]; !ok || v.ProductID != key.ProductID {
			return domain.Product{}, fmt.Errorf("variant %s: %w", key.VariantID, store.ErrNotFound)
		}
	}
	return product, nil
}

func (s *Service) ListStock(ctx context.Context, outletID string) (domain.StockListResponse, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.StockListResponse{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if items, hit, err := s.stockCache.Get(ctx, outletID); err != nil {
		log.Printf("[ledger] WARN: stock cache read failed outlet=%s: %v", outletID, err)
	} else if hit {
		return domain.StockListResponse{OutletID: outletID, Items: items, Cached: true}, nil
	}

	items, err := s.repo.ListStockItems(ctx, outletID, nil)
	if err != nil {
		return domain.StockListResponse{}, wrapStoreErr("list stock", err)
	}
	if err := s.stockCache.Set(ctx, outletID, items, s.opts.StockCacheTTL); err != nil {
		log.Printf("[ledger] WARN: stock cache write failed outlet=%s: %v", outletID, err)
	}
	return domain.StockListResponse{OutletID: outletID, Items: items}, nil
}

func (s *Service) ListAdjustments(ctx context.Context, outletID string, productID string, variantID string) ([]domain.StockAdjustment, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	adjustments, err := s.repo.ListAdjustments(ctx, domain.SKUKey{
		OutletID:  outletID,
		ProductID: strings.TrimSpace(productID),
		VariantID: strings.TrimSpace(variantID),
	})
	if err != nil {
		return nil, wrapStoreErr("list adjustments", err)
	}
	return adjustments, nil
}

// ReconcileStock replays the adjustment history of one SKU and compares it
// with the stored quantity.
func (s *Service) ReconcileStock(ctx context.Context, outletID string, productID string, variantID string) (domain.StockReconciliation, error) {
	item, err := s.GetStock(ctx, outletID, productID, variantID)
	if err != nil {
		return domain.StockReconciliation{}, err
	}
	adjustments, err := s.ListAdjustments(ctx, outletID, productID, variantID)
	if err != nil {
		return domain.StockReconciliation{}, err
	}

	replayed := replayQuantity(adjustments)
	rec := domain.StockReconciliation{
		Item:           item,
		LedgerQuantity: replayed,
		Adjustments:    len(adjustments),
		Consistent:     replayed == item.Quantity,
	}
	if !rec.Consistent {
		log.Printf("[ledger] WARN: ledger drift outlet=%s product=%s variant=%s stored=%d replayed=%d",
			item.OutletID, item.ProductID, item.VariantID, item.Quantity, replayed)
	}
	return rec, nil
}

func replayQuantity(adjustments []domain.StockAdjustment) int {
	qty := 0
	for _, adj := range adjustments {
		qty += adj.AppliedDelta
	}
	return qty
}
