package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrder{}, err
	}
	outletID, err := requireOutlet(req.OutletID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	supplierID := strings.TrimSpace(req.SupplierID)
	if supplierID == "" {
		return domain.PurchaseOrder{}, validationError("supplier id is required")
	}
	items, err := normalizePurchaseItems(req.Items)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.validatePurchaseItems(ctx, items); err != nil {
		return domain.PurchaseOrder{}, err
	}

	total := int64(0)
	for _, item := range items {
		total += int64(item.Qty) * item.CostPriceCents
	}

	now := s.now()
	orderDate := now
	if req.OrderDate != nil && !req.OrderDate.IsZero() {
		orderDate = req.OrderDate.UTC()
	}
	invoice, err := s.nextDocumentNumber(ctx, outletID, "PO", orderDate)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	created, err := s.repo.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		ID:            xid.New("po"),
		OutletID:      outletID,
		SupplierID:    supplierID,
		InvoiceNumber: invoice,
		Status:        domain.POStatusDraft,
		Items:         items,
		TotalCents:    total,
		Notes:         strings.TrimSpace(req.Notes),
		OrderDate:     orderDate,
		CreatedBy:     actorName(ctx),
		CreatedAt:     now,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.PurchaseOrder{}, fmt.Errorf("purchase order number %s already used: %w", invoice, store.ErrInternal)
		}
		return domain.PurchaseOrder{}, wrapStoreErr("create purchase order", err)
	}
	s.metrics.ObserveTransition("purchase_order", domain.POStatusDraft, "ok")
	s.logAudit(ctx, outletID, "purchase_order_create", "purchase_order", created.ID,
		fmt.Sprintf("invoice=%s,supplier=%s,total=%d,lines=%d", created.InvoiceNumber, supplierID, total, len(items)))
	return *created, nil
}

func normalizePurchaseItems(items []domain.PurchaseOrderItem) ([]domain.PurchaseOrderItem, error) {
	if len(items) == 0 {
		return nil, validationError("purchase order must have at least one item")
	}
	merged := make([]domain.PurchaseOrderItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.VariantID = strings.TrimSpace(item.VariantID)
		item.CostApplied = false
		if item.ProductID == "" {
			return nil, validationError("product id is required")
		}
		if item.Qty < 1 {
			return nil, validationError("quantity must be positive for product %s", item.ProductID)
		}
		if item.CostPriceCents < 0 {
			return nil, validationError("cost price must not be negative for product %s", item.ProductID)
		}
		key := item.ProductID + "|" + item.VariantID
		if idx, ok := index[key]; ok {
			if merged[idx].CostPriceCents != item.CostPriceCents {
				return nil, validationError("conflicting cost prices for product %s", item.ProductID)
			}
			merged[idx].Qty += item.Qty
			continue
		}
		index[key] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func (s *Service) validatePurchaseItems(ctx context.Context, items []domain.PurchaseOrderItem) error {
	productIDs := make([]string, 0, len(items))
	variantIDs := make([]string, 0)
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
		if item.VariantID != "" {
			variantIDs = append(variantIDs, item.VariantID)
		}
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return wrapStoreErr("load products", err)
	}
	variants := map[string]domain.ProductVariant{}
	if len(variantIDs) > 0 {
		if variants, err = s.repo.GetVariantsByIDs(ctx, variantIDs); err != nil {
			return wrapStoreErr("load variants", err)
		}
	}
	for _, item := range items {
		if _, ok := products[item.ProductID]; !ok {
			return validationError("unknown product %s", item.ProductID)
		}
		if item.VariantID != "" {
			if v, ok := variants[item.VariantID]; !ok || v.ProductID != item.ProductID {
				return validationError("unknown variant %s for product %s", item.VariantID, item.ProductID)
			}
		}
	}
	return nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, outletID string, id string) (domain.PurchaseOrder, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	po, err := s.purchaseOrderForOutlet(ctx, outletID, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *po, nil
}

func (s *Service) purchaseOrderForOutlet(ctx context.Context, outletID string, id string) (*domain.PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, wrapStoreErr("get purchase order", err)
	}
	if po.OutletID != outletID {
		return nil, fmt.Errorf("purchase order %s: %w", id, store.ErrNotFound)
	}
	return po, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, outletID string, status string, limit int) (domain.PurchaseOrderListResponse, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.PurchaseOrderListResponse{}, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.POStatusDraft, domain.POStatusOrdered, domain.POStatusReceived, domain.POStatusCancelled:
	default:
		return domain.PurchaseOrderListResponse{}, validationError("unknown purchase order status %s", status)
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	orders, err := s.repo.ListPurchaseOrders(ctx, outletID, status, limit)
	if err != nil {
		return domain.PurchaseOrderListResponse{}, wrapStoreErr("list purchase orders", err)
	}
	return domain.PurchaseOrderListResponse{PurchaseOrders: orders}, nil
}

func (s *Service) MarkPurchaseOrderOrdered(ctx context.Context, outletID string, id string) (domain.PurchaseOrder, error) {
	return s.simpleTransition(ctx, outletID, id, domain.POStatusDraft, domain.POStatusOrdered, "purchase_order_ordered")
}

func (s *Service) CancelPurchaseOrder(ctx context.Context, outletID string, id string) (domain.PurchaseOrder, error) {
	return s.simpleTransition(ctx, outletID, id, domain.POStatusDraft, domain.POStatusCancelled, "purchase_order_cancel")
}

func (s *Service) simpleTransition(ctx context.Context, outletID string, id string, from string, to string, action string) (domain.PurchaseOrder, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrder{}, err
	}
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	po, err := s.purchaseOrderForOutlet(ctx, outletID, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	updated, err := s.transitionPurchaseOrder(ctx, po, from, to)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.logAudit(ctx, outletID, action, "purchase_order", updated.ID, fmt.Sprintf("invoice=%s,from=%s,to=%s", updated.InvoiceNumber, from, to))
	return *updated, nil
}

// checkTransition classifies a status that does not allow from -> to.
func checkTransition(po *domain.PurchaseOrder, from string, to string) error {
	switch po.Status {
	case from:
		return nil
	case to:
		return fmt.Errorf("purchase order %s is already %s: %w", po.ID, to, store.ErrAlreadyProcessed)
	default:
		return fmt.Errorf("purchase order %s cannot move from %s to %s: %w", po.ID, po.Status, to, store.ErrInvalidTransition)
	}
}

func (s *Service) transitionPurchaseOrder(ctx context.Context, po *domain.PurchaseOrder, from string, to string) (*domain.PurchaseOrder, error) {
	if err := checkTransition(po, from, to); err != nil {
		s.metrics.ObserveTransition("purchase_order", to, "rejected")
		return nil, err
	}
	updated, err := s.repo.TransitionPurchaseOrder(ctx, po.ID, from, to, s.now())
	if err == nil {
		s.metrics.ObserveTransition("purchase_order", to, "ok")
		return updated, nil
	}
	if !errors.Is(err, store.ErrInvalidTransition) {
		s.metrics.ObserveTransition("purchase_order", to, "error")
		return nil, wrapStoreErr("transition purchase order", err)
	}

	// lost a race; report against the status that won
	current, readErr := s.repo.GetPurchaseOrder(ctx, po.ID)
	if readErr != nil {
		return nil, wrapStoreErr("reload purchase order", readErr)
	}
	s.metrics.ObserveTransition("purchase_order", to, "rejected")
	if checkErr := checkTransition(current, from, to); checkErr != nil {
		return nil, checkErr
	}
	return nil, fmt.Errorf("purchase order %s changed concurrently: %w", po.ID, store.ErrInvalidTransition)
}

// ReceivePurchaseOrder books every line into stock, writes each line's cost
// and only then flips the order to received. A failure leaves the order
// ordered; retrying is safe because receipt adjustments are keyed by the order
// id and each line's cost is marked once written.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, outletID string, id string) (domain.PurchaseOrderResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	unlock := s.locks.Lock("po|" + strings.TrimSpace(id))
	defer unlock()

	po, err := s.purchaseOrderForOutlet(ctx, outletID, id)
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	if err := checkTransition(po, domain.POStatusOrdered, domain.POStatusReceived); err != nil {
		s.metrics.ObserveTransition("purchase_order", domain.POStatusReceived, "rejected")
		return domain.PurchaseOrderResponse{}, err
	}

	adjustments := make([]domain.StockAdjustment, 0, len(po.Items))
	applied := make([]domain.AdjustmentResult, 0, len(po.Items))
	for _, item := range po.Items {
		result, err := s.applyAdjustment(ctx, domain.StockAdjustment{
			OutletID:  po.OutletID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Delta:     item.Qty,
			Reason:    domain.ReasonPurchaseReceipt,
			SourceID:  po.ID,
			Note:      po.InvoiceNumber,
		})
		if err != nil {
			s.metrics.ObserveTransition("purchase_order", domain.POStatusReceived, "error")
			log.Printf("[purchase] WARN: receipt aborted po=%s product=%s variant=%s: %v", po.ID, item.ProductID, item.VariantID, err)
			return domain.PurchaseOrderResponse{}, fmt.Errorf("receive purchase order %s: %w: %w", po.ID, store.ErrInternal, err)
		}
		adjustments = append(adjustments, result.Adjustment)
		applied = append(applied, result)
	}

	for idx, item := range po.Items {
		if item.CostApplied {
			continue
		}
		if err := s.applyReceivedCost(ctx, po.ID, idx+1, item, applied[idx].Adjustment); err != nil {
			s.metrics.ObserveTransition("purchase_order", domain.POStatusReceived, "error")
			log.Printf("[purchase] WARN: cost update failed po=%s product=%s variant=%s: %v", po.ID, item.ProductID, item.VariantID, err)
			return domain.PurchaseOrderResponse{}, fmt.Errorf("receive purchase order %s: %w", po.ID, err)
		}
	}

	updated, err := s.transitionPurchaseOrder(ctx, po, domain.POStatusOrdered, domain.POStatusReceived)
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}
	s.logAudit(ctx, outletID, "purchase_order_receive", "purchase_order", updated.ID,
		fmt.Sprintf("invoice=%s,lines=%d,total=%d", updated.InvoiceNumber, len(updated.Items), updated.TotalCents))
	return domain.PurchaseOrderResponse{PurchaseOrder: *updated, Adjustments: adjustments}, nil
}

// applyReceivedCost weighs against the quantity the receipt adjustment saw,
// which is the same on a retry that finds the adjustment already stored.
func (s *Service) applyReceivedCost(ctx context.Context, poID string, lineNo int, item domain.PurchaseOrderItem, receipt domain.StockAdjustment) error {
	cost := item.CostPriceCents
	if s.opts.CostPolicy == domain.CostPolicyWeightedAverage {
		current, err := s.currentCost(ctx, item.ProductID, item.VariantID)
		if err != nil {
			return err
		}
		before := receipt.QuantityAfter - receipt.AppliedDelta
		cost = weightedCostCents(before, current, item.Qty, item.CostPriceCents)
	}
	if _, err := s.repo.ApplyReceivedCost(ctx, poID, lineNo, cost); err != nil {
		return wrapStoreErr("apply received cost", err)
	}
	return nil
}

func (s *Service) currentCost(ctx context.Context, productID string, variantID string) (int64, error) {
	if variantID != "" {
		variants, err := s.repo.GetVariantsByIDs(ctx, []string{variantID})
		if err != nil {
			return 0, wrapStoreErr("load variant", err)
		}
		variant, ok := variants[variantID]
		if !ok {
			return 0, fmt.Errorf("variant %s: %w", variantID, store.ErrNotFound)
		}
		return variant.CostCents, nil
	}
	products, err := s.repo.GetProductsByIDs(ctx, []string{productID})
	if err != nil {
		return 0, wrapStoreErr("load product", err)
	}
	product, ok := products[productID]
	if !ok {
		return 0, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	return product.CostCents, nil
}

// weightedCostCents is (oldQty*oldCost + receivedQty*receivedCost) / (oldQty+receivedQty),
// rounded to the nearest cent.
func weightedCostCents(oldQty int, oldCost int64, receivedQty int, receivedCost int64) int64 {
	if oldQty < 0 {
		oldQty = 0
	}
	totalQty := oldQty + receivedQty
	if totalQty <= 0 {
		return receivedCost
	}
	value := decimal.NewFromInt(int64(oldQty)).Mul(decimal.NewFromInt(oldCost)).
		Add(decimal.NewFromInt(int64(receivedQty)).Mul(decimal.NewFromInt(receivedCost)))
	return value.Div(decimal.NewFromInt(int64(totalQty))).Round(0).IntPart()
}
