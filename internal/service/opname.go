package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// CreateOpnameSession snapshots the system quantity of every SKU in scope.
// An empty product list means every tracked SKU the outlet holds.
func (s *Service) CreateOpnameSession(ctx context.Context, req domain.OpnameCreateRequest) (domain.OpnameSession, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.OpnameSession{}, err
	}
	outletID, err := requireOutlet(req.OutletID)
	if err != nil {
		return domain.OpnameSession{}, err
	}
	productIDs := make([]string, 0, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(productIDs, id) {
			productIDs = append(productIDs, id)
		}
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	var products map[string]domain.Product
	if len(productIDs) > 0 {
		products, err = s.repo.GetProductsByIDs(ctx, productIDs)
		if err != nil {
			return domain.OpnameSession{}, wrapStoreErr("load products", err)
		}
		for _, id := range productIDs {
			if _, ok := products[id]; !ok {
				return domain.OpnameSession{}, validationError("unknown product %s", id)
			}
		}
	}

	stockItems, err := s.repo.ListStockItems(ctx, outletID, productIDs)
	if err != nil {
		return domain.OpnameSession{}, wrapStoreErr("list stock", err)
	}

	items := make([]domain.OpnameItem, 0, len(stockItems))
	seen := make(map[string]bool, len(stockItems))
	for _, stock := range stockItems {
		if !stock.TracksStock {
			continue
		}
		seen[stock.ProductID] = true
		items = append(items, domain.OpnameItem{
			ID:          xid.New("opi"),
			ProductID:   stock.ProductID,
			VariantID:   stock.VariantID,
			SystemStock: stock.Quantity,
		})
	}
	// listed products that were never stocked are counted against zero
	for _, id := range productIDs {
		if seen[id] || !products[id].TracksStock {
			continue
		}
		items = append(items, domain.OpnameItem{ID: xid.New("opi"), ProductID: id})
	}
	if len(items) == 0 {
		return domain.OpnameSession{}, validationError("no tracked stock in scope")
	}

	created, err := s.repo.CreateOpnameSession(ctx, domain.OpnameSession{
		ID:        xid.New("opn"),
		OutletID:  outletID,
		Status:    domain.OpnameStatusDraft,
		Notes:     strings.TrimSpace(req.Notes),
		Items:     items,
		CreatedBy: actorName(ctx),
		CreatedAt: s.now(),
	})
	if err != nil {
		return domain.OpnameSession{}, wrapStoreErr("create opname session", err)
	}
	s.metrics.ObserveTransition("opname", domain.OpnameStatusDraft, "ok")
	s.logAudit(ctx, outletID, "opname_create", "opname_session", created.ID, fmt.Sprintf("items=%d", len(items)))
	return *created, nil
}

func (s *Service) GetOpnameSession(ctx context.Context, outletID string, id string) (domain.OpnameSession, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.OpnameSession{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	session, err := s.opnameForOutlet(ctx, outletID, id)
	if err != nil {
		return domain.OpnameSession{}, err
	}
	return *session, nil
}

func (s *Service) opnameForOutlet(ctx context.Context, outletID string, id string) (*domain.OpnameSession, error) {
	session, err := s.repo.GetOpnameSession(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, wrapStoreErr("get opname session", err)
	}
	if session.OutletID != outletID {
		return nil, fmt.Errorf("opname session %s: %w", id, store.ErrNotFound)
	}
	return session, nil
}

// RecordOpnameCounts stores counted quantities for a draft session. It never
// touches stock.
func (s *Service) RecordOpnameCounts(ctx context.Context, outletID string, sessionID string, req domain.OpnameCountRequest) (domain.OpnameSession, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.OpnameSession{}, err
	}
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.OpnameSession{}, err
	}
	if len(req.Counts) == 0 {
		return domain.OpnameSession{}, validationError("at least one count is required")
	}
	for _, count := range req.Counts {
		if strings.TrimSpace(count.ItemID) == "" {
			return domain.OpnameSession{}, validationError("item id is required")
		}
		if count.ActualStock < 0 {
			return domain.OpnameSession{}, validationError("actual stock must not be negative for item %s", count.ItemID)
		}
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	// Shares the finalize lock so no count lands between finalize reading the
	// items and completing the session.
	unlock := s.locks.Lock("opname|" + strings.TrimSpace(sessionID))
	defer unlock()

	session, err := s.opnameForOutlet(ctx, outletID, sessionID)
	if err != nil {
		return domain.OpnameSession{}, err
	}
	if session.Status != domain.OpnameStatusDraft {
		return domain.OpnameSession{}, fmt.Errorf("opname session %s is %s: %w", session.ID, session.Status, store.ErrAlreadyFinalized)
	}
	known := make(map[string]bool, len(session.Items))
	for _, item := range session.Items {
		known[item.ID] = true
	}
	for _, count := range req.Counts {
		if !known[strings.TrimSpace(count.ItemID)] {
			return domain.OpnameSession{}, validationError("unknown opname item %s", count.ItemID)
		}
	}

	counts := make([]domain.OpnameCount, 0, len(req.Counts))
	for _, count := range req.Counts {
		counts = append(counts, domain.OpnameCount{ItemID: strings.TrimSpace(count.ItemID), ActualStock: count.ActualStock})
	}
	updated, err := s.repo.RecordOpnameCounts(ctx, session.ID, counts)
	if err != nil {
		return domain.OpnameSession{}, wrapStoreErr("record opname counts", err)
	}
	return *updated, nil
}

// FinalizeOpnameSession emits one correction per counted item and then marks
// the session completed. Uncounted items are skipped, not treated as zero.
func (s *Service) FinalizeOpnameSession(ctx context.Context, outletID string, sessionID string) (domain.OpnameFinalizeResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.OpnameFinalizeResponse{}, err
	}
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.OpnameFinalizeResponse{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	unlock := s.locks.Lock("opname|" + strings.TrimSpace(sessionID))
	defer unlock()

	session, err := s.opnameForOutlet(ctx, outletID, sessionID)
	if err != nil {
		return domain.OpnameFinalizeResponse{}, err
	}
	if session.Status != domain.OpnameStatusDraft {
		s.metrics.ObserveTransition("opname", domain.OpnameStatusCompleted, "rejected")
		return domain.OpnameFinalizeResponse{}, fmt.Errorf("opname session %s is %s: %w", session.ID, session.Status, store.ErrAlreadyFinalized)
	}

	corrections := make([]domain.StockAdjustment, 0, len(session.Items))
	skipped := make([]string, 0)
	for _, item := range session.Items {
		if item.ActualStock == nil || item.Difference == nil {
			skipped = append(skipped, item.ID)
			continue
		}
		result, err := s.applyAdjustment(ctx, domain.StockAdjustment{
			OutletID:  session.OutletID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Delta:     *item.Difference,
			Reason:    domain.ReasonOpnameCorrection,
			SourceID:  session.ID,
			Note:      fmt.Sprintf("system=%d actual=%d", item.SystemStock, *item.ActualStock),
		})
		if err != nil {
			s.metrics.ObserveTransition("opname", domain.OpnameStatusCompleted, "error")
			log.Printf("[opname] WARN: finalize aborted session=%s product=%s variant=%s: %v", session.ID, item.ProductID, item.VariantID, err)
			return domain.OpnameFinalizeResponse{}, fmt.Errorf("finalize opname session %s: %w: %w", session.ID, store.ErrInternal, err)
		}
		corrections = append(corrections, result.Adjustment)
	}

	completed, err := s.repo.CompleteOpnameSession(ctx, session.ID, s.now())
	if err != nil {
		if errors.Is(err, store.ErrAlreadyFinalized) {
			s.metrics.ObserveTransition("opname", domain.OpnameStatusCompleted, "rejected")
		} else {
			s.metrics.ObserveTransition("opname", domain.OpnameStatusCompleted, "error")
		}
		return domain.OpnameFinalizeResponse{}, wrapStoreErr("complete opname session", err)
	}
	s.metrics.ObserveTransition("opname", domain.OpnameStatusCompleted, "ok")
	s.logAudit(ctx, outletID, "opname_finalize", "opname_session", completed.ID,
		fmt.Sprintf("corrections=%d,skipped=%d", len(corrections), len(skipped)))
	return domain.OpnameFinalizeResponse{Session: *completed, Corrections: corrections, SkippedItems: skipped}, nil
}
