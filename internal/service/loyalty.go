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

// EarnedPoints converts a completed sale total into points:
// floor(total / amountPerPoint) * pointsPerAmount.
func EarnedPoints(totalCents int64, settings domain.LoyaltySettings) int64 {
	if !settings.IsEnabled || settings.AmountPerPoint <= 0 || settings.PointsPerAmount <= 0 || totalCents <= 0 {
		return 0
	}
	blocks := decimal.NewFromInt(totalCents).
		Div(decimal.NewFromInt(settings.AmountPerPoint)).
		Floor()
	return blocks.Mul(decimal.NewFromInt(settings.PointsPerAmount)).IntPart()
}

func customerLockKey(customerID string) string {
	return "customer|" + customerID
}

func (s *Service) GetLoyaltySettings(ctx context.Context, outletID string) (domain.LoyaltySettings, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.LoyaltySettings{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.loyaltySettings(ctx, outletID)
}

func (s *Service) loyaltySettings(ctx context.Context, outletID string) (domain.LoyaltySettings, error) {
	settings, err := s.repo.GetLoyaltySettings(ctx, outletID)
	if err == nil {
		return *settings, nil
	}
	if !isNotFound(err) {
		return domain.LoyaltySettings{}, wrapStoreErr("load loyalty settings", err)
	}
	defaults := s.opts.DefaultLoyalty
	defaults.OutletID = outletID
	return defaults, nil
}

func (s *Service) UpdateLoyaltySettings(ctx context.Context, settings domain.LoyaltySettings) (domain.LoyaltySettings, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.LoyaltySettings{}, err
	}
	outletID, err := requireOutlet(settings.OutletID)
	if err != nil {
		return domain.LoyaltySettings{}, err
	}
	if settings.AmountPerPoint < 1 || settings.PointsPerAmount < 1 {
		return domain.LoyaltySettings{}, validationError("amount_per_point and points_per_amount must be positive")
	}
	settings.OutletID = outletID

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.repo.UpsertLoyaltySettings(ctx, settings); err != nil {
		return domain.LoyaltySettings{}, wrapStoreErr("save loyalty settings", err)
	}
	s.logAudit(ctx, outletID, "loyalty_settings_update", "loyalty_settings", outletID,
		fmt.Sprintf("points_per_amount=%d,amount_per_point=%d,enabled=%t", settings.PointsPerAmount, settings.AmountPerPoint, settings.IsEnabled))
	return settings, nil
}

func (s *Service) ListMemberTiers(ctx context.Context, outletID string) ([]domain.MemberTier, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	tiers, err := s.repo.ListMemberTiers(ctx, outletID)
	if err != nil {
		return nil, wrapStoreErr("list member tiers", err)
	}
	return tiers, nil
}

// UpsertMemberTier saves a tier definition. Existing customers keep their
// tier until their next points mutation or reconciliation.
func (s *Service) UpsertMemberTier(ctx context.Context, tier domain.MemberTier) (domain.MemberTier, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.MemberTier{}, err
	}
	outletID, err := requireOutlet(tier.OutletID)
	if err != nil {
		return domain.MemberTier{}, err
	}
	tier.OutletID = outletID
	tier.ID = strings.TrimSpace(tier.ID)
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" {
		return domain.MemberTier{}, validationError("tier name is required")
	}
	if tier.MinPoints < 0 {
		return domain.MemberTier{}, validationError("min_points must not be negative")
	}
	if tier.DiscountPercent < 0 || tier.DiscountPercent > 100 {
		return domain.MemberTier{}, validationError("discount_percent must be between 0 and 100")
	}
	if tier.PointMultiplier <= 0 {
		tier.PointMultiplier = 1
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	saved, err := s.repo.UpsertMemberTier(ctx, tier)
	if err != nil {
		return domain.MemberTier{}, wrapStoreErr("save member tier", err)
	}
	s.logAudit(ctx, outletID, "member_tier_upsert", "member_tier", saved.ID, fmt.Sprintf("name=%s,min_points=%d", saved.Name, saved.MinPoints))
	return *saved, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	outletID, err := requireOutlet(req.OutletID)
	if err != nil {
		return domain.Customer{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, validationError("customer name is required")
	}

	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	now := s.now()
	customer := domain.Customer{
		ID:        xid.New("cust"),
		OutletID:  outletID,
		Name:      name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if tier, ok, err := s.tierFor(ctx, outletID, 0); err != nil {
		return domain.Customer{}, err
	} else if ok {
		customer.TierID = tier.ID
	}

	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, wrapStoreErr("create customer", err)
	}
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, outletID string, customerID string) (domain.Customer, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.Customer{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	customer, err := s.customerForOutlet(ctx, outletID, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) customerForOutlet(ctx context.Context, outletID string, customerID string) (*domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return nil, wrapStoreErr("get customer", err)
	}
	if customer.OutletID != outletID {
		return nil, fmt.Errorf("customer %s: %w", customerID, store.ErrNotFound)
	}
	return customer, nil
}

func (s *Service) ListPointTransactions(ctx context.Context, outletID string, customerID string) (domain.CustomerPointsResponse, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.CustomerPointsResponse{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	customer, err := s.customerForOutlet(ctx, outletID, customerID)
	if err != nil {
		return domain.CustomerPointsResponse{}, err
	}
	entries, err := s.repo.ListPointTransactions(ctx, customer.ID)
	if err != nil {
		return domain.CustomerPointsResponse{}, wrapStoreErr("list point transactions", err)
	}
	return domain.CustomerPointsResponse{Customer: *customer, Transactions: entries}, nil
}

// AccruePoints books the earn entry of a completed sale. Nothing is recorded
// when the sale earns no points, and a second call for the same transaction
// earns nothing.
func (s *Service) AccruePoints(ctx context.Context, tx *domain.Transaction) (int64, error) {
	if tx == nil || tx.CustomerID == "" || tx.Status != domain.TxStatusCompleted {
		return 0, nil
	}
	settings, err := s.loyaltySettings(ctx, tx.OutletID)
	if err != nil {
		return 0, err
	}
	earned := EarnedPoints(tx.TotalCents, settings)
	if earned <= 0 {
		return 0, nil
	}

	unlock := s.locks.Lock(customerLockKey(tx.CustomerID))
	defer unlock()

	_, err = s.repo.AppendPointTransaction(ctx, domain.PointTransaction{
		ID:            xid.New("pt"),
		CustomerID:    tx.CustomerID,
		OutletID:      tx.OutletID,
		TransactionID: tx.ID,
		Type:          domain.PointTypeEarn,
		Points:        earned,
		SpentCents:    tx.TotalCents,
		Description:   "earned from " + tx.InvoiceNumber,
		CreatedAt:     s.now(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreErr("append earn entry", err)
	}
	s.metrics.AddPointsEarned(earned)

	if _, _, err := s.recomputeTier(ctx, tx.CustomerID); err != nil {
		log.Printf("[loyalty] WARN: tier recompute failed customer=%s: %v", tx.CustomerID, err)
	}
	return earned, nil
}

// reverseEarnedPoints takes back what a voided sale earned, limited to the
// current balance so the cached points never go negative.
func (s *Service) reverseEarnedPoints(ctx context.Context, tx *domain.Transaction) (int64, error) {
	unlock := s.locks.Lock(customerLockKey(tx.CustomerID))
	defer unlock()

	entries, err := s.repo.ListPointTransactions(ctx, tx.CustomerID)
	if err != nil {
		return 0, wrapStoreErr("list point transactions", err)
	}
	var earned *domain.PointTransaction
	for idx := range entries {
		entry := entries[idx]
		if entry.TransactionID != tx.ID {
			continue
		}
		if entry.Type == domain.PointTypeAdjust {
			return 0, nil
		}
		if entry.Type == domain.PointTypeEarn {
			earned = &entries[idx]
		}
	}
	if earned == nil {
		return 0, nil
	}

	customer, err := s.repo.GetCustomer(ctx, tx.CustomerID)
	if err != nil {
		return 0, wrapStoreErr("get customer", err)
	}
	reversed := min(earned.Points, customer.Points)
	if reversed < earned.Points {
		log.Printf("[loyalty] WARN: partial reversal customer=%s tx=%s earned=%d balance=%d", tx.CustomerID, tx.ID, earned.Points, customer.Points)
	}

	if _, err := s.repo.AppendPointTransaction(ctx, domain.PointTransaction{
		ID:            xid.New("pt"),
		CustomerID:    tx.CustomerID,
		OutletID:      tx.OutletID,
		TransactionID: tx.ID,
		Type:          domain.PointTypeAdjust,
		Points:        -reversed,
		SpentCents:    -earned.SpentCents,
		Description:   "void " + tx.InvoiceNumber,
		CreatedAt:     s.now(),
	}); err != nil {
		return 0, wrapStoreErr("append reversal entry", err)
	}
	if _, _, err := s.recomputeTier(ctx, tx.CustomerID); err != nil {
		log.Printf("[loyalty] WARN: tier recompute failed customer=%s: %v", tx.CustomerID, err)
	}
	return reversed, nil
}

func (s *Service) RedeemPoints(ctx context.Context, customerID string, req domain.PointsMutationRequest) (domain.PointsMutationResponse, error) {
	if req.Points < 1 {
		return domain.PointsMutationResponse{}, validationError("points to redeem must be positive")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "redeem"
	}
	return s.mutatePoints(ctx, customerID, req.OutletID, domain.PointTypeRedeem, -req.Points, description)
}

// AdjustPoints applies a signed manual correction; the balance may not go below zero.
func (s *Service) AdjustPoints(ctx context.Context, customerID string, req domain.PointsMutationRequest) (domain.PointsMutationResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.PointsMutationResponse{}, err
	}
	if req.Points == 0 {
		return domain.PointsMutationResponse{}, validationError("points adjustment must not be zero")
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return domain.PointsMutationResponse{}, validationError("description is required for point adjustments")
	}
	return s.mutatePoints(ctx, customerID, req.OutletID, domain.PointTypeAdjust, req.Points, description)
}

func (s *Service) mutatePoints(ctx context.Context, customerID string, outletID string, pointType string, points int64, description string) (domain.PointsMutationResponse, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.PointsMutationResponse{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	customer, err := s.customerForOutlet(ctx, outletID, customerID)
	if err != nil {
		return domain.PointsMutationResponse{}, err
	}

	unlock := s.locks.Lock(customerLockKey(customer.ID))
	defer unlock()

	entry := domain.PointTransaction{
		ID:          xid.New("pt"),
		CustomerID:  customer.ID,
		OutletID:    outletID,
		Type:        pointType,
		Points:      points,
		Description: description,
		CreatedAt:   s.now(),
	}
	if _, err := s.repo.AppendPointTransaction(ctx, entry); err != nil {
		if errors.Is(err, store.ErrValidation) {
			return domain.PointsMutationResponse{}, validationError("insufficient points: balance %d, change %d", customer.Points, points)
		}
		return domain.PointsMutationResponse{}, wrapStoreErr("append point entry", err)
	}

	updated, changed, err := s.recomputeTier(ctx, customer.ID)
	if err != nil {
		return domain.PointsMutationResponse{}, err
	}
	s.logAudit(ctx, outletID, "points_"+pointType, "customer", customer.ID, fmt.Sprintf("points=%d,balance=%d", points, updated.Points))
	return domain.PointsMutationResponse{Customer: *updated, Transaction: entry, TierChanged: changed}, nil
}

// RecomputeTier assigns the highest tier whose minimum the balance meets.
// Under the sticky policy an already held higher tier is kept.
func (s *Service) RecomputeTier(ctx context.Context, outletID string, customerID string) (domain.Customer, bool, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.Customer{}, false, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.customerForOutlet(ctx, outletID, customerID); err != nil {
		return domain.Customer{}, false, err
	}
	unlock := s.locks.Lock(customerLockKey(customerID))
	defer unlock()

	customer, changed, err := s.recomputeTier(ctx, customerID)
	if err != nil {
		return domain.Customer{}, false, err
	}
	return *customer, changed, nil
}

func (s *Service) recomputeTier(ctx context.Context, customerID string) (*domain.Customer, bool, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, false, wrapStoreErr("get customer", err)
	}
	tiers, err := s.repo.ListMemberTiers(ctx, customer.OutletID)
	if err != nil {
		return nil, false, wrapStoreErr("list member tiers", err)
	}

	target, ok := selectTier(tiers, customer.Points)
	targetID := ""
	if ok {
		targetID = target.ID
	}
	if s.opts.TierPolicy == domain.TierPolicySticky {
		for _, held := range tiers {
			if held.ID == customer.TierID && (!ok || held.MinPoints > target.MinPoints) {
				targetID = held.ID
			}
		}
	}
	if targetID == customer.TierID {
		return customer, false, nil
	}

	if err := s.repo.SetCustomerTier(ctx, customer.ID, targetID); err != nil {
		return nil, false, wrapStoreErr("set customer tier", err)
	}
	log.Printf("[loyalty] tier change customer=%s from=%q to=%q points=%d", customer.ID, customer.TierID, targetID, customer.Points)
	customer.TierID = targetID
	return customer, true, nil
}

func (s *Service) tierFor(ctx context.Context, outletID string, points int64) (domain.MemberTier, bool, error) {
	tiers, err := s.repo.ListMemberTiers(ctx, outletID)
	if err != nil {
		return domain.MemberTier{}, false, wrapStoreErr("list member tiers", err)
	}
	tier, ok := selectTier(tiers, points)
	return tier, ok, nil
}

func selectTier(tiers []domain.MemberTier, points int64) (domain.MemberTier, bool) {
	var best domain.MemberTier
	found := false
	for _, tier := range tiers {
		if tier.MinPoints > points {
			continue
		}
		if !found || tier.MinPoints > best.MinPoints {
			best = tier
			found = true
		}
	}
	return best, found
}

// ReconcileCustomerPoints rebuilds the cached balance from the point ledger
// and rewrites it when the two disagree.
func (s *Service) ReconcileCustomerPoints(ctx context.Context, outletID string, customerID string) (domain.PointsReconciliation, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.PointsReconciliation{}, err
	}
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.PointsReconciliation{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.customerForOutlet(ctx, outletID, customerID); err != nil {
		return domain.PointsReconciliation{}, err
	}
	unlock := s.locks.Lock(customerLockKey(customerID))
	defer unlock()

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.PointsReconciliation{}, wrapStoreErr("get customer", err)
	}
	entries, err := s.repo.ListPointTransactions(ctx, customerID)
	if err != nil {
		return domain.PointsReconciliation{}, wrapStoreErr("list point transactions", err)
	}
	ledger := int64(0)
	for _, entry := range entries {
		ledger += entry.Points
	}

	rec := domain.PointsReconciliation{CachedPoints: customer.Points, LedgerPoints: ledger}
	if ledger != customer.Points {
		if ledger < 0 {
			return domain.PointsReconciliation{}, fmt.Errorf("customer %s ledger sums to %d: %w", customerID, ledger, store.ErrInternal)
		}
		log.Printf("[loyalty] WARN: points drift customer=%s cached=%d ledger=%d", customerID, customer.Points, ledger)
		if _, err := s.repo.ResetCustomerPoints(ctx, customerID, ledger); err != nil {
			return domain.PointsReconciliation{}, wrapStoreErr("reset customer points", err)
		}
		rec.Repaired = true
	}

	updated, changed, err := s.recomputeTier(ctx, customerID)
	if err != nil {
		return domain.PointsReconciliation{}, err
	}
	rec.Customer = *updated
	rec.TierRecomputed = changed
	if rec.Repaired {
		s.logAudit(ctx, outletID, "points_reconcile", "customer", customerID, fmt.Sprintf("cached=%d,ledger=%d", rec.CachedPoints, ledger))
	}
	return rec, nil
}
