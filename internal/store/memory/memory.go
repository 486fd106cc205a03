package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

const SeedOutletID = "main-outlet"

type adjustmentKey struct {
	outletID  string
	reason    domain.AdjustmentReason
	sourceID  string
	productID string
	variantID string
}

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	variants           map[string]domain.ProductVariant
	stock              map[domain.SKUKey]*domain.StockItem
	adjustments        []domain.StockAdjustment
	adjustmentIndex    map[adjustmentKey]int
	sequences          map[string]int64
	transactionsByID   map[string]*domain.Transaction
	transactionsByInv  map[string]string
	purchaseOrdersByID map[string]domain.PurchaseOrder
	purchaseOrdersInv  map[string]string
	opnameByID         map[string]domain.OpnameSession
	customersByID      map[string]domain.Customer
	pointLedger        map[string][]domain.PointTransaction
	earnedByTx         map[string]struct{}
	tiersByID          map[string]domain.MemberTier
	loyaltyByOutlet    map[string]domain.LoyaltySettings
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

// New returns an empty store without users or catalog.
func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		variants:           make(map[string]domain.ProductVariant),
		stock:              make(map[domain.SKUKey]*domain.StockItem),
		adjustmentIndex:    make(map[adjustmentKey]int),
		sequences:          make(map[string]int64),
		transactionsByID:   make(map[string]*domain.Transaction),
		transactionsByInv:  make(map[string]string),
		purchaseOrdersByID: make(map[string]domain.PurchaseOrder),
		purchaseOrdersInv:  make(map[string]string),
		opnameByID:         make(map[string]domain.OpnameSession),
		customersByID:      make(map[string]domain.Customer),
		pointLedger:        make(map[string][]domain.PointTransaction),
		earnedByTx:         make(map[string]struct{}),
		tiersByID:          make(map[string]domain.MemberTier),
		loyaltyByOutlet:    make(map[string]domain.LoyaltySettings),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// when unset, dev defaults are used and a warning is logged.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		outlets  []string
	}{
		{"admin", adminPwd, "admin", []string{"*"}},
		{"cashier", cashierPwd, "cashier", []string{SeedOutletID}},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Outlets:   u.outlets,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo catalog, opening stock at SeedOutletID,
// loyalty settings, three member tiers and one customer. Opening stock is
// booked through the ledger so replaying adjustments reproduces it.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	products := []domain.Product{
		{ID: "prod-mie", SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500, CostCents: 2700, TracksStock: true, Active: true},
		{ID: "prod-telur", SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500, CostCents: 23000, TracksStock: true, Active: true},
		{ID: "prod-susu", SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900, CostCents: 13600, TracksStock: true, Active: true},
		{ID: "prod-roti", SKU: "SKU-ROTI-01", Name: "Roti Tawar", Category: "bakery", PriceCents: 17800, CostCents: 12500, TracksStock: true, Active: true},
		{ID: "prod-kopi", SKU: "SKU-KOPI-01", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600, CostCents: 1700, TracksStock: true, Active: true},
		{ID: "prod-gula", SKU: "SKU-GULA-01", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400, CostCents: 15300, TracksStock: true, Active: true},
		{ID: "prod-air", SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", Category: "beverage", PriceCents: 3900, CostCents: 3200, TracksStock: true, Active: true},
		{ID: "prod-bungkus", SKU: "SKU-BUNGKUS-01", Name: "Jasa Bungkus Kado", Category: "service", PriceCents: 5000, CostCents: 1000, TracksStock: false, Active: true},
	}
	variants := []domain.ProductVariant{
		{ID: "var-kopi-susu", ProductID: "prod-kopi", SKU: "SKU-KOPI-01-SUSU", Name: "Kopi Susu", PriceCents: 3000, CostCents: 2000},
		{ID: "var-kopi-hitam", ProductID: "prod-kopi", SKU: "SKU-KOPI-01-HITAM", Name: "Kopi Hitam", PriceCents: 2600, CostCents: 1700},
	}

	now := time.Now().UTC()
	for _, p := range products {
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	for _, v := range variants {
		s.variants[v.ID] = v
	}

	ctx := context.Background()
	for _, p := range products {
		if !p.TracksStock || p.ID == "prod-kopi" {
			continue
		}
		s.seedStock(ctx, p.ID, "", 120)
	}
	for _, v := range variants {
		s.seedStock(ctx, v.ProductID, v.ID, 60)
	}

	s.loyaltyByOutlet[SeedOutletID] = domain.LoyaltySettings{
		OutletID:        SeedOutletID,
		PointsPerAmount: 1,
		AmountPerPoint:  1000,
		IsEnabled:       true,
	}
	for _, tier := range []domain.MemberTier{
		{ID: "tier-silver", OutletID: SeedOutletID, Name: "Silver", MinPoints: 0, PointMultiplier: 1},
		{ID: "tier-gold", OutletID: SeedOutletID, Name: "Gold", MinPoints: 100, DiscountPercent: 5, PointMultiplier: 1.5},
		{ID: "tier-platinum", OutletID: SeedOutletID, Name: "Platinum", MinPoints: 500, DiscountPercent: 10, PointMultiplier: 2},
	} {
		s.tiersByID[tier.ID] = tier
	}
	s.customersByID["cust-demo"] = domain.Customer{
		ID:        "cust-demo",
		OutletID:  SeedOutletID,
		Name:      "Pelanggan Demo",
		Phone:     "081200000001",
		TierID:    "tier-silver",
		CreatedAt: now,
		UpdatedAt: now,
	}

	return s
}

func (s *Store) seedStock(ctx context.Context, productID string, variantID string, qty int) {
	_, err := s.ApplyAdjustment(ctx, domain.StockAdjustment{
		OutletID:  SeedOutletID,
		ProductID: productID,
		VariantID: variantID,
		Delta:     qty,
		Reason:    domain.ReasonManual,
		SourceID:  "seed-opening-stock",
		Note:      "opening stock",
		CreatedBy: "system",
	})
	if err != nil {
		log.Fatalf("[memory-store] failed to seed stock product=%s variant=%s: %v", productID, variantID, err)
	}
}

func (s *Store) UpsertProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.SKU == "" || product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = product
	saved := product
	return &saved, nil
}

func (s *Store) UpsertVariant(_ context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	if variant.ID == "" || variant.ProductID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[variant.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	s.variants[variant.ID] = variant
	saved := variant
	return &saved, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetVariantsByIDs(_ context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.ProductVariant, len(ids))
	for _, id := range ids {
		if v, ok := s.variants[id]; ok {
			result[id] = v
		}
	}
	return result, nil
}

// setCostPrice expects s.mu to be held.
func (s *Store) setCostPrice(productID string, variantID string, costCents int64) error {
	if variantID != "" {
		variant, ok := s.variants[variantID]
		if !ok || variant.ProductID != productID {
			return store.ErrNotFound
		}
		variant.CostCents = costCents
		s.variants[variantID] = variant
		return nil
	}
	product, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.CostCents = costCents
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return nil
}

func (s *Store) ApplyAdjustment(_ context.Context, adj domain.StockAdjustment) (domain.AdjustmentResult, error) {
	if adj.OutletID == "" || adj.ProductID == "" || adj.SourceID == "" || !adj.Reason.Valid() {
		return domain.AdjustmentResult{}, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, ok := s.products[adj.ProductID]
	if !ok {
		return domain.AdjustmentResult{}, store.ErrNotFound
	}
	if adj.VariantID != "" {
		variant, ok := s.variants[adj.VariantID]
		if !ok || variant.ProductID != adj.ProductID {
			return domain.AdjustmentResult{}, store.ErrNotFound
		}
	}

	now := time.Now().UTC()
	key := adj.Key()
	item, exists := s.stock[key]
	if !exists {
		item = &domain.StockItem{
			OutletID:    adj.OutletID,
			ProductID:   adj.ProductID,
			VariantID:   adj.VariantID,
			TracksStock: product.TracksStock,
			UpdatedAt:   now,
		}
		s.stock[key] = item
	}

	idemKey := adjustmentKey{
		outletID:  adj.OutletID,
		reason:    adj.Reason,
		sourceID:  adj.SourceID,
		productID: adj.ProductID,
		variantID: adj.VariantID,
	}
	if idx, dup := s.adjustmentIndex[idemKey]; dup {
		return domain.AdjustmentResult{
			Item:           *item,
			Adjustment:     s.adjustments[idx],
			QuantityBefore: item.Quantity,
			Duplicate:      true,
			NotTracked:     !item.TracksStock,
		}, nil
	}

	before := item.Quantity
	applied, clamped := 0, false
	if item.TracksStock {
		applied, clamped = store.FloorDelta(before, adj.Delta)
		item.Quantity = before + applied
		item.UpdatedAt = now
	}

	adj.ID = xid.New("adj")
	adj.AppliedDelta = applied
	adj.QuantityAfter = item.Quantity
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = now
	}
	s.adjustments = append(s.adjustments, adj)
	s.adjustmentIndex[idemKey] = len(s.adjustments) - 1

	return domain.AdjustmentResult{
		Item:           *item,
		Adjustment:     adj,
		QuantityBefore: before,
		Clamped:        clamped,
		NotTracked:     !item.TracksStock,
	}, nil
}

func (s *Store) GetStockItem(_ context.Context, key domain.SKUKey) (*domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stock[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *Store) ListStockItems(_ context.Context, outletID string, productIDs []string) ([]domain.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.StockItem, 0, len(s.stock))
	for key, item := range s.stock {
		if key.OutletID != outletID {
			continue
		}
		if len(productIDs) > 0 && !slices.Contains(productIDs, key.ProductID) {
			continue
		}
		items = append(items, *item)
	}
	slices.SortFunc(items, compareStockItems)
	return items, nil
}

func (s *Store) ListAdjustments(_ context.Context, key domain.SKUKey) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAdjustment, 0, 16)
	for _, adj := range s.adjustments {
		if adj.Key() == key {
			result = append(result, adj)
		}
	}
	return result, nil
}

func (s *Store) NextSequence(_ context.Context, outletID string, scope string, period string) (int64, error) {
	if outletID == "" || scope == "" || period == "" {
		return 0, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := outletID + "|" + scope + "|" + period
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.OutletID == "" || tx.InvoiceNumber == "" || len(tx.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	invKey := tx.OutletID + "|" + tx.InvoiceNumber
	if _, exists := s.transactionsByInv[invKey]; exists {
		return nil, store.ErrDuplicate
	}
	if _, exists := s.transactionsByID[tx.ID]; exists {
		return nil, store.ErrDuplicate
	}

	for idx := range tx.Payments {
		if tx.Payments[idx].ID == "" {
			tx.Payments[idx].ID = xid.New("pay")
		}
		tx.Payments[idx].TransactionID = tx.ID
		if tx.Payments[idx].CreatedAt.IsZero() {
			tx.Payments[idx].CreatedAt = tx.CreatedAt
		}
	}

	stored := cloneTransaction(&tx)
	s.transactionsByID[tx.ID] = stored
	s.transactionsByInv[invKey] = tx.ID
	return cloneTransaction(stored), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByInvoice(_ context.Context, outletID string, invoiceNumber string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.transactionsByInv[outletID+"|"+invoiceNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTransaction(s.transactionsByID[id]), nil
}

func (s *Store) VoidTransaction(_ context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if tx.Status == domain.TxStatusVoid {
		return nil, store.ErrAlreadyProcessed
	}
	voidedAt := at.UTC()
	tx.Status = domain.TxStatusVoid
	tx.VoidReason = reason
	tx.VoidedAt = &voidedAt
	return cloneTransaction(tx), nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" || po.OutletID == "" || po.SupplierID == "" || po.InvoiceNumber == "" || len(po.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	invKey := po.OutletID + "|" + po.InvoiceNumber
	if _, exists := s.purchaseOrdersInv[invKey]; exists {
		return nil, store.ErrDuplicate
	}
	stored := clonePurchaseOrder(po)
	s.purchaseOrdersByID[po.ID] = stored
	s.purchaseOrdersInv[invKey] = po.ID
	result := clonePurchaseOrder(stored)
	return &result, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := clonePurchaseOrder(po)
	return &result, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, outletID string, status string, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseOrder, 0, len(s.purchaseOrdersByID))
	for _, po := range s.purchaseOrdersByID {
		if po.OutletID != outletID {
			continue
		}
		if status != "" && po.Status != status {
			continue
		}
		result = append(result, clonePurchaseOrder(po))
	}
	slices.SortFunc(result, func(a, b domain.PurchaseOrder) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) TransitionPurchaseOrder(_ context.Context, id string, from string, to string, at time.Time) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.purchaseOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if po.Status != from {
		return nil, store.ErrInvalidTransition
	}

	stamp := at.UTC()
	po.Status = to
	switch to {
	case domain.POStatusOrdered:
		po.OrderedAt = &stamp
	case domain.POStatusReceived:
		po.ReceivedAt = &stamp
	case domain.POStatusCancelled:
		po.CancelledAt = &stamp
	}
	s.purchaseOrdersByID[id] = po
	result := clonePurchaseOrder(po)
	return &result, nil
}

func (s *Store) ApplyReceivedCost(_ context.Context, poID string, lineNo int, costCents int64) (bool, error) {
	if costCents < 0 {
		return false, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.purchaseOrdersByID[poID]
	if !ok || lineNo < 1 || lineNo > len(po.Items) {
		return false, store.ErrNotFound
	}
	line := &po.Items[lineNo-1]
	if line.CostApplied {
		return false, nil
	}
	if err := s.setCostPrice(line.ProductID, line.VariantID, costCents); err != nil {
		return false, err
	}
	line.CostApplied = true
	s.purchaseOrdersByID[poID] = po
	return true, nil
}

func (s *Store) CreateOpnameSession(_ context.Context, session domain.OpnameSession) (*domain.OpnameSession, error) {
	if session.ID == "" || session.OutletID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.opnameByID[session.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.opnameByID[session.ID] = cloneOpnameSession(session)
	result := cloneOpnameSession(session)
	return &result, nil
}

func (s *Store) GetOpnameSession(_ context.Context, id string) (*domain.OpnameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.opnameByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := cloneOpnameSession(session)
	return &result, nil
}

func (s *Store) RecordOpnameCounts(_ context.Context, sessionID string, counts []domain.OpnameCount) (*domain.OpnameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.opnameByID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.OpnameStatusDraft {
		return nil, store.ErrAlreadyFinalized
	}

	updated := cloneOpnameSession(session)
	index := make(map[string]int, len(updated.Items))
	for idx, item := range updated.Items {
		index[item.ID] = idx
	}
	for _, count := range counts {
		idx, ok := index[count.ItemID]
		if !ok || count.ActualStock < 0 {
			return nil, store.ErrValidation
		}
		actual := count.ActualStock
		diff := actual - updated.Items[idx].SystemStock
		updated.Items[idx].ActualStock = &actual
		updated.Items[idx].Difference = &diff
	}

	s.opnameByID[sessionID] = updated
	result := cloneOpnameSession(updated)
	return &result, nil
}

func (s *Store) CompleteOpnameSession(_ context.Context, sessionID string, at time.Time) (*domain.OpnameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.opnameByID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.OpnameStatusDraft {
		return nil, store.ErrAlreadyFinalized
	}
	completedAt := at.UTC()
	session.Status = domain.OpnameStatusCompleted
	session.CompletedAt = &completedAt
	s.opnameByID[sessionID] = session
	result := cloneOpnameSession(session)
	return &result, nil
}

func (s *Store) GetLoyaltySettings(_ context.Context, outletID string) (*domain.LoyaltySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.loyaltyByOutlet[outletID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &settings, nil
}

func (s *Store) UpsertLoyaltySettings(_ context.Context, settings domain.LoyaltySettings) error {
	if settings.OutletID == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loyaltyByOutlet[settings.OutletID] = settings
	return nil
}

func (s *Store) ListMemberTiers(_ context.Context, outletID string) ([]domain.MemberTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]domain.MemberTier, 0, 4)
	for _, tier := range s.tiersByID {
		if tier.OutletID == outletID {
			tiers = append(tiers, tier)
		}
	}
	slices.SortFunc(tiers, func(a, b domain.MemberTier) int {
		if a.MinPoints != b.MinPoints {
			if a.MinPoints < b.MinPoints {
				return -1
			}
			return 1
		}
		return cmpString(a.ID, b.ID)
	})
	return tiers, nil
}

func (s *Store) UpsertMemberTier(_ context.Context, tier domain.MemberTier) (*domain.MemberTier, error) {
	if tier.OutletID == "" || strings.TrimSpace(tier.Name) == "" || tier.MinPoints < 0 {
		return nil, store.ErrValidation
	}
	if tier.ID == "" {
		tier.ID = xid.New("tier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tiersByID[tier.ID] = tier
	saved := tier
	return &saved, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" || customer.OutletID == "" || customer.Points != 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.customersByID[customer.ID] = customer
	saved := customer
	return &saved, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func (s *Store) AppendPointTransaction(_ context.Context, entry domain.PointTransaction) (*domain.Customer, error) {
	if entry.CustomerID == "" || entry.Type == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customersByID[entry.CustomerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var earnKey string
	if entry.Type == domain.PointTypeEarn && entry.TransactionID != "" {
		earnKey = entry.CustomerID + "|" + entry.TransactionID
		if _, dup := s.earnedByTx[earnKey]; dup {
			return nil, store.ErrDuplicate
		}
	}
	if customer.Points+entry.Points < 0 {
		return nil, store.ErrValidation
	}

	now := time.Now().UTC()
	if entry.ID == "" {
		entry.ID = xid.New("pt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	s.pointLedger[entry.CustomerID] = append(s.pointLedger[entry.CustomerID], entry)
	if earnKey != "" {
		s.earnedByTx[earnKey] = struct{}{}
	}

	customer.Points += entry.Points
	customer.TotalSpentCents += entry.SpentCents
	customer.UpdatedAt = now
	s.customersByID[customer.ID] = customer
	return &customer, nil
}

func (s *Store) ListPointTransactions(_ context.Context, customerID string) ([]domain.PointTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.pointLedger[customerID]), nil
}

func (s *Store) SetCustomerTier(_ context.Context, customerID string, tierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customersByID[customerID]
	if !ok {
		return store.ErrNotFound
	}
	customer.TierID = tierID
	customer.UpdatedAt = time.Now().UTC()
	s.customersByID[customerID] = customer
	return nil
}

// ResetCustomerPoints overwrites the cached balance. Only reconciliation calls it.
func (s *Store) ResetCustomerPoints(_ context.Context, customerID string, points int64) (*domain.Customer, error) {
	if points < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	customer, ok := s.customersByID[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	customer.Points = points
	customer.UpdatedAt = time.Now().UTC()
	s.customersByID[customerID] = customer
	return &customer, nil
}

// CorruptCustomerPoints sets the cached balance without a ledger entry.
// It exists so reconciliation can be exercised in tests.
func (s *Store) CorruptCustomerPoints(customerID string, points int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer, ok := s.customersByID[customerID]; ok {
		customer.Points = points
		s.customersByID[customerID] = customer
	}
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) AuditLogs(outletID string) []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if outletID == "" || entry.OutletID == outletID {
			result = append(result, entry)
		}
	}
	return result
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	user.Outlets = slices.Clone(user.Outlets)
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		user.Outlets = slices.Clone(user.Outlets)
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func compareStockItems(a domain.StockItem, b domain.StockItem) int {
	if c := cmpString(a.ProductID, b.ProductID); c != 0 {
		return c
	}
	return cmpString(a.VariantID, b.VariantID)
}

func cmpString(a string, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	copied := *src
	copied.Items = slices.Clone(src.Items)
	copied.Payments = slices.Clone(src.Payments)
	if src.VoidedAt != nil {
		voidedAt := *src.VoidedAt
		copied.VoidedAt = &voidedAt
	}
	return &copied
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	copied := src
	copied.Items = slices.Clone(src.Items)
	return copied
}

func cloneOpnameSession(src domain.OpnameSession) domain.OpnameSession {
	copied := src
	copied.Items = make([]domain.OpnameItem, len(src.Items))
	for idx, item := range src.Items {
		if item.ActualStock != nil {
			actual := *item.ActualStock
			item.ActualStock = &actual
		}
		if item.Difference != nil {
			diff := *item.Difference
			item.Difference = &diff
		}
		copied.Items[idx] = item
	}
	return copied
}
