package domain

import "time"

type AdjustmentReason string

const (
	ReasonSale             AdjustmentReason = "sale"
	ReasonSaleVoid         AdjustmentReason = "sale-void"
	ReasonPurchaseReceipt  AdjustmentReason = "purchase-receipt"
	ReasonOpnameCorrection AdjustmentReason = "opname-correction"
	ReasonManual           AdjustmentReason = "manual"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonSale, ReasonSaleVoid, ReasonPurchaseReceipt, ReasonOpnameCorrection, ReasonManual:
		return true
	}
	return false
}

const (
	TxStatusCompleted = "completed"
	TxStatusVoid      = "void"
)

const (
	POStatusDraft     = "draft"
	POStatusOrdered   = "ordered"
	POStatusReceived  = "received"
	POStatusCancelled = "cancelled"
)

const (
	OpnameStatusDraft     = "draft"
	OpnameStatusCompleted = "completed"
)

const (
	PointTypeEarn   = "earn"
	PointTypeRedeem = "redeem"
	PointTypeAdjust = "adjust"
)

const (
	TierPolicyRecalculate = "recalculate"
	TierPolicySticky      = "sticky"
)

const (
	CostPolicyLastCost        = "last_cost"
	CostPolicyWeightedAverage = "weighted_average"
)

type Product struct {
	ID          string    `json:"id"`
	SKU         string    `json:"sku"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	PriceCents  int64     `json:"price_cents"`
	CostCents   int64     `json:"cost_cents"`
	TracksStock bool      `json:"tracks_stock"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ProductVariant struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	CostCents  int64  `json:"cost_cents"`
}

// SKUKey identifies a sellable unit. An empty VariantID means the base product.
type SKUKey struct {
	OutletID  string `json:"outlet_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

type StockItem struct {
	OutletID    string    `json:"outlet_id"`
	ProductID   string    `json:"product_id"`
	VariantID   string    `json:"variant_id,omitempty"`
	Quantity    int       `json:"quantity"`
	TracksStock bool      `json:"tracks_stock"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s StockItem) Key() SKUKey {
	return SKUKey{OutletID: s.OutletID, ProductID: s.ProductID, VariantID: s.VariantID}
}

// StockAdjustment is an immutable ledger fact. Delta is what the caller asked
// for, AppliedDelta is what actually moved the quantity after the zero floor
// (or 0 when the item does not track stock).
type StockAdjustment struct {
	ID            string           `json:"id"`
	OutletID      string           `json:"outlet_id"`
	ProductID     string           `json:"product_id"`
	VariantID     string           `json:"variant_id,omitempty"`
	Delta         int              `json:"delta"`
	AppliedDelta  int              `json:"applied_delta"`
	QuantityAfter int              `json:"quantity_after"`
	Reason        AdjustmentReason `json:"reason"`
	SourceID      string           `json:"source_id"`
	Note          string           `json:"note,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

func (a StockAdjustment) Key() SKUKey {
	return SKUKey{OutletID: a.OutletID, ProductID: a.ProductID, VariantID: a.VariantID}
}

type AdjustmentResult struct {
	Item       StockItem       `json:"item"`
	Adjustment StockAdjustment `json:"adjustment"`
	// QuantityBefore is the quantity observed under the row lock.
	QuantityBefore int  `json:"quantity_before"`
	Duplicate      bool `json:"duplicate"`
	Clamped        bool `json:"clamped"`
	NotTracked     bool `json:"not_tracked"`
}

type ManualAdjustmentRequest struct {
	OutletID  string `json:"outlet_id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Delta     int    `json:"delta"`
	SourceID  string `json:"source_id"`
	Note      string `json:"note"`
}

type StockListResponse struct {
	OutletID string      `json:"outlet_id"`
	Items    []StockItem `json:"items"`
	Cached   bool        `json:"cached"`
}

type StockReconciliation struct {
	Item           StockItem `json:"item"`
	LedgerQuantity int       `json:"ledger_quantity"`
	Adjustments    int       `json:"adjustments"`
	Consistent     bool      `json:"consistent"`
}

type SaleLine struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Payment struct {
	ID            string    `json:"id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Method        string    `json:"method"`
	AmountCents   int64     `json:"amount_cents"`
	Reference     string    `json:"reference,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

type SaleRequest struct {
	OutletID       string     `json:"outlet_id"`
	InvoiceNumber  string     `json:"invoice_number"`
	CustomerID     string     `json:"customer_id"`
	Items          []SaleLine `json:"items"`
	Payments       []Payment  `json:"payments"`
	PaymentMethod  string     `json:"payment_method"`
	DiscountCents  int64      `json:"discount_cents"`
	TaxRatePercent float64    `json:"tax_rate_percent"`
	Notes          string     `json:"notes"`
}

type SaleResponse struct {
	TransactionID string       `json:"transaction_id"`
	InvoiceNumber string       `json:"invoice_number"`
	EarnedPoints  int64        `json:"earned_points"`
	Duplicate     bool         `json:"duplicate"`
	Transaction   *Transaction `json:"transaction,omitempty"`
	// StockWarnings lists lines whose deduction failed or was clamped after the sale was recorded.
	StockWarnings []string `json:"stock_warnings,omitempty"`
}

type StockShortfall struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type TransactionItem struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	UnitCostCents  int64  `json:"unit_cost_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
	// Unresolved marks a line kept in the record whose variant could not be resolved; it never moves stock.
	Unresolved bool `json:"unresolved,omitempty"`
}

type Transaction struct {
	ID             string            `json:"id"`
	OutletID       string            `json:"outlet_id"`
	InvoiceNumber  string            `json:"invoice_number"`
	CustomerID     string            `json:"customer_id,omitempty"`
	Items          []TransactionItem `json:"items"`
	Payments       []Payment         `json:"payments"`
	SubtotalCents  int64             `json:"subtotal_cents"`
	DiscountCents  int64             `json:"discount_cents"`
	TaxRatePercent float64           `json:"tax_rate_percent"`
	TaxCents       int64             `json:"tax_cents"`
	TotalCents     int64             `json:"total_cents"`
	PaymentMethod  string            `json:"payment_method"`
	Status         string            `json:"status"`
	Notes          string            `json:"notes,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	VoidReason     string            `json:"void_reason,omitempty"`
	VoidedAt       *time.Time        `json:"voided_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type VoidTransactionRequest struct {
	Reason string `json:"reason"`
}

type VoidTransactionResponse struct {
	Transaction    Transaction `json:"transaction"`
	ReversedPoints int64       `json:"reversed_points"`
	StockWarnings  []string    `json:"stock_warnings,omitempty"`
}

type PurchaseOrderItem struct {
	ProductID      string `json:"product_id"`
	VariantID      string `json:"variant_id,omitempty"`
	Qty            int    `json:"qty"`
	CostPriceCents int64  `json:"cost_price_cents"`
	// CostApplied is set once the line's cost has been written to the catalog.
	CostApplied bool `json:"cost_applied"`
}

type PurchaseOrder struct {
	ID            string              `json:"id"`
	OutletID      string              `json:"outlet_id"`
	SupplierID    string              `json:"supplier_id"`
	InvoiceNumber string              `json:"invoice_number"`
	Status        string              `json:"status"`
	Items         []PurchaseOrderItem `json:"items"`
	TotalCents    int64               `json:"total_cents"`
	Notes         string              `json:"notes,omitempty"`
	OrderDate     time.Time           `json:"order_date"`
	OrderedAt     *time.Time          `json:"ordered_at,omitempty"`
	ReceivedAt    *time.Time          `json:"received_at,omitempty"`
	CancelledAt   *time.Time          `json:"cancelled_at,omitempty"`
	CreatedBy     string              `json:"created_by,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

type PurchaseOrderCreateRequest struct {
	OutletID   string              `json:"outlet_id"`
	SupplierID string              `json:"supplier_id"`
	Items      []PurchaseOrderItem `json:"items"`
	OrderDate  *time.Time          `json:"order_date"`
	Notes      string              `json:"notes"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder PurchaseOrder     `json:"purchase_order"`
	Adjustments   []StockAdjustment `json:"adjustments,omitempty"`
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
}

type OpnameItem struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id,omitempty"`
	SystemStock int    `json:"system_stock"`
	ActualStock *int   `json:"actual_stock,omitempty"`
	Difference  *int   `json:"difference,omitempty"`
}

type OpnameSession struct {
	ID          string       `json:"id"`
	OutletID    string       `json:"outlet_id"`
	Status      string       `json:"status"`
	Notes       string       `json:"notes,omitempty"`
	Items       []OpnameItem `json:"items"`
	CreatedBy   string       `json:"created_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

type OpnameCreateRequest struct {
	OutletID   string   `json:"outlet_id"`
	ProductIDs []string `json:"product_ids"`
	Notes      string   `json:"notes"`
}

type OpnameCount struct {
	ItemID      string `json:"item_id"`
	ActualStock int    `json:"actual_stock"`
}

type OpnameCountRequest struct {
	Counts []OpnameCount `json:"counts"`
}

type OpnameFinalizeResponse struct {
	Session      OpnameSession     `json:"session"`
	Corrections  []StockAdjustment `json:"corrections"`
	SkippedItems []string          `json:"skipped_items"`
}

type Customer struct {
	ID              string    `json:"id"`
	OutletID        string    `json:"outlet_id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone,omitempty"`
	Points          int64     `json:"points"`
	TierID          string    `json:"tier_id,omitempty"`
	TotalSpentCents int64     `json:"total_spent_cents"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type CustomerCreateRequest struct {
	OutletID string `json:"outlet_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
}

type PointTransaction struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customer_id"`
	OutletID      string    `json:"outlet_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Type          string    `json:"type"`
	Points        int64     `json:"points"`
	// SpentCents is added to the customer's total spent together with Points.
	SpentCents  int64     `json:"spent_cents,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type PointsMutationRequest struct {
	OutletID    string `json:"outlet_id"`
	Points      int64  `json:"points"`
	Description string `json:"description"`
}

type PointsMutationResponse struct {
	Customer    Customer         `json:"customer"`
	Transaction PointTransaction `json:"transaction"`
	TierChanged bool             `json:"tier_changed"`
}

type CustomerPointsResponse struct {
	Customer     Customer           `json:"customer"`
	Transactions []PointTransaction `json:"transactions"`
}

type PointsReconciliation struct {
	Customer       Customer `json:"customer"`
	CachedPoints   int64    `json:"cached_points"`
	LedgerPoints   int64    `json:"ledger_points"`
	Repaired       bool     `json:"repaired"`
	TierRecomputed bool     `json:"tier_recomputed"`
}

type MemberTier struct {
	ID              string  `json:"id"`
	OutletID        string  `json:"outlet_id"`
	Name            string  `json:"name"`
	MinPoints       int64   `json:"min_points"`
	DiscountPercent float64 `json:"discount_percent"`
	PointMultiplier float64 `json:"point_multiplier"`
}

type LoyaltySettings struct {
	OutletID        string `json:"outlet_id"`
	PointsPerAmount int64  `json:"points_per_amount"`
	AmountPerPoint  int64  `json:"amount_per_point"`
	IsEnabled       bool   `json:"is_enabled"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	OutletID   string    `json:"outlet_id"`
	Actor      string    `json:"actor"`
	Role       string    `json:"role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type Actor struct {
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Outlets  []string `json:"outlets"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Outlets   []string  `json:"outlets"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	Role        string   `json:"role"`
	Outlets     []string `json:"outlets"`
	ExpiresAt   string   `json:"expires_at"`
}
