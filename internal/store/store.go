package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/domain"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrValidation        = errors.New("validation error")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrAlreadyFinalized  = errors.New("already finalized")
	ErrNotFound          = errors.New("not found")
	ErrInternal          = errors.New("internal error")
	// ErrDuplicate reports an idempotency key or unique number that already exists.
	ErrDuplicate = errors.New("duplicate")
)

// InsufficientStockError carries every line that failed pre-validation.
type InsufficientStockError struct {
	Lines []domain.StockShortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		sku := line.ProductID
		if line.VariantID != "" {
			sku += "/" + line.VariantID
		}
		parts = append(parts, fmt.Sprintf("%s requested=%d available=%d", sku, line.Requested, line.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsTaxonomy reports whether err already belongs to the caller-facing error set.
func IsTaxonomy(err error) bool {
	for _, target := range []error{
		ErrUnauthorized, ErrValidation, ErrInsufficientStock, ErrInvalidTransition,
		ErrAlreadyProcessed, ErrAlreadyFinalized, ErrNotFound, ErrInternal,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// FloorDelta returns the movement that keeps quantity at or above zero and
// whether the requested delta had to be clamped.
func FloorDelta(quantity int, delta int) (int, bool) {
	if quantity+delta < 0 {
		return -quantity, true
	}
	return delta, false
}

type CatalogStore interface {
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error)
}

// StockLedger applies adjustments atomically per StockItem: lazy creation,
// idempotency on (outlet, reason, source, product, variant) and the zero floor
// all happen under one row-level critical section.
type StockLedger interface {
	ApplyAdjustment(ctx context.Context, adj domain.StockAdjustment) (domain.AdjustmentResult, error)
	GetStockItem(ctx context.Context, key domain.SKUKey) (*domain.StockItem, error)
	ListStockItems(ctx context.Context, outletID string, productIDs []string) ([]domain.StockItem, error)
	ListAdjustments(ctx context.Context, key domain.SKUKey) ([]domain.StockAdjustment, error)
}

type SequenceStore interface {
	NextSequence(ctx context.Context, outletID string, scope string, period string) (int64, error)
}

type SaleStore interface {
	CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	FindTransactionByInvoice(ctx context.Context, outletID string, invoiceNumber string) (*domain.Transaction, error)
	VoidTransaction(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error)
}

type PurchaseOrderStore interface {
	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, outletID string, status string, limit int) ([]domain.PurchaseOrder, error)
	// TransitionPurchaseOrder flips status only when the current status equals from.
	TransitionPurchaseOrder(ctx context.Context, id string, from string, to string, at time.Time) (*domain.PurchaseOrder, error)
	// ApplyReceivedCost writes costCents to the SKU of order line lineNo (1-based)
	// and marks the line. It reports false without writing when the line is
	// already marked.
	ApplyReceivedCost(ctx context.Context, poID string, lineNo int, costCents int64) (bool, error)
}

type OpnameStore interface {
	CreateOpnameSession(ctx context.Context, session domain.OpnameSession) (*domain.OpnameSession, error)
	GetOpnameSession(ctx context.Context, id string) (*domain.OpnameSession, error)
	RecordOpnameCounts(ctx context.Context, sessionID string, counts []domain.OpnameCount) (*domain.OpnameSession, error)
	CompleteOpnameSession(ctx context.Context, sessionID string, at time.Time) (*domain.OpnameSession, error)
}

type LoyaltyStore interface {
	GetLoyaltySettings(ctx context.Context, outletID string) (*domain.LoyaltySettings, error)
	UpsertLoyaltySettings(ctx context.Context, settings domain.LoyaltySettings) error
	ListMemberTiers(ctx context.Context, outletID string) ([]domain.MemberTier, error)
	UpsertMemberTier(ctx context.Context, tier domain.MemberTier) (*domain.MemberTier, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	// AppendPointTransaction records the entry and moves points and total spent together.
	// A second earn for the same transaction returns ErrDuplicate.
	AppendPointTransaction(ctx context.Context, entry domain.PointTransaction) (*domain.Customer, error)
	ListPointTransactions(ctx context.Context, customerID string) ([]domain.PointTransaction, error)
	SetCustomerTier(ctx context.Context, customerID string, tierID string) error
	ResetCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	StockLedger
	SequenceStore
	SaleStore
	PurchaseOrderStore
	OpnameStore
	LoyaltyStore
	AuditStore
	UserStore
}
