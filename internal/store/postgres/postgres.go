package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.SKU == "" || product.Name == "" || product.PriceCents < 0 {
		return nil, store.ErrValidation
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, sku, name, category, price_cents, cost_cents, tracks_stock, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, category = EXCLUDED.category,
			price_cents = EXCLUDED.price_cents, cost_cents = EXCLUDED.cost_cents,
			tracks_stock = EXCLUDED.tracks_stock, active = EXCLUDED.active, updated_at = now()
		RETURNING updated_at
	`, product.ID, product.SKU, product.Name, product.Category, product.PriceCents, product.CostCents, product.TracksStock, product.Active).Scan(&product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpsertVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	if variant.ID == "" || variant.ProductID == "" || variant.SKU == "" || variant.PriceCents < 0 {
		return nil, store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_variants (id, product_id, sku, name, price_cents, cost_cents)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, price_cents = EXCLUDED.price_cents, cost_cents = EXCLUDED.cost_cents
	`, variant.ID, variant.ProductID, variant.SKU, variant.Name, variant.PriceCents, variant.CostCents)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &variant, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, category, price_cents, cost_cents, tracks_stock, active, updated_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Category, &p.PriceCents, &p.CostCents, &p.TracksStock, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (s *Store) GetVariantsByIDs(ctx context.Context, ids []string) (map[string]domain.ProductVariant, error) {
	result := make(map[string]domain.ProductVariant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, sku, name, price_cents, cost_cents
		FROM product_variants
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.ProductVariant
		if err := rows.Scan(&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.PriceCents, &v.CostCents); err != nil {
			return nil, err
		}
		result[v.ID] = v
	}
	return result, rows.Err()
}

func updateCostPrice(ctx context.Context, q queryer, productID string, variantID string, costCents int64) error {
	var (
		res sql.Result
		err error
	)
	if variantID != "" {
		res, err = q.ExecContext(ctx, `
			UPDATE product_variants SET cost_cents = $3 WHERE id = $2 AND product_id = $1
		`, productID, variantID, costCents)
	} else {
		res, err = q.ExecContext(ctx, `
			UPDATE products SET cost_cents = $2, updated_at = now() WHERE id = $1
		`, productID, costCents)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ApplyAdjustment runs one transaction per adjustment. The stock_items row lock
// taken with FOR UPDATE serializes every writer of the same SKU, so the
// idempotency lookup, floor and update below cannot interleave.
func (s *Store) ApplyAdjustment(ctx context.Context, adj domain.StockAdjustment) (domain.AdjustmentResult, error) {
	if adj.OutletID == "" || adj.ProductID == "" || adj.SourceID == "" || !adj.Reason.Valid() {
		return domain.AdjustmentResult{}, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.AdjustmentResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var tracksStock bool
	err = tx.QueryRowContext(ctx, `SELECT tracks_stock FROM products WHERE id = $1`, adj.ProductID).Scan(&tracksStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AdjustmentResult{}, store.ErrNotFound
		}
		return domain.AdjustmentResult{}, err
	}
	if adj.VariantID != "" {
		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM product_variants WHERE id = $1 AND product_id = $2)
		`, adj.VariantID, adj.ProductID).Scan(&exists)
		if err != nil {
			return domain.AdjustmentResult{}, err
		}
		if !exists {
			return domain.AdjustmentResult{}, store.ErrNotFound
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_items (outlet_id, product_id, variant_id, quantity, tracks_stock, updated_at)
		VALUES ($1,$2,$3,0,$4,now())
		ON CONFLICT (outlet_id, product_id, variant_id) DO NOTHING
	`, adj.OutletID, adj.ProductID, adj.VariantID, tracksStock); err != nil {
		return domain.AdjustmentResult{}, err
	}

	item := domain.StockItem{OutletID: adj.OutletID, ProductID: adj.ProductID, VariantID: adj.VariantID}
	err = tx.QueryRowContext(ctx, `
		SELECT quantity, tracks_stock, updated_at
		FROM stock_items
		WHERE outlet_id = $1 AND product_id = $2 AND variant_id = $3
		FOR UPDATE
	`, adj.OutletID, adj.ProductID, adj.VariantID).Scan(&item.Quantity, &item.TracksStock, &item.UpdatedAt)
	if err != nil {
		return domain.AdjustmentResult{}, err
	}

	existing, err := scanAdjustment(tx.QueryRowContext(ctx, `
		SELECT `+adjustmentColumns+`
		FROM stock_adjustments
		WHERE outlet_id = $1 AND reason = $2 AND source_id = $3 AND product_id = $4 AND variant_id = $5
	`, adj.OutletID, string(adj.Reason), adj.SourceID, adj.ProductID, adj.VariantID))
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return domain.AdjustmentResult{}, err
		}
		return domain.AdjustmentResult{
			Item:           item,
			Adjustment:     existing,
			QuantityBefore: item.Quantity,
			Duplicate:      true,
			NotTracked:     !item.TracksStock,
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.AdjustmentResult{}, err
	}

	before := item.Quantity
	applied, clamped := 0, false
	if item.TracksStock {
		applied, clamped = store.FloorDelta(before, adj.Delta)
	}

	adj.ID = xid.New("adj")
	adj.AppliedDelta = applied
	adj.QuantityAfter = before + applied
	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_adjustments (
			id, outlet_id, product_id, variant_id, delta, applied_delta, quantity_after,
			reason, source_id, note, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, adj.ID, adj.OutletID, adj.ProductID, adj.VariantID, adj.Delta, adj.AppliedDelta, adj.QuantityAfter,
		string(adj.Reason), adj.SourceID, adj.Note, adj.CreatedBy, adj.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.AdjustmentResult{}, store.ErrDuplicate
		}
		return domain.AdjustmentResult{}, err
	}

	if applied != 0 {
		err = tx.QueryRowContext(ctx, `
			UPDATE stock_items
			SET quantity = quantity + $4, updated_at = now()
			WHERE outlet_id = $1 AND product_id = $2 AND variant_id = $3
			RETURNING quantity, updated_at
		`, adj.OutletID, adj.ProductID, adj.VariantID, applied).Scan(&item.Quantity, &item.UpdatedAt)
		if err != nil {
			return domain.AdjustmentResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.AdjustmentResult{}, err
	}
	return domain.AdjustmentResult{
		Item:           item,
		Adjustment:     adj,
		QuantityBefore: before,
		Clamped:        clamped,
		NotTracked:     !item.TracksStock,
	}, nil
}

const adjustmentColumns = `id, outlet_id, product_id, variant_id, delta, applied_delta, quantity_after,
	reason, source_id, note, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdjustment(row rowScanner) (domain.StockAdjustment, error) {
	var adj domain.StockAdjustment
	var reason string
	err := row.Scan(&adj.ID, &adj.OutletID, &adj.ProductID, &adj.VariantID, &adj.Delta, &adj.AppliedDelta, &adj.QuantityAfter,
		&reason, &adj.SourceID, &adj.Note, &adj.CreatedBy, &adj.CreatedAt)
	adj.Reason = domain.AdjustmentReason(reason)
	return adj, err
}

func (s *Store) GetStockItem(ctx context.Context, key domain.SKUKey) (*domain.StockItem, error) {
	item := domain.StockItem{OutletID: key.OutletID, ProductID: key.ProductID, VariantID: key.VariantID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity, tracks_stock, updated_at
		FROM stock_items
		WHERE outlet_id = $1 AND product_id = $2 AND variant_id = $3
	`, key.OutletID, key.ProductID, key.VariantID).Scan(&item.Quantity, &item.TracksStock, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListStockItems(ctx context.Context, outletID string, productIDs []string) ([]domain.StockItem, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if len(productIDs) == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT outlet_id, product_id, variant_id, quantity, tracks_stock, updated_at
			FROM stock_items
			WHERE outlet_id = $1
			ORDER BY product_id, variant_id
		`, outletID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT outlet_id, product_id, variant_id, quantity, tracks_stock, updated_at
			FROM stock_items
			WHERE outlet_id = $1 AND product_id = ANY($2)
			ORDER BY product_id, variant_id
		`, outletID, productIDs)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0, 64)
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.OutletID, &item.ProductID, &item.VariantID, &item.Quantity, &item.TracksStock, &item.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) ListAdjustments(ctx context.Context, key domain.SKUKey) ([]domain.StockAdjustment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+adjustmentColumns+`
		FROM stock_adjustments
		WHERE outlet_id = $1 AND product_id = $2 AND variant_id = $3
		ORDER BY seq
	`, key.OutletID, key.ProductID, key.VariantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.StockAdjustment, 0, 16)
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, adj)
	}
	return result, rows.Err()
}

// NextSequence increments the (outlet, scope, period) counter in one statement.
func (s *Store) NextSequence(ctx context.Context, outletID string, scope string, period string) (int64, error) {
	if outletID == "" || scope == "" || period == "" {
		return 0, store.ErrValidation
	}
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO document_sequences (outlet_id, scope, period, value)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (outlet_id, scope, period)
		DO UPDATE SET value = document_sequences.value + 1
		RETURNING value
	`, outletID, scope, period).Scan(&value)
	return value, err
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" || tx.OutletID == "" || tx.InvoiceNumber == "" || len(tx.Items) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, outlet_id, invoice_number, customer_id, subtotal_cents, discount_cents,
			tax_rate_percent, tax_cents, total_cents, payment_method, status, notes, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, tx.ID, tx.OutletID, tx.InvoiceNumber, tx.CustomerID, tx.SubtotalCents, tx.DiscountCents,
		tx.TaxRatePercent, tx.TaxCents, tx.TotalCents, tx.PaymentMethod, tx.Status, tx.Notes, tx.CreatedBy, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	for idx, item := range tx.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_items (
				transaction_id, line_no, product_id, variant_id, sku, name, qty,
				unit_price_cents, unit_cost_cents, line_total_cents, unresolved
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, tx.ID, idx+1, item.ProductID, item.VariantID, item.SKU, item.Name, item.Qty,
			item.UnitPriceCents, item.UnitCostCents, item.LineTotalCents, item.Unresolved); err != nil {
			return nil, err
		}
	}

	payments := make([]domain.Payment, 0, len(tx.Payments))
	for _, p := range tx.Payments {
		p.ID = xid.New("pay")
		p.TransactionID = tx.ID
		p.CreatedAt = tx.CreatedAt
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO transaction_payments (id, transaction_id, method, amount_cents, reference, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, p.ID, p.TransactionID, p.Method, p.AmountCents, p.Reference, p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	tx.Payments = payments
	return &tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var tx domain.Transaction
	var voidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, outlet_id, invoice_number, customer_id, subtotal_cents, discount_cents,
			tax_rate_percent, tax_cents, total_cents, payment_method, status, notes, created_by,
			void_reason, voided_at, created_at
		FROM transactions
		WHERE id = $1
	`, id).Scan(&tx.ID, &tx.OutletID, &tx.InvoiceNumber, &tx.CustomerID, &tx.SubtotalCents, &tx.DiscountCents,
		&tx.TaxRatePercent, &tx.TaxCents, &tx.TotalCents, &tx.PaymentMethod, &tx.Status, &tx.Notes, &tx.CreatedBy,
		&tx.VoidReason, &voidedAt, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if voidedAt.Valid {
		v := voidedAt.Time.UTC()
		tx.VoidedAt = &v
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, variant_id, sku, name, qty, unit_price_cents, unit_cost_cents, line_total_cents, unresolved
		FROM transaction_items
		WHERE transaction_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var item domain.TransactionItem
		if err := itemRows.Scan(&item.ProductID, &item.VariantID, &item.SKU, &item.Name, &item.Qty,
			&item.UnitPriceCents, &item.UnitCostCents, &item.LineTotalCents, &item.Unresolved); err != nil {
			return nil, err
		}
		tx.Items = append(tx.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, method, amount_cents, reference, created_at
		FROM transaction_payments
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var p domain.Payment
		if err := paymentRows.Scan(&p.ID, &p.TransactionID, &p.Method, &p.AmountCents, &p.Reference, &p.CreatedAt); err != nil {
			return nil, err
		}
		tx.Payments = append(tx.Payments, p)
	}
	if err := paymentRows.Err(); err != nil {
		return nil, err
	}

	return &tx, nil
}

func (s *Store) FindTransactionByInvoice(ctx context.Context, outletID string, invoiceNumber string) (*domain.Transaction, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM transactions WHERE outlet_id = $1 AND invoice_number = $2
	`, outletID, invoiceNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) VoidTransaction(ctx context.Context, id string, reason string, at time.Time) (*domain.Transaction, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, void_reason = $3, voided_at = $4
		WHERE id = $1 AND status = $5
	`, id, domain.TxStatusVoid, reason, at.UTC(), domain.TxStatusCompleted)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetTransaction(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrAlreadyProcessed
	}
	return s.GetTransaction(ctx, id)
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" || po.OutletID == "" || po.SupplierID == "" || po.InvoiceNumber == "" || len(po.Items) == 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (
			id, outlet_id, supplier_id, invoice_number, status, total_cents, notes, order_date, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, po.ID, po.OutletID, po.SupplierID, po.InvoiceNumber, po.Status, po.TotalCents, po.Notes, po.OrderDate, po.CreatedBy, po.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	for idx, item := range po.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchase_order_items (purchase_order_id, line_no, product_id, variant_id, qty, cost_price_cents)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, po.ID, idx+1, item.ProductID, item.VariantID, item.Qty, item.CostPriceCents); err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &po, nil
}

const purchaseOrderColumns = `id, outlet_id, supplier_id, invoice_number, status, total_cents, notes,
	order_date, ordered_at, received_at, cancelled_at, created_by, created_at`

func scanPurchaseOrder(row rowScanner) (domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	var orderedAt, receivedAt, cancelledAt sql.NullTime
	err := row.Scan(&po.ID, &po.OutletID, &po.SupplierID, &po.InvoiceNumber, &po.Status, &po.TotalCents, &po.Notes,
		&po.OrderDate, &orderedAt, &receivedAt, &cancelledAt, &po.CreatedBy, &po.CreatedAt)
	po.OrderedAt = nullTimePtr(orderedAt)
	po.ReceivedAt = nullTimePtr(receivedAt)
	po.CancelledAt = nullTimePtr(cancelledAt)
	return po, err
}

func (s *Store) loadPurchaseOrderItems(ctx context.Context, q queryer, po *domain.PurchaseOrder) error {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, variant_id, qty, cost_price_cents, cost_applied
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY line_no
	`, po.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	po.Items = make([]domain.PurchaseOrderItem, 0, 8)
	for rows.Next() {
		var item domain.PurchaseOrderItem
		if err := rows.Scan(&item.ProductID, &item.VariantID, &item.Qty, &item.CostPriceCents, &item.CostApplied); err != nil {
			return err
		}
		po.Items = append(po.Items, item)
	}
	return rows.Err()
}

func (s *Store) GetPurchaseOrder(ctx context.Context, id string) (*domain.PurchaseOrder, error) {
	po, err := scanPurchaseOrder(s.db.QueryRowContext(ctx, `SELECT `+purchaseOrderColumns+` FROM purchase_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := s.loadPurchaseOrderItems(ctx, s.db, &po); err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, outletID string, status string, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+purchaseOrderColumns+`
		FROM purchase_orders
		WHERE outlet_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, outletID, status, limit)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.PurchaseOrder, 0, limit)
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for idx := range orders {
		if err := s.loadPurchaseOrderItems(ctx, s.db, &orders[idx]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (s *Store) TransitionPurchaseOrder(ctx context.Context, id string, from string, to string, at time.Time) (*domain.PurchaseOrder, error) {
	var stampColumn string
	switch to {
	case domain.POStatusOrdered:
		stampColumn = "ordered_at"
	case domain.POStatusReceived:
		stampColumn = "received_at"
	case domain.POStatusCancelled:
		stampColumn = "cancelled_at"
	default:
		return nil, store.ErrInvalidTransition
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_orders
		SET status = $3, `+stampColumn+` = $4
		WHERE id = $1 AND status = $2
	`, id, from, to, at.UTC())
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetPurchaseOrder(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.ErrInvalidTransition
	}
	return s.GetPurchaseOrder(ctx, id)
}

// ApplyReceivedCost flips the line marker and writes the cost in one
// transaction; the conditional update is what makes a retried receipt skip it.
func (s *Store) ApplyReceivedCost(ctx context.Context, poID string, lineNo int, costCents int64) (bool, error) {
	if costCents < 0 {
		return false, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var productID, variantID string
	err = tx.QueryRowContext(ctx, `
		UPDATE purchase_order_items SET cost_applied = true
		WHERE purchase_order_id = $1 AND line_no = $2 AND NOT cost_applied
		RETURNING product_id, variant_id
	`, poID, lineNo).Scan(&productID, &variantID)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM purchase_order_items WHERE purchase_order_id = $1 AND line_no = $2)
		`, poID, lineNo).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, store.ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := updateCostPrice(ctx, tx, productID, variantID, costCents); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateOpnameSession(ctx context.Context, session domain.OpnameSession) (*domain.OpnameSession, error) {
	if session.ID == "" || session.OutletID == "" {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO opname_sessions (id, outlet_id, status, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, session.ID, session.OutletID, session.Status, session.Notes, session.CreatedBy, session.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	for idx, item := range session.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO opname_items (id, session_id, line_no, product_id, variant_id, system_stock)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, item.ID, session.ID, idx+1, item.ProductID, item.VariantID, item.SystemStock); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetOpnameSession(ctx context.Context, id string) (*domain.OpnameSession, error) {
	return s.getOpnameSession(ctx, s.db, id)
}

func (s *Store) getOpnameSession(ctx context.Context, q queryer, id string) (*domain.OpnameSession, error) {
	var session domain.OpnameSession
	var completedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, outlet_id, status, notes, created_by, created_at, completed_at
		FROM opname_sessions
		WHERE id = $1
	`, id).Scan(&session.ID, &session.OutletID, &session.Status, &session.Notes, &session.CreatedBy, &session.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.CompletedAt = nullTimePtr(completedAt)

	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, variant_id, system_stock, actual_stock, difference
		FROM opname_items
		WHERE session_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	session.Items = make([]domain.OpnameItem, 0, 32)
	for rows.Next() {
		var item domain.OpnameItem
		var actual, diff sql.NullInt64
		if err := rows.Scan(&item.ID, &item.ProductID, &item.VariantID, &item.SystemStock, &actual, &diff); err != nil {
			return nil, err
		}
		item.ActualStock = nullIntPtr(actual)
		item.Difference = nullIntPtr(diff)
		session.Items = append(session.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) RecordOpnameCounts(ctx context.Context, sessionID string, counts []domain.OpnameCount) (*domain.OpnameSession, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM opname_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.OpnameStatusDraft {
		return nil, store.ErrAlreadyFinalized
	}

	for _, count := range counts {
		if count.ActualStock < 0 {
			return nil, store.ErrValidation
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE opname_items
			SET actual_stock = $3, difference = $3 - system_stock
			WHERE session_id = $1 AND id = $2
		`, sessionID, count.ItemID, count.ActualStock)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrValidation
		}
	}

	session, err := s.getOpnameSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) CompleteOpnameSession(ctx context.Context, sessionID string, at time.Time) (*domain.OpnameSession, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE opname_sessions
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = $4
	`, sessionID, domain.OpnameStatusCompleted, at.UTC(), domain.OpnameStatusDraft)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.GetOpnameSession(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, store.ErrAlreadyFinalized
	}
	return s.GetOpnameSession(ctx, sessionID)
}

func (s *Store) GetLoyaltySettings(ctx context.Context, outletID string) (*domain.LoyaltySettings, error) {
	settings := domain.LoyaltySettings{OutletID: outletID}
	err := s.db.QueryRowContext(ctx, `
		SELECT points_per_amount, amount_per_point, is_enabled
		FROM loyalty_settings
		WHERE outlet_id = $1
	`, outletID).Scan(&settings.PointsPerAmount, &settings.AmountPerPoint, &settings.IsEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &settings, nil
}

func (s *Store) UpsertLoyaltySettings(ctx context.Context, settings domain.LoyaltySettings) error {
	if settings.OutletID == "" {
		return store.ErrValidation
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_settings (outlet_id, points_per_amount, amount_per_point, is_enabled)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (outlet_id) DO UPDATE
		SET points_per_amount = EXCLUDED.points_per_amount,
			amount_per_point = EXCLUDED.amount_per_point,
			is_enabled = EXCLUDED.is_enabled
	`, settings.OutletID, settings.PointsPerAmount, settings.AmountPerPoint, settings.IsEnabled)
	return err
}

func (s *Store) ListMemberTiers(ctx context.Context, outletID string) ([]domain.MemberTier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, outlet_id, name, min_points, discount_percent, point_multiplier
		FROM member_tiers
		WHERE outlet_id = $1
		ORDER BY min_points, id
	`, outletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make([]domain.MemberTier, 0, 4)
	for rows.Next() {
		var tier domain.MemberTier
		if err := rows.Scan(&tier.ID, &tier.OutletID, &tier.Name, &tier.MinPoints, &tier.DiscountPercent, &tier.PointMultiplier); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, rows.Err()
}

func (s *Store) UpsertMemberTier(ctx context.Context, tier domain.MemberTier) (*domain.MemberTier, error) {
	if tier.OutletID == "" || strings.TrimSpace(tier.Name) == "" || tier.MinPoints < 0 {
		return nil, store.ErrValidation
	}
	if tier.ID == "" {
		tier.ID = xid.New("tier")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO member_tiers (id, outlet_id, name, min_points, discount_percent, point_multiplier)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, min_points = EXCLUDED.min_points,
			discount_percent = EXCLUDED.discount_percent, point_multiplier = EXCLUDED.point_multiplier
		WHERE member_tiers.outlet_id = EXCLUDED.outlet_id
	`, tier.ID, tier.OutletID, tier.Name, tier.MinPoints, tier.DiscountPercent, tier.PointMultiplier)
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

const customerColumns = `id, outlet_id, name, phone, points, tier_id, total_spent_cents, created_at, updated_at`

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.OutletID, &c.Name, &c.Phone, &c.Points, &c.TierID, &c.TotalSpentCents, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" || customer.OutletID == "" || customer.Points != 0 {
		return nil, store.ErrValidation
	}
	created, err := scanCustomer(s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, outlet_id, name, phone, points, tier_id, total_spent_cents, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,$5,0,now(),now())
		RETURNING `+customerColumns, customer.ID, customer.OutletID, customer.Name, customer.Phone, customer.TierID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
}

// AppendPointTransaction locks the customer row so the balance check, ledger
// insert and balance update commit together.
func (s *Store) AppendPointTransaction(ctx context.Context, entry domain.PointTransaction) (*domain.Customer, error) {
	if entry.CustomerID == "" || entry.Type == "" {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var points int64
	err = tx.QueryRowContext(ctx, `SELECT points FROM customers WHERE id = $1 FOR UPDATE`, entry.CustomerID).Scan(&points)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if points+entry.Points < 0 {
		return nil, store.ErrValidation
	}

	if entry.ID == "" {
		entry.ID = xid.New("pt")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO point_transactions (id, customer_id, outlet_id, transaction_id, type, points, spent_cents, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.CustomerID, entry.OutletID, entry.TransactionID, entry.Type, entry.Points, entry.SpentCents, entry.Description, entry.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}

	customer, err := scanCustomer(tx.QueryRowContext(ctx, `
		UPDATE customers
		SET points = points + $2, total_spent_cents = total_spent_cents + $3, updated_at = now()
		WHERE id = $1
		RETURNING `+customerColumns, entry.CustomerID, entry.Points, entry.SpentCents))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return customer, nil
}

func (s *Store) ListPointTransactions(ctx context.Context, customerID string) ([]domain.PointTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, outlet_id, transaction_id, type, points, spent_cents, description, created_at
		FROM point_transactions
		WHERE customer_id = $1
		ORDER BY seq
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PointTransaction, 0, 16)
	for rows.Next() {
		var e domain.PointTransaction
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.OutletID, &e.TransactionID, &e.Type, &e.Points, &e.SpentCents, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SetCustomerTier(ctx context.Context, customerID string, tierID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET tier_id = $2, updated_at = now() WHERE id = $1
	`, customerID, tierID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ResetCustomerPoints(ctx context.Context, customerID string, points int64) (*domain.Customer, error) {
	if points < 0 {
		return nil, store.ErrValidation
	}
	return scanCustomer(s.db.QueryRowContext(ctx, `
		UPDATE customers SET points = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+customerColumns, customerID, points))
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, outlet_id, actor, role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.OutletID, entry.Actor, entry.Role, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	outlets := user.Outlets
	if outlets == nil {
		outlets = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password_hash, role, outlets, active, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, outlets, user.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, array_to_string(outlets, ','), active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		var outlets string
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &outlets, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.Outlets = splitOutlets(outlets)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func splitOutlets(joined string) []string {
	outlets := make([]string, 0, 2)
	for _, outlet := range strings.Split(joined, ",") {
		if outlet = strings.TrimSpace(outlet); outlet != "" {
			outlets = append(outlets, outlet)
		}
	}
	return outlets
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}
