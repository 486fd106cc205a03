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

type resolvedLine struct {
	line       domain.SaleLine
	product    domain.Product
	variant    *domain.ProductVariant
	unresolved bool
}

func (r resolvedLine) key(outletID string) domain.SKUKey {
	return domain.SKUKey{OutletID: outletID, ProductID: r.line.ProductID, VariantID: r.line.VariantID}
}

// CreateSale validates the cart against current stock, records the
// transaction with its payments, then deducts stock and accrues loyalty.
// Nothing is written when validation fails; once the transaction exists the
// stock and loyalty steps only log on failure.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	outletID, err := requireOutlet(req.OutletID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	resp, err := s.createSale(ctx, outletID, req)
	switch {
	case err == nil && resp.Duplicate:
		s.metrics.ObserveSale("duplicate")
	case err == nil:
		s.metrics.ObserveSale("completed")
	case errors.Is(err, store.ErrInsufficientStock):
		s.metrics.ObserveSale("insufficient_stock")
	case errors.Is(err, store.ErrInternal):
		s.metrics.ObserveSale("error")
	default:
		s.metrics.ObserveSale("rejected")
	}
	return resp, err
}

func (s *Service) createSale(ctx context.Context, outletID string, req domain.SaleRequest) (domain.SaleResponse, error) {
	lines, err := normalizeSaleLines(req.Items)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if req.DiscountCents < 0 {
		return domain.SaleResponse{}, validationError("discount must not be negative")
	}
	if req.TaxRatePercent < 0 || req.TaxRatePercent > 100 {
		return domain.SaleResponse{}, validationError("tax rate must be between 0 and 100")
	}

	req.InvoiceNumber = strings.ToUpper(strings.TrimSpace(req.InvoiceNumber))
	if req.InvoiceNumber != "" {
		if existing, err := s.repo.FindTransactionByInvoice(ctx, outletID, req.InvoiceNumber); err == nil {
			return toSaleResponse(existing, true), nil
		} else if !isNotFound(err) {
			return domain.SaleResponse{}, wrapStoreErr("lookup invoice", err)
		}
	}

	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID != "" {
		if _, err := s.customerForOutlet(ctx, outletID, req.CustomerID); err != nil {
			if isNotFound(err) {
				return domain.SaleResponse{}, validationError("unknown customer %s", req.CustomerID)
			}
			return domain.SaleResponse{}, err
		}
	}

	resolved, err := s.resolveSaleLines(ctx, lines)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	lockKeys := make([]string, 0, len(resolved))
	for _, r := range resolved {
		if !r.unresolved && r.product.TracksStock {
			lockKeys = append(lockKeys, stockLockKey(r.key(outletID)))
		}
	}
	unlock := s.locks.Lock(lockKeys...)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	if err := s.prevalidateStock(ctx, outletID, resolved); err != nil {
		return domain.SaleResponse{}, err
	}

	items := make([]domain.TransactionItem, 0, len(resolved))
	subtotal := int64(0)
	for _, r := range resolved {
		item := snapshotLine(r)
		subtotal += item.LineTotalCents
		items = append(items, item)
	}
	if req.DiscountCents > subtotal {
		return domain.SaleResponse{}, validationError("discount exceeds subtotal")
	}
	taxBase := subtotal - req.DiscountCents
	taxCents := taxAmount(taxBase, req.TaxRatePercent)
	total := taxBase + taxCents

	payments, method, err := buildPayments(req.Payments, req.PaymentMethod, total)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	now := s.now()
	invoice := req.InvoiceNumber
	if invoice == "" {
		invoice, err = s.nextDocumentNumber(ctx, outletID, "INV", now)
		if err != nil {
			return domain.SaleResponse{}, err
		}
	}

	tx := domain.Transaction{
		ID:             xid.New("tx"),
		OutletID:       outletID,
		InvoiceNumber:  invoice,
		CustomerID:     req.CustomerID,
		Items:          items,
		Payments:       payments,
		SubtotalCents:  subtotal,
		DiscountCents:  req.DiscountCents,
		TaxRatePercent: req.TaxRatePercent,
		TaxCents:       taxCents,
		TotalCents:     total,
		PaymentMethod:  method,
		Status:         domain.TxStatusCompleted,
		Notes:          strings.TrimSpace(req.Notes),
		CreatedBy:      actorName(ctx),
		CreatedAt:      now,
	}

	created, err := s.repo.CreateTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) && req.InvoiceNumber != "" {
			if existing, lookupErr := s.repo.FindTransactionByInvoice(ctx, outletID, req.InvoiceNumber); lookupErr == nil {
				return toSaleResponse(existing, true), nil
			}
		}
		if errors.Is(err, store.ErrDuplicate) {
			return domain.SaleResponse{}, fmt.Errorf("invoice number %s already used: %w", invoice, store.ErrInternal)
		}
		return domain.SaleResponse{}, wrapStoreErr("create transaction", err)
	}

	warnings := s.deductSaleStock(ctx, created)
	unlock()
	locked = false

	resp := toSaleResponse(created, false)
	resp.StockWarnings = warnings

	if created.CustomerID != "" {
		earned, err := s.AccruePoints(ctx, created)
		if err != nil {
			log.Printf("[sale] WARN: loyalty accrual failed tx=%s customer=%s: %v", created.ID, created.CustomerID, err)
		}
		resp.EarnedPoints = earned
	}

	s.logAudit(ctx, outletID, "sale_create", "transaction", created.ID,
		fmt.Sprintf("invoice=%s,total=%d,payment=%s,lines=%d,earned=%d", created.InvoiceNumber, created.TotalCents, created.PaymentMethod, len(created.Items), resp.EarnedPoints))
	return resp, nil
}

func (s *Service) resolveSaleLines(ctx context.Context, lines []domain.SaleLine) ([]resolvedLine, error) {
	productIDs := make([]string, 0, len(lines))
	variantIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
		if line.VariantID != "" {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, wrapStoreErr("load products", err)
	}
	variants := map[string]domain.ProductVariant{}
	if len(variantIDs) > 0 {
		variants, err = s.repo.GetVariantsByIDs(ctx, variantIDs)
		if err != nil {
			return nil, wrapStoreErr("load variants", err)
		}
	}

	resolved := make([]resolvedLine, 0, len(lines))
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, validationError("unknown product %s", line.ProductID)
		}
		r := resolvedLine{line: line, product: product}
		if line.VariantID != "" {
			variant, ok := variants[line.VariantID]
			if !ok || variant.ProductID != line.ProductID {
				if !s.opts.TolerateUnknownVariants {
					return nil, validationError("unknown variant %s for product %s", line.VariantID, line.ProductID)
				}
				log.Printf("[sale] WARN: unknown variant skipped product=%s variant=%s qty=%d", line.ProductID, line.VariantID, line.Qty)
				r.unresolved = true
			} else {
				r.variant = &variant
			}
		}
		resolved = append(resolved, r)
	}
	return resolved, nil
}

// prevalidateStock reports every short line at once so the cashier can fix the whole cart.
func (s *Service) prevalidateStock(ctx context.Context, outletID string, resolved []resolvedLine) error {
	shortfalls := make([]domain.StockShortfall, 0)
	for _, r := range resolved {
		if r.unresolved || !r.product.TracksStock {
			continue
		}
		available := 0
		item, err := s.repo.GetStockItem(ctx, r.key(outletID))
		switch {
		case err == nil:
			if !item.TracksStock {
				continue
			}
			available = item.Quantity
		case isNotFound(err):
		default:
			return wrapStoreErr("load stock item", err)
		}
		if available < r.line.Qty {
			shortfalls = append(shortfalls, domain.StockShortfall{
				ProductID: r.line.ProductID,
				VariantID: r.line.VariantID,
				Requested: r.line.Qty,
				Available: available,
			})
		}
	}
	if len(shortfalls) > 0 {
		return &store.InsufficientStockError{Lines: shortfalls}
	}
	return nil
}

func (s *Service) deductSaleStock(ctx context.Context, tx *domain.Transaction) []string {
	warnings := make([]string, 0)
	for _, item := range tx.Items {
		if item.Unresolved {
			continue
		}
		result, err := s.applyAdjustment(ctx, domain.StockAdjustment{
			OutletID:  tx.OutletID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Delta:     -item.Qty,
			Reason:    domain.ReasonSale,
			SourceID:  tx.ID,
		})
		if err != nil {
			log.Printf("[sale] WARN: stock deduction failed tx=%s product=%s variant=%s qty=%d: %v", tx.ID, item.ProductID, item.VariantID, item.Qty, err)
			warnings = append(warnings, fmt.Sprintf("%s: deduction failed", item.SKU))
			continue
		}
		if result.Clamped {
			warnings = append(warnings, fmt.Sprintf("%s: stock clamped at zero (requested %d, applied %d)", item.SKU, -item.Qty, result.Adjustment.AppliedDelta))
		}
	}
	return warnings
}

func (s *Service) GetTransaction(ctx context.Context, outletID string, id string) (domain.Transaction, error) {
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.Transaction{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	tx, err := s.transactionForOutlet(ctx, outletID, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

func (s *Service) transactionForOutlet(ctx context.Context, outletID string, id string) (*domain.Transaction, error) {
	tx, err := s.repo.GetTransaction(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, wrapStoreErr("get transaction", err)
	}
	if tx.OutletID != outletID {
		return nil, fmt.Errorf("transaction %s: %w", id, store.ErrNotFound)
	}
	return tx, nil
}

// VoidTransaction marks a completed sale void once, then returns its stock
// and reverses the points it earned on a best-effort basis.
func (s *Service) VoidTransaction(ctx context.Context, outletID string, id string, req domain.VoidTransactionRequest) (domain.VoidTransactionResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.VoidTransactionResponse{}, err
	}
	outletID, err := requireOutlet(outletID)
	if err != nil {
		return domain.VoidTransactionResponse{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.VoidTransactionResponse{}, validationError("void reason is required")
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	if _, err := s.transactionForOutlet(ctx, outletID, id); err != nil {
		return domain.VoidTransactionResponse{}, err
	}
	voided, err := s.repo.VoidTransaction(ctx, id, reason, s.now())
	if err != nil {
		return domain.VoidTransactionResponse{}, wrapStoreErr("void transaction", err)
	}

	warnings := make([]string, 0)
	for _, item := range voided.Items {
		if item.Unresolved {
			continue
		}
		deducted, found, err := s.saleDeduction(ctx, voided, item)
		if err != nil {
			log.Printf("[sale] WARN: void restock lookup failed tx=%s product=%s variant=%s: %v", voided.ID, item.ProductID, item.VariantID, err)
			warnings = append(warnings, fmt.Sprintf("%s: restock failed", item.SKU))
			continue
		}
		if !found {
			warnings = append(warnings, fmt.Sprintf("%s: no sale deduction recorded, nothing restocked", item.SKU))
			continue
		}
		if deducted <= 0 {
			continue
		}
		_, err = s.applyAdjustment(ctx, domain.StockAdjustment{
			OutletID:  voided.OutletID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Delta:     deducted,
			Reason:    domain.ReasonSaleVoid,
			SourceID:  voided.ID,
		})
		if err != nil {
			log.Printf("[sale] WARN: void restock failed tx=%s product=%s variant=%s: %v", voided.ID, item.ProductID, item.VariantID, err)
			warnings = append(warnings, fmt.Sprintf("%s: restock failed", item.SKU))
		}
	}

	reversed := int64(0)
	if voided.CustomerID != "" {
		reversed, err = s.reverseEarnedPoints(ctx, voided)
		if err != nil {
			log.Printf("[sale] WARN: loyalty reversal failed tx=%s customer=%s: %v", voided.ID, voided.CustomerID, err)
		}
	}

	s.logAudit(ctx, outletID, "sale_void", "transaction", voided.ID, fmt.Sprintf("reason=%s,reversed_points=%d", reason, reversed))
	return domain.VoidTransactionResponse{Transaction: *voided, ReversedPoints: reversed, StockWarnings: warnings}, nil
}

// saleDeduction reports how many units the sale adjustment of this line
// actually removed. A failed or clamped deduction returns less than the line qty.
func (s *Service) saleDeduction(ctx context.Context, tx *domain.Transaction, item domain.TransactionItem) (int, bool, error) {
	history, err := s.repo.ListAdjustments(ctx, domain.SKUKey{OutletID: tx.OutletID, ProductID: item.ProductID, VariantID: item.VariantID})
	if err != nil {
		return 0, false, wrapStoreErr("list adjustments", err)
	}
	for _, adj := range history {
		if adj.Reason == domain.ReasonSale && adj.SourceID == tx.ID {
			return -adj.AppliedDelta, true, nil
		}
	}
	return 0, false, nil
}

func normalizeSaleLines(items []domain.SaleLine) ([]domain.SaleLine, error) {
	if len(items) == 0 {
		return nil, validationError("cart is empty")
	}
	merged := make([]domain.SaleLine, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.VariantID = strings.TrimSpace(item.VariantID)
		if item.ProductID == "" {
			return nil, validationError("product id is required")
		}
		if item.Qty < 1 {
			return nil, validationError("quantity must be positive for product %s", item.ProductID)
		}
		if item.UnitPriceCents < 0 {
			return nil, validationError("unit price must not be negative for product %s", item.ProductID)
		}
		key := item.ProductID + "|" + item.VariantID
		if idx, ok := index[key]; ok {
			if merged[idx].UnitPriceCents != item.UnitPriceCents {
				return nil, validationError("conflicting unit prices for product %s", item.ProductID)
			}
			merged[idx].Qty += item.Qty
			continue
		}
		index[key] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func snapshotLine(r resolvedLine) domain.TransactionItem {
	item := domain.TransactionItem{
		ProductID:     r.line.ProductID,
		VariantID:     r.line.VariantID,
		SKU:           r.product.SKU,
		Name:          r.product.Name,
		Qty:           r.line.Qty,
		UnitCostCents: r.product.CostCents,
		Unresolved:    r.unresolved,
	}
	price := r.product.PriceCents
	if r.variant != nil {
		item.SKU = r.variant.SKU
		item.Name = r.product.Name + " - " + r.variant.Name
		item.UnitCostCents = r.variant.CostCents
		price = r.variant.PriceCents
	}
	if r.line.UnitPriceCents > 0 {
		price = r.line.UnitPriceCents
	}
	item.UnitPriceCents = price
	item.LineTotalCents = price * int64(r.line.Qty)
	return item
}

// taxAmount rounds half away from zero on the whole currency unit.
func taxAmount(base int64, ratePercent float64) int64 {
	if base <= 0 || ratePercent <= 0 {
		return 0
	}
	return decimal.NewFromInt(base).
		Mul(decimal.NewFromFloat(ratePercent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

func buildPayments(payments []domain.Payment, method string, total int64) ([]domain.Payment, string, error) {
	if len(payments) == 0 {
		method = strings.ToLower(strings.TrimSpace(method))
		if method == "" {
			method = "cash"
		}
		if !isSupportedPaymentMethod(method) {
			return nil, "", validationError("unsupported payment method %s", method)
		}
		return []domain.Payment{{Method: method, AmountCents: total}}, method, nil
	}

	normalized := make([]domain.Payment, 0, len(payments))
	sum := int64(0)
	for _, p := range payments {
		p.Method = strings.ToLower(strings.TrimSpace(p.Method))
		p.Reference = strings.TrimSpace(p.Reference)
		if !isSupportedPaymentMethod(p.Method) {
			return nil, "", validationError("unsupported payment method %s", p.Method)
		}
		if p.AmountCents < 1 {
			return nil, "", validationError("payment amount must be positive")
		}
		sum += p.AmountCents
		normalized = append(normalized, domain.Payment{Method: p.Method, AmountCents: p.AmountCents, Reference: p.Reference})
	}
	if sum != total {
		return nil, "", validationError("payments sum to %d but total is %d", sum, total)
	}
	if len(normalized) == 1 {
		return normalized, normalized[0].Method, nil
	}
	return normalized, "split", nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case "cash", "card", "qris", "ewallet", "transfer":
		return true
	default:
		return false
	}
}

func toSaleResponse(tx *domain.Transaction, duplicate bool) domain.SaleResponse {
	resp := domain.SaleResponse{
		TransactionID: tx.ID,
		InvoiceNumber: tx.InvoiceNumber,
		Duplicate:     duplicate,
		Transaction:   tx,
	}
	return resp
}
