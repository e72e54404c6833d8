package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"billkart/backend/internal/cache"
	"billkart/backend/internal/domain"
	"billkart/backend/internal/pricing"
	"billkart/backend/internal/reconcile"
	"billkart/backend/internal/store"
	"billkart/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	engine   *reconcile.Engine
	products cache.ProductCache
	cacheTTL time.Duration
}

func New(repo store.Repository, engine *reconcile.Engine, products cache.ProductCache, cacheTTL time.Duration) *Service {
	if products == nil {
		products = cache.NoopProductCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Service{
		repo:     repo,
		engine:   engine,
		products: products,
		cacheTTL: cacheTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// GetProduct reads through the product cache; misses are filled from the
// repository.
func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidPayload
	}

	if cached, hit, err := s.products.Get(ctx, id); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: product cache read failed id=%s: %v", id, err)
	}

	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.products.Set(ctx, *product, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: product cache fill failed id=%s: %v", id, err)
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.Unit == "" {
		return domain.Product{}, store.ErrInvalidPayload
	}
	if req.CostPrice < 0 || req.SellPrice < 0 || req.Quantity < 0 {
		return domain.Product{}, store.ErrInvalidPayload
	}

	product := domain.Product{
		ID:            xid.New("prod"),
		Name:          req.Name,
		Unit:          req.Unit,
		Category:      req.Category,
		Quantity:      req.Quantity,
		CostPrice:     pricing.Round2(req.CostPrice),
		SellPrice:     pricing.Round2(req.SellPrice),
		MarginPercent: req.MarginPercent,
		CreatedAt:     time.Now().UTC(),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,sell=%.2f,qty=%d", created.Name, created.SellPrice, created.Quantity))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, store.ErrInvalidPayload
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidPayload
		}
		updated.Name = name
	}
	if req.Unit != nil {
		unit := strings.TrimSpace(*req.Unit)
		if unit == "" {
			return domain.Product{}, store.ErrInvalidPayload
		}
		updated.Unit = unit
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.CostPrice != nil {
		if *req.CostPrice < 0 {
			return domain.Product{}, store.ErrInvalidPayload
		}
		updated.CostPrice = pricing.Round2(*req.CostPrice)
	}
	if req.SellPrice != nil {
		if *req.SellPrice < 0 {
			return domain.Product{}, store.ErrInvalidPayload
		}
		updated.SellPrice = pricing.Round2(*req.SellPrice)
	}
	if req.MarginPercent != nil {
		// A margin edit recomputes the sell price from cost, mirroring the
		// catalog's bulk-margin workflow.
		updated.MarginPercent = req.MarginPercent
		updated.SellPrice = pricing.SellPriceForMargin(updated.CostPrice, *req.MarginPercent)
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateProducts(ctx, saved.ID)
	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("sell=%.2f,cost=%.2f", saved.SellPrice, saved.CostPrice))
	return *saved, nil
}

func (s *Service) DeleteProducts(ctx context.Context, ids []string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}

	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return store.ErrInvalidPayload
	}

	if err := s.repo.DeleteProducts(ctx, cleaned); err != nil {
		return err
	}

	s.invalidateProducts(ctx, cleaned...)
	s.logAudit(ctx, "product_delete", "product", strings.Join(cleaned, ","), fmt.Sprintf("count=%d", len(cleaned)))
	return nil
}

// AdjustStock applies an explicit admin-side relative increment. This and
// the reconcile engine are the only two writers of product quantity.
func (s *Service) AdjustStock(ctx context.Context, id string, req domain.StockAdjustmentRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}
	id = strings.TrimSpace(id)
	if id == "" || req.Delta == 0 {
		return domain.Product{}, store.ErrInvalidPayload
	}

	adjusted, err := s.repo.AdjustStock(ctx, id, req.Delta)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateProducts(ctx, id)
	s.logAudit(ctx, "stock_adjust", "product", id, fmt.Sprintf("delta=%d,reason=%s", req.Delta, req.Reason))
	return *adjusted, nil
}

// ImportProductsCSV ingests rows of name,unit,category,quantity,cost_price,
// sell_price. Bad rows are reported and skipped, good rows are created.
func (s *Service) ImportProductsCSV(ctx context.Context, r io.Reader) (domain.ProductImportResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ProductImportResult{}, fmt.Errorf("admin role required")
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	result := domain.ProductImportResult{}
	rowNum := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("%w: malformed csv at row %d", store.ErrInvalidPayload, rowNum+1)
		}
		rowNum++
		if rowNum == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "name") {
			continue
		}
		if len(record) < 6 {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: expected 6 columns", rowNum))
			continue
		}

		qty, qtyErr := strconv.Atoi(strings.TrimSpace(record[3]))
		cost, costErr := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
		sell, sellErr := strconv.ParseFloat(strings.TrimSpace(record[5]), 64)
		if qtyErr != nil || costErr != nil || sellErr != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: bad number", rowNum))
			continue
		}

		_, err = s.CreateProduct(ctx, domain.ProductCreateRequest{
			Name:      record[0],
			Unit:      record[1],
			Category:  record[2],
			Quantity:  qty,
			CostPrice: cost,
			SellPrice: sell,
		})
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}
		result.Imported++
	}

	s.logAudit(ctx, "product_import", "product", "csv", fmt.Sprintf("imported=%d,skipped=%d", result.Imported, result.Skipped))
	return result, nil
}

// SaveInvoice resolves the cart against the catalog, snapshots prices,
// derives all money fields and hands the payload to the reconcile engine.
func (s *Service) SaveInvoice(ctx context.Context, req domain.InvoiceSaveRequest) (domain.Invoice, error) {
	payload, touched, err := s.buildPayload(ctx, req)
	if err != nil {
		return domain.Invoice{}, err
	}

	created, err := s.engine.Create(ctx, payload)
	if err != nil {
		return domain.Invoice{}, err
	}

	s.invalidateProducts(ctx, touched...)
	s.logAudit(ctx, "invoice_create", "invoice", created.ID, fmt.Sprintf("total=%.2f,items=%d,payment=%s", created.GrandTotal, len(created.Items), created.PaymentMode))
	return *created, nil
}

func (s *Service) ReplaceInvoice(ctx context.Context, id string, req domain.InvoiceSaveRequest) (domain.Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Invoice{}, store.ErrInvalidPayload
	}

	payload, touched, err := s.buildPayload(ctx, req)
	if err != nil {
		return domain.Invoice{}, err
	}

	// The engine also restores stock for the products of the old snapshot;
	// invalidate those too once the batch lands.
	if old, err := s.engine.Get(ctx, id); err == nil {
		for _, item := range old.Items {
			touched = append(touched, item.ProductID)
		}
	}

	replaced, err := s.engine.Replace(ctx, id, payload)
	if err != nil {
		return domain.Invoice{}, err
	}

	s.invalidateProducts(ctx, touched...)
	s.logAudit(ctx, "invoice_replace", "invoice", id, fmt.Sprintf("total=%.2f,items=%d", replaced.GrandTotal, len(replaced.Items)))
	return *replaced, nil
}

func (s *Service) DeleteInvoice(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.ErrInvalidPayload
	}

	touched := make([]string, 0, 8)
	if old, err := s.engine.Get(ctx, id); err == nil {
		for _, item := range old.Items {
			touched = append(touched, item.ProductID)
		}
	}

	if err := s.engine.Delete(ctx, id); err != nil {
		return err
	}

	s.invalidateProducts(ctx, touched...)
	s.logAudit(ctx, "invoice_delete", "invoice", id, "")
	return nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Invoice{}, store.ErrInvalidPayload
	}
	invoice, err := s.engine.Get(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 0 {
		limit = 0
	}
	return s.engine.List(ctx, limit)
}

func (s *Service) SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	if !to.After(from) {
		return domain.SalesSummary{}, store.ErrInvalidPayload
	}
	return s.repo.GetSalesSummary(ctx, from, to)
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// buildPayload validates the request, merges duplicate cart lines, snapshots
// catalog prices and computes totals. It returns the payload together with
// the touched product ids for cache invalidation.
func (s *Service) buildPayload(ctx context.Context, req domain.InvoiceSaveRequest) (domain.InvoicePayload, []string, error) {
	lines := normalizeLines(req.Lines)
	if len(lines) == 0 {
		return domain.InvoicePayload{}, nil, fmt.Errorf("%w: empty cart", store.ErrInvalidPayload)
	}
	if !isPaymentMode(req.PaymentMode) {
		return domain.InvoicePayload{}, nil, fmt.Errorf("%w: payment mode %q", store.ErrInvalidPayload, req.PaymentMode)
	}
	if !isDiscountMode(req.Discount.Mode) {
		return domain.InvoicePayload{}, nil, fmt.Errorf("%w: discount mode %q", store.ErrInvalidPayload, req.Discount.Mode)
	}
	if strings.TrimSpace(req.Customer.Name) == "" {
		req.Customer.Name = "Walk In"
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ProductID)
	}
	catalog, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.InvoicePayload{}, nil, err
	}

	items := make([]domain.InvoiceLineItem, 0, len(lines))
	for _, line := range lines {
		product, exists := catalog[line.ProductID]
		if !exists {
			return domain.InvoicePayload{}, nil, fmt.Errorf("%w: unknown product %s", store.ErrInvalidPayload, line.ProductID)
		}

		finalPrice := product.SellPrice
		if line.FinalSellPricePerUnit != nil {
			finalPrice = pricing.Round2(*line.FinalSellPricePerUnit)
		}

		totals := pricing.ComputeLine(product.CostPrice, finalPrice, line.Qty)
		items = append(items, domain.InvoiceLineItem{
			ProductID:             product.ID,
			Name:                  product.Name,
			Unit:                  product.Unit,
			Qty:                   line.Qty,
			CostPriceAtSale:       product.CostPrice,
			BaseSellPriceAtSale:   product.SellPrice,
			FinalSellPricePerUnit: finalPrice,
			LineSubTotal:          totals.LineSubTotal,
			LineCostTotal:         totals.LineCostTotal,
			LineProfit:            totals.LineProfit,
		})
	}

	totals := pricing.ComputeTotals(items, req.Discount)
	payload := domain.InvoicePayload{
		Customer:                  req.Customer,
		PaymentMode:               req.PaymentMode,
		Items:                     items,
		Discount:                  req.Discount,
		SubTotal:                  totals.SubTotal,
		DiscountAmount:            totals.DiscountAmount,
		GrandTotal:                totals.GrandTotal,
		ProfitTotalBeforeDiscount: totals.ProfitTotalBeforeDiscount,
		ProfitTotalAfterDiscount:  totals.ProfitTotalAfterDiscount,
	}
	return payload, ids, nil
}

// normalizeLines trims ids, drops empty lines and merges duplicates of the
// same product, keeping the last price override.
func normalizeLines(lines []domain.CartLine) []domain.CartLine {
	merged := make([]domain.CartLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" || line.Qty < 1 {
			continue
		}
		if at, exists := index[line.ProductID]; exists {
			merged[at].Qty += line.Qty
			if line.FinalSellPricePerUnit != nil {
				merged[at].FinalSellPricePerUnit = line.FinalSellPricePerUnit
			}
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

func isPaymentMode(mode string) bool {
	switch mode {
	case domain.PaymentModeCash, domain.PaymentModeUPI, domain.PaymentModeMixed:
		return true
	}
	return false
}

func isDiscountMode(mode string) bool {
	return mode == domain.DiscountModeFlat || mode == domain.DiscountModePercent
}

func (s *Service) invalidateProducts(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.products.Invalidate(ctx, ids...); err != nil {
		log.Printf("[service] WARN: product cache invalidation failed: %v", err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}
