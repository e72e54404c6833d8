// Package memory implements store.Repository with in-process maps. It backs
// dev/demo mode and the test suites; batch atomicity falls out of the single
// mutex held for the whole commit.
package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"billkart/backend/internal/domain"
	"billkart/backend/internal/store"
	"billkart/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	invoices        map[string]domain.Invoice
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		invoices:        make(map[string]domain.Invoice),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; unset
// variables fall back to dev defaults with a warning. Production deployments
// use PostgreSQL (DATABASE_URL) and never hit this path.
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
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
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

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-sparkler-10", Name: "Sparkler 10cm", Unit: "box", Category: "sparklers", Quantity: 120, CostPrice: 18.00, SellPrice: 25.00, CreatedAt: now},
		{ID: "prod-sparkler-30", Name: "Sparkler 30cm", Unit: "box", Category: "sparklers", Quantity: 80, CostPrice: 32.00, SellPrice: 45.00, CreatedAt: now},
		{ID: "prod-flowerpot-sm", Name: "Flower Pot Small", Unit: "pkt", Category: "ground", Quantity: 150, CostPrice: 40.00, SellPrice: 60.00, CreatedAt: now},
		{ID: "prod-flowerpot-lg", Name: "Flower Pot Big", Unit: "pkt", Category: "ground", Quantity: 90, CostPrice: 72.00, SellPrice: 110.00, CreatedAt: now},
		{ID: "prod-chakkar", Name: "Ground Chakkar", Unit: "pkt", Category: "ground", Quantity: 200, CostPrice: 28.50, SellPrice: 42.00, CreatedAt: now},
		{ID: "prod-rocket", Name: "Rocket Deluxe", Unit: "box", Category: "aerial", Quantity: 60, CostPrice: 95.00, SellPrice: 140.00, CreatedAt: now},
		{ID: "prod-shot-30", Name: "30 Shot Cake", Unit: "pc", Category: "aerial", Quantity: 25, CostPrice: 420.00, SellPrice: 600.00, CreatedAt: now},
		{ID: "prod-lakshmi", Name: "Lakshmi Cracker", Unit: "pkt", Category: "sound", Quantity: 300, CostPrice: 12.00, SellPrice: 18.00, CreatedAt: now},
		{ID: "prod-bijili", Name: "Bijili 100s", Unit: "pkt", Category: "sound", Quantity: 110, CostPrice: 55.00, SellPrice: 80.00, CreatedAt: now},
		{ID: "prod-pencil", Name: "Colour Pencil", Unit: "box", Category: "novelty", Quantity: 95, CostPrice: 22.00, SellPrice: 35.00, CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	return &Store{
		products:        productMap,
		invoices:        make(map[string]domain.Invoice),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Unit == "" {
		return nil, store.ErrInvalidPayload
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidPayload
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, exists := s.products[id]; exists {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.Unit == "" {
		return nil, store.ErrInvalidPayload
	}
	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}

	// Quantity is owned by the reconcile engine and AdjustStock; a catalog
	// update never overwrites it.
	product.Quantity = existing.Quantity
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DeleteProducts(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, exists := s.products[id]; !exists {
			return store.ErrNotFound
		}
	}
	for _, id := range ids {
		delete(s.products, id)
	}
	return nil
}

func (s *Store) AdjustStock(_ context.Context, id string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Quantity += delta
	s.products[id] = product
	adjusted := product
	return &adjusted, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, exists := s.invoices[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyInvoice := cloneInvoice(invoice)
	return &copyInvoice, nil
}

func (s *Store) ListInvoices(_ context.Context, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoices := make([]domain.Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		invoices = append(invoices, cloneInvoice(inv))
	}

	slices.SortFunc(invoices, func(a, b domain.Invoice) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if limit > 0 && len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

// ApplyInvoiceBatch commits the invoice mutation and its stock deltas under
// one lock, so readers observe all of the batch or none of it.
func (s *Store) ApplyInvoiceBatch(_ context.Context, batch store.InvoiceBatch) (*domain.Invoice, error) {
	if (batch.Put == nil) == (batch.DeleteID == "") {
		return nil, store.ErrInvalidPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var result *domain.Invoice

	switch {
	case batch.Put != nil:
		doc := cloneInvoice(*batch.Put)
		existing, exists := s.invoices[doc.ID]
		if batch.ExpectedVersion == 0 {
			if exists {
				return nil, store.ErrConflict
			}
			doc.Version = 1
			doc.CreatedAt = now
			doc.LastModifiedAt = nil
		} else {
			if !exists {
				return nil, store.ErrNotFound
			}
			if existing.Version != batch.ExpectedVersion {
				return nil, store.ErrConflict
			}
			doc.Version = existing.Version + 1
			doc.CreatedAt = existing.CreatedAt
			modified := now
			doc.LastModifiedAt = &modified
		}
		s.invoices[doc.ID] = doc
		stored := cloneInvoice(doc)
		result = &stored
	default:
		existing, exists := s.invoices[batch.DeleteID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if batch.ExpectedVersion != 0 && existing.Version != batch.ExpectedVersion {
			return nil, store.ErrConflict
		}
		delete(s.invoices, batch.DeleteID)
	}

	for productID, delta := range batch.StockDeltas {
		if delta == 0 {
			continue
		}
		product, exists := s.products[productID]
		if !exists {
			// Product retired after the invoice was written; the historical
			// line keeps its snapshot and the delta has nowhere to land.
			continue
		}
		product.Quantity += delta
		s.products[productID] = product
	}

	return result, nil
}

func (s *Store) GetSalesSummary(_ context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{
		From: from.Format("2006-01-02"),
		To:   to.Format("2006-01-02"),
	}

	byPayment := make(map[string]*domain.SalesSummaryPayment)
	byProduct := make(map[string]*domain.SalesSummaryProduct)

	for _, inv := range s.invoices {
		if inv.CreatedAt.Before(from) || !inv.CreatedAt.Before(to) {
			continue
		}
		summary.Invoices++
		summary.GrossSales += inv.SubTotal
		summary.DiscountTotal += inv.DiscountAmount
		summary.NetSales += inv.GrandTotal
		summary.ProfitBeforeDiscount += inv.ProfitTotalBeforeDiscount
		summary.ProfitAfterDiscount += inv.ProfitTotalAfterDiscount

		pay, ok := byPayment[inv.PaymentMode]
		if !ok {
			pay = &domain.SalesSummaryPayment{PaymentMode: inv.PaymentMode}
			byPayment[inv.PaymentMode] = pay
		}
		pay.Invoices++
		pay.Total += inv.GrandTotal

		for _, item := range inv.Items {
			prod, ok := byProduct[item.ProductID]
			if !ok {
				prod = &domain.SalesSummaryProduct{ProductID: item.ProductID, Name: item.Name}
				byProduct[item.ProductID] = prod
			}
			prod.Qty += item.Qty
			prod.Revenue += item.LineSubTotal
		}
	}

	for _, pay := range byPayment {
		summary.ByPayment = append(summary.ByPayment, *pay)
	}
	sort.Slice(summary.ByPayment, func(i, j int) bool {
		return summary.ByPayment[i].PaymentMode < summary.ByPayment[j].PaymentMode
	})

	for _, prod := range byProduct {
		summary.TopProducts = append(summary.TopProducts, *prod)
	}
	sort.Slice(summary.TopProducts, func(i, j int) bool {
		if summary.TopProducts[i].Qty == summary.TopProducts[j].Qty {
			return summary.TopProducts[i].ProductID < summary.TopProducts[j].ProductID
		}
		return summary.TopProducts[i].Qty > summary.TopProducts[j].Qty
	})
	if len(summary.TopProducts) > 10 {
		summary.TopProducts = summary.TopProducts[:10]
	}

	return summary, nil
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

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidPayload
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidPayload
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneInvoice(inv domain.Invoice) domain.Invoice {
	out := inv
	out.Items = make([]domain.InvoiceLineItem, len(inv.Items))
	copy(out.Items, inv.Items)
	if inv.LastModifiedAt != nil {
		modified := *inv.LastModifiedAt
		out.LastModifiedAt = &modified
	}
	return out
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
