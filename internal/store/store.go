package store

import (
	"context"
	"errors"
	"time"

	"billkart/backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrConflict is returned when a batch carries a stale invoice version.
	ErrConflict = errors.New("version conflict")
)

// InvoiceBatch is the atomic-batch primitive: every staged write becomes
// visible together or not at all. Exactly one of Put/DeleteID is set per
// batch; stock deltas are relative increments keyed by product id and are
// applied inside the same commit.
type InvoiceBatch struct {
	// Put creates the invoice when Put.ID is unknown, otherwise replaces the
	// document in place. On create the store assigns CreatedAt from its own
	// clock; on replace it refreshes LastModifiedAt, leaves CreatedAt
	// untouched and bumps Version.
	Put *domain.Invoice

	// DeleteID removes the invoice document.
	DeleteID string

	// ExpectedVersion guards replace and delete: the engine passes the
	// version it read and the store fails the whole batch with ErrConflict
	// when the stored document has moved on. Zero means "create" and skips
	// the check.
	ExpectedVersion int64

	// StockDeltas maps product id to a signed quantity change. Products not
	// touched by the mutation never appear; zero deltas are never staged.
	// Deltas for product ids that no longer exist in the catalog are
	// skipped, so historical invoices stay editable after a product is
	// retired.
	StockDeltas map[string]int
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProducts(ctx context.Context, ids []string) error
	AdjustStock(ctx context.Context, id string, delta int) (*domain.Product, error)

	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error)
	ApplyInvoiceBatch(ctx context.Context, batch InvoiceBatch) (*domain.Invoice, error)

	GetSalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
