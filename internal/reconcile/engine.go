// Package reconcile keeps product on-hand quantities consistent with the set
// of live invoices. Every mutation is one read (for edits and deletes)
// followed by one atomic batch that pairs the invoice document change with
// the netted per-product stock deltas, so no intermediate state is ever
// visible to concurrent readers.
package reconcile

import (
	"context"
	"fmt"

	"billkart/backend/internal/domain"
	"billkart/backend/internal/store"
	"billkart/backend/internal/xid"
)

// Engine is stateless and reentrant: it holds no locks and no state between
// calls, and never retries a failed commit.
type Engine struct {
	repo store.Repository
}

func New(repo store.Repository) *Engine {
	return &Engine{repo: repo}
}

// Create persists a new invoice and decrements stock for every line in one
// batch. Stock sufficiency is deliberately not checked: oversell may drive a
// quantity negative, which is accepted product behavior.
func (e *Engine) Create(ctx context.Context, payload domain.InvoicePayload) (*domain.Invoice, error) {
	if err := validateItems(payload.Items); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(payload.Items))
	for _, item := range payload.Items {
		ids = append(ids, item.ProductID)
	}
	known, err := e.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, item := range payload.Items {
		if _, exists := known[item.ProductID]; !exists {
			return nil, fmt.Errorf("%w: unknown product %s", store.ErrInvalidPayload, item.ProductID)
		}
	}

	deltas := make(map[string]int, len(payload.Items))
	for _, item := range payload.Items {
		deltas[item.ProductID] -= item.Qty
	}

	invoice := invoiceFromPayload(xid.New("inv"), payload)
	return e.repo.ApplyInvoiceBatch(ctx, store.InvoiceBatch{
		Put:         &invoice,
		StockDeltas: deltas,
	})
}

// Replace swaps the invoice's contents for newPayload and emits only the
// net per-product stock change between the old and new item sets. A product
// whose quantity is unchanged across the edit gets no write at all. The batch
// carries the version read, so a concurrent replace or delete of the same
// invoice fails the whole operation instead of applying deltas computed from
// a stale snapshot.
func (e *Engine) Replace(ctx context.Context, id string, newPayload domain.InvoicePayload) (*domain.Invoice, error) {
	if err := validateItems(newPayload.Items); err != nil {
		return nil, err
	}

	old, err := e.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}

	deltas := make(map[string]int, len(old.Items)+len(newPayload.Items))
	for _, oldItem := range old.Items {
		deltas[oldItem.ProductID] += oldItem.Qty
	}
	for _, newItem := range newPayload.Items {
		deltas[newItem.ProductID] -= newItem.Qty
	}
	for productID, delta := range deltas {
		if delta == 0 {
			delete(deltas, productID)
		}
	}

	invoice := invoiceFromPayload(id, newPayload)
	return e.repo.ApplyInvoiceBatch(ctx, store.InvoiceBatch{
		Put:             &invoice,
		ExpectedVersion: old.Version,
		StockDeltas:     deltas,
	})
}

// Delete removes the invoice and gives every sold quantity back to stock in
// the same batch. A missing invoice fails with not-found before anything is
// staged.
func (e *Engine) Delete(ctx context.Context, id string) error {
	old, err := e.repo.GetInvoice(ctx, id)
	if err != nil {
		return err
	}

	deltas := make(map[string]int, len(old.Items))
	for _, item := range old.Items {
		deltas[item.ProductID] += item.Qty
	}

	_, err = e.repo.ApplyInvoiceBatch(ctx, store.InvoiceBatch{
		DeleteID:        id,
		ExpectedVersion: old.Version,
		StockDeltas:     deltas,
	})
	return err
}

func (e *Engine) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	return e.repo.GetInvoice(ctx, id)
}

// List returns invoices newest first (createdAt descending).
func (e *Engine) List(ctx context.Context, limit int) ([]domain.Invoice, error) {
	return e.repo.ListInvoices(ctx, limit)
}

func validateItems(items []domain.InvoiceLineItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: invoice has no items", store.ErrInvalidPayload)
	}
	for _, item := range items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: item without product id", store.ErrInvalidPayload)
		}
		if item.Qty < 1 {
			return fmt.Errorf("%w: non-positive quantity for product %s", store.ErrInvalidPayload, item.ProductID)
		}
	}
	return nil
}

func invoiceFromPayload(id string, payload domain.InvoicePayload) domain.Invoice {
	return domain.Invoice{
		ID:                        id,
		Customer:                  payload.Customer,
		PaymentMode:               payload.PaymentMode,
		Items:                     payload.Items,
		Discount:                  payload.Discount,
		SubTotal:                  payload.SubTotal,
		DiscountAmount:            payload.DiscountAmount,
		GrandTotal:                payload.GrandTotal,
		ProfitTotalBeforeDiscount: payload.ProfitTotalBeforeDiscount,
		ProfitTotalAfterDiscount:  payload.ProfitTotalAfterDiscount,
	}
}
