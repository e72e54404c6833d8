// Package postgres implements store.Repository on PostgreSQL. Invoice line
// items are stored as a JSONB snapshot on the invoice row; the batch commit
// runs in a single serializable transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"billkart/backend/internal/domain"
	"billkart/backend/internal/store"
	"billkart/backend/internal/xid"
)

type Store struct {
	db *sql.DB
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

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, category, quantity, cost_price, sell_price, margin_percent, created_at
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Unit == "" {
		return nil, store.ErrInvalidPayload
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, unit, category, quantity, cost_price, sell_price, margin_percent, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, product.ID, product.Name, product.Unit, product.Category, product.Quantity, product.CostPrice, product.SellPrice, nullFloat(product.MarginPercent), product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidPayload
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, unit, category, quantity, cost_price, sell_price, margin_percent, created_at
		FROM products
		WHERE id = $1
	`, id)

	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, unit, category, quantity, cost_price, sell_price, margin_percent, created_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// UpdateProduct writes catalog fields only. Quantity is owned by the invoice
// batch and AdjustStock, so it is deliberately absent from the SET list.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Unit == "" {
		return nil, store.ErrInvalidPayload
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, unit = $3, category = $4, cost_price = $5, sell_price = $6, margin_percent = $7, updated_at = now()
		WHERE id = $1
		RETURNING id, name, unit, category, quantity, cost_price, sell_price, margin_percent, created_at
	`, product.ID, product.Name, product.Unit, product.Category, product.CostPrice, product.SellPrice, nullFloat(product.MarginPercent))

	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteProducts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return store.ErrInvalidPayload
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM products
		WHERE id = ANY($1)
	`, ids)
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

func (s *Store) AdjustStock(ctx context.Context, id string, delta int) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2, updated_at = now()
		WHERE id = $1
		RETURNING id, name, unit, category, quantity, cost_price, sell_price, margin_percent, created_at
	`, id, delta)

	adjusted, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &adjusted, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_name, customer_phone, payment_mode, items, discount_mode, discount_value,
			sub_total, discount_amount, grand_total, profit_before_discount, profit_after_discount,
			version, created_at, last_modified_at
		FROM invoices
		WHERE id = $1
	`, id)

	invoice, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_name, customer_phone, payment_mode, items, discount_mode, discount_value,
			sub_total, discount_amount, grand_total, profit_before_discount, profit_after_discount,
			version, created_at, last_modified_at
		FROM invoices
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		invoice, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

// ApplyInvoiceBatch commits the invoice mutation and its relative stock
// deltas in one serializable transaction: readers see all of it or none.
// The version guard inside the same statement rejects stale replacements.
func (s *Store) ApplyInvoiceBatch(ctx context.Context, batch store.InvoiceBatch) (*domain.Invoice, error) {
	if (batch.Put == nil) == (batch.DeleteID == "") {
		return nil, store.ErrInvalidPayload
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var result *domain.Invoice

	switch {
	case batch.Put != nil:
		doc := *batch.Put
		itemsJSON, err := json.Marshal(doc.Items)
		if err != nil {
			return nil, err
		}

		if batch.ExpectedVersion == 0 {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO invoices (
					id, customer_name, customer_phone, payment_mode, items, discount_mode, discount_value,
					sub_total, discount_amount, grand_total, profit_before_discount, profit_after_discount,
					version, created_at, last_modified_at
				)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,now(),NULL)
				RETURNING version, created_at, last_modified_at
			`, doc.ID, doc.Customer.Name, doc.Customer.Phone, doc.PaymentMode, itemsJSON,
				doc.Discount.Mode, doc.Discount.Value, doc.SubTotal, doc.DiscountAmount, doc.GrandTotal,
				doc.ProfitTotalBeforeDiscount, doc.ProfitTotalAfterDiscount)

			var modified sql.NullTime
			if err := row.Scan(&doc.Version, &doc.CreatedAt, &modified); err != nil {
				if isUniqueViolation(err) {
					return nil, store.ErrConflict
				}
				return nil, err
			}
			doc.CreatedAt = doc.CreatedAt.UTC()
			doc.LastModifiedAt = nil
		} else {
			row := tx.QueryRowContext(ctx, `
				UPDATE invoices
				SET customer_name = $2, customer_phone = $3, payment_mode = $4, items = $5,
					discount_mode = $6, discount_value = $7, sub_total = $8, discount_amount = $9,
					grand_total = $10, profit_before_discount = $11, profit_after_discount = $12,
					version = version + 1, last_modified_at = now()
				WHERE id = $1 AND version = $13
				RETURNING version, created_at, last_modified_at
			`, doc.ID, doc.Customer.Name, doc.Customer.Phone, doc.PaymentMode, itemsJSON,
				doc.Discount.Mode, doc.Discount.Value, doc.SubTotal, doc.DiscountAmount, doc.GrandTotal,
				doc.ProfitTotalBeforeDiscount, doc.ProfitTotalAfterDiscount, batch.ExpectedVersion)

			var modified sql.NullTime
			if err := row.Scan(&doc.Version, &doc.CreatedAt, &modified); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, s.classifyVersionMiss(ctx, tx, doc.ID)
				}
				return nil, err
			}
			doc.CreatedAt = doc.CreatedAt.UTC()
			if modified.Valid {
				at := modified.Time.UTC()
				doc.LastModifiedAt = &at
			}
		}
		result = &doc
	default:
		res, err := tx.ExecContext(ctx, `
			DELETE FROM invoices
			WHERE id = $1 AND ($2 = 0 OR version = $2)
		`, batch.DeleteID, batch.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, s.classifyVersionMiss(ctx, tx, batch.DeleteID)
		}
	}

	for productID, delta := range batch.StockDeltas {
		if delta == 0 {
			continue
		}
		// Rows affected 0 means the product was retired after the invoice was
		// written; the delta has nowhere to land and is skipped.
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET quantity = quantity + $2, updated_at = now()
			WHERE id = $1
		`, productID, delta)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// classifyVersionMiss distinguishes a missing invoice from a stale version
// after a guarded UPDATE or DELETE matched zero rows.
func (s *Store) classifyVersionMiss(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM invoices WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return store.ErrConflict
	}
	return store.ErrNotFound
}

func (s *Store) GetSalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.SalesSummary, error) {
	summary := domain.SalesSummary{
		From: from.Format("2006-01-02"),
		To:   to.Format("2006-01-02"),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(sub_total),0),
			COALESCE(SUM(discount_amount),0),
			COALESCE(SUM(grand_total),0),
			COALESCE(SUM(profit_before_discount),0),
			COALESCE(SUM(profit_after_discount),0)
		FROM invoices
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(
		&summary.Invoices,
		&summary.GrossSales,
		&summary.DiscountTotal,
		&summary.NetSales,
		&summary.ProfitBeforeDiscount,
		&summary.ProfitAfterDiscount,
	)
	if err != nil {
		return summary, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT payment_mode, COUNT(*)::bigint, COALESCE(SUM(grand_total),0)
		FROM invoices
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY payment_mode
		ORDER BY payment_mode
	`, from, to)
	if err != nil {
		return summary, err
	}
	for paymentRows.Next() {
		var row domain.SalesSummaryPayment
		if err := paymentRows.Scan(&row.PaymentMode, &row.Invoices, &row.Total); err != nil {
			_ = paymentRows.Close()
			return summary, err
		}
		summary.ByPayment = append(summary.ByPayment, row)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return summary, err
	}
	_ = paymentRows.Close()

	productRows, err := s.db.QueryContext(ctx, `
		SELECT item->>'product_id',
			MAX(item->>'name'),
			SUM((item->>'qty')::int)::int,
			SUM((item->>'line_sub_total')::numeric)::float8
		FROM invoices, jsonb_array_elements(items) AS item
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY item->>'product_id'
		ORDER BY SUM((item->>'qty')::int) DESC, item->>'product_id'
		LIMIT 10
	`, from, to)
	if err != nil {
		return summary, err
	}
	for productRows.Next() {
		var row domain.SalesSummaryProduct
		if err := productRows.Scan(&row.ProductID, &row.Name, &row.Qty, &row.Revenue); err != nil {
			_ = productRows.Close()
			return summary, err
		}
		summary.TopProducts = append(summary.TopProducts, row)
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return summary, err
	}
	_ = productRows.Close()

	return summary, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidPayload
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidPayload
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidPayload
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var product domain.Product
	var margin sql.NullFloat64
	err := row.Scan(&product.ID, &product.Name, &product.Unit, &product.Category, &product.Quantity,
		&product.CostPrice, &product.SellPrice, &margin, &product.CreatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if margin.Valid {
		m := margin.Float64
		product.MarginPercent = &m
	}
	product.CreatedAt = product.CreatedAt.UTC()
	return product, nil
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var invoice domain.Invoice
	var itemsJSON []byte
	var modified sql.NullTime
	err := row.Scan(&invoice.ID, &invoice.Customer.Name, &invoice.Customer.Phone, &invoice.PaymentMode,
		&itemsJSON, &invoice.Discount.Mode, &invoice.Discount.Value, &invoice.SubTotal,
		&invoice.DiscountAmount, &invoice.GrandTotal, &invoice.ProfitTotalBeforeDiscount,
		&invoice.ProfitTotalAfterDiscount, &invoice.Version, &invoice.CreatedAt, &modified)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := json.Unmarshal(itemsJSON, &invoice.Items); err != nil {
		return domain.Invoice{}, err
	}
	invoice.CreatedAt = invoice.CreatedAt.UTC()
	if modified.Valid {
		at := modified.Time.UTC()
		invoice.LastModifiedAt = &at
	}
	return invoice, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullFloat(val *float64) any {
	if val == nil {
		return nil
	}
	return *val
}
