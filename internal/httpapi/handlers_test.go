package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"billkart/backend/internal/cache"
	"billkart/backend/internal/domain"
	"billkart/backend/internal/reconcile"
	"billkart/backend/internal/service"
	"billkart/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	engine := reconcile.New(repo)
	svc := service.New(repo, engine, cache.NoopProductCache{}, time.Minute)
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products in response")
	}
}

func TestCreateInvoiceFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.InvoiceSaveRequest{
		Customer:    domain.Customer{Name: "Meena"},
		PaymentMode: domain.PaymentModeUPI,
		Discount:    domain.Discount{Mode: domain.DiscountModePercent, Value: 10},
		Lines: []domain.CartLine{
			{ProductID: "prod-sparkler-10", Qty: 2},
			{ProductID: "prod-lakshmi", Qty: 3},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	invoice := body.Invoice
	// Sparkler 25.00 x 2 + Lakshmi 18.00 x 3 = 104.00, 10% off.
	if invoice.SubTotal != 104.00 || invoice.DiscountAmount != 10.40 || invoice.GrandTotal != 93.60 {
		t.Fatalf("unexpected totals: %+v", invoice)
	}
	if invoice.Version != 1 {
		t.Fatalf("expected version 1 on create, got %d", invoice.Version)
	}

	// Stock dropped by sold quantity.
	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/products/prod-sparkler-10", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get product failed: %d", getRec.Code)
	}
	var productBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(getRec.Body).Decode(&productBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if productBody.Product.Quantity != 118 {
		t.Fatalf("expected quantity 118 after sale, got %d", productBody.Product.Quantity)
	}
}

func TestCreateInvoiceEmptyCartReturns400(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.InvoiceSaveRequest{
		PaymentMode: domain.PaymentModeCash,
		Discount:    domain.Discount{Mode: domain.DiscountModeFlat, Value: 0},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty cart, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownInvoiceReturns404(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/invoices/inv-missing", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteInvoiceRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	invoiceID := createInvoice(t, api, token, csrf, []domain.CartLine{
		{ProductID: "prod-rocket", Qty: 2},
	})

	// Without the PIN the delete is refused.
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/invoices/"+invoiceID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without manager pin, got %d", rec.Code)
	}

	// With the PIN the delete lands and stock is restored.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/invoices/"+invoiceID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	req.Header.Set("X-Manager-PIN", "123456")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with manager pin, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/products/prod-rocket", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	var productBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(getRec.Body).Decode(&productBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if productBody.Product.Quantity != 60 {
		t.Fatalf("expected quantity restored to 60, got %d", productBody.Product.Quantity)
	}
}

func TestReplaceInvoiceViaAPI(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	invoiceID := createInvoice(t, api, token, csrf, []domain.CartLine{
		{ProductID: "prod-chakkar", Qty: 4},
	})

	payload, _ := json.Marshal(domain.InvoiceSaveRequest{
		PaymentMode: domain.PaymentModeCash,
		Discount:    domain.Discount{Mode: domain.DiscountModeFlat, Value: 5},
		Lines:       []domain.CartLine{{ProductID: "prod-chakkar", Qty: 1}},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/invoices/"+invoiceID, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Invoice.Version != 2 {
		t.Fatalf("expected version 2 after replace, got %d", body.Invoice.Version)
	}
	if body.Invoice.LastModifiedAt == nil {
		t.Fatalf("expected last_modified_at to be set after replace")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/products/prod-chakkar", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	var productBody struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(getRec.Body).Decode(&productBody); err != nil {
		t.Fatalf("decode product: %v", err)
	}
	// 200 seeded, -4 on create, +3 back on the smaller replacement.
	if productBody.Product.Quantity != 199 {
		t.Fatalf("expected quantity 199 after edit, got %d", productBody.Product.Quantity)
	}
}

func TestProductImportEndpoint(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	csvBody := strings.Join([]string{
		"name,unit,category,quantity,cost_price,sell_price",
		"Twinkle Star,box,sparklers,40,30,42",
		"Sky Shot,pc,aerial,12,250,360",
	}, "\n")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/products/import", strings.NewReader(csvBody))
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var result domain.ProductImportResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 0 {
		t.Fatalf("expected 2 imported / 0 skipped, got %+v", result)
	}
}

func TestSalesReportCSVFormat(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	createInvoice(t, api, token, csrf, []domain.CartLine{
		{ProductID: "prod-bijili", Qty: 2},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/sales?format=csv", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/csv") {
		t.Fatalf("expected text/csv content type, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "summary,invoices,1") {
		t.Fatalf("expected invoice count in csv, got: %s", rec.Body.String())
	}
}

func TestBulkDeleteProducts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(map[string]any{
		"ids": []string{"prod-pencil", "prod-bijili"},
	})
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/products", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/products/prod-pencil", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for deleted product, got %d", getRec.Code)
	}
}

func TestCashierForbiddenFromReports(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsCashier(t, api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/sales", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on reports, got %d", rec.Code)
	}
}

// createInvoice posts a cash invoice with no discount and returns its id.
func createInvoice(t *testing.T, api *API, token string, csrf string, lines []domain.CartLine) string {
	t.Helper()

	payload, _ := json.Marshal(domain.InvoiceSaveRequest{
		PaymentMode: domain.PaymentModeCash,
		Discount:    domain.Discount{Mode: domain.DiscountModeFlat, Value: 0},
		Lines:       lines,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create invoice failed: %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if body.Invoice.ID == "" {
		t.Fatalf("expected invoice id in response")
	}
	return body.Invoice.ID
}
