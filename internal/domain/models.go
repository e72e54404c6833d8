package domain

import "time"

const (
	PaymentModeCash  = "cash"
	PaymentModeUPI   = "upi"
	PaymentModeMixed = "mixed"
)

const (
	DiscountModeFlat    = "flat"
	DiscountModePercent = "percent"
)

type Product struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Unit          string    `json:"unit"`
	Category      string    `json:"category"`
	Quantity      int       `json:"quantity"`
	CostPrice     float64   `json:"cost_price"`
	SellPrice     float64   `json:"sell_price"`
	MarginPercent *float64  `json:"margin_percent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name          string   `json:"name"`
	Unit          string   `json:"unit"`
	Category      string   `json:"category"`
	Quantity      int      `json:"quantity"`
	CostPrice     float64  `json:"cost_price"`
	SellPrice     float64  `json:"sell_price"`
	MarginPercent *float64 `json:"margin_percent,omitempty"`
}

type ProductUpdateRequest struct {
	Name          *string  `json:"name,omitempty"`
	Unit          *string  `json:"unit,omitempty"`
	Category      *string  `json:"category,omitempty"`
	CostPrice     *float64 `json:"cost_price,omitempty"`
	SellPrice     *float64 `json:"sell_price,omitempty"`
	MarginPercent *float64 `json:"margin_percent,omitempty"`
}

// StockAdjustmentRequest is an explicit admin-side relative adjustment.
// Invoice flows never touch quantity except through the reconcile engine.
type StockAdjustmentRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Discount struct {
	Mode  string  `json:"mode"`
	Value float64 `json:"value"`
}

// InvoiceLineItem is a frozen snapshot of a product at the moment of sale.
// Later catalog price edits must never change a persisted line.
type InvoiceLineItem struct {
	ProductID             string  `json:"product_id"`
	Name                  string  `json:"name"`
	Unit                  string  `json:"unit"`
	Qty                   int     `json:"qty"`
	CostPriceAtSale       float64 `json:"cost_price_at_sale"`
	BaseSellPriceAtSale   float64 `json:"base_sell_price_at_sale"`
	FinalSellPricePerUnit float64 `json:"final_sell_price_per_unit"`
	LineSubTotal          float64 `json:"line_sub_total"`
	LineCostTotal         float64 `json:"line_cost_total"`
	LineProfit            float64 `json:"line_profit"`
}

// InvoicePayload is everything the caller supplies for a create or replace.
// The store assigns id, version and timestamps.
type InvoicePayload struct {
	Customer                  Customer          `json:"customer"`
	PaymentMode               string            `json:"payment_mode"`
	Items                     []InvoiceLineItem `json:"items"`
	Discount                  Discount          `json:"discount"`
	SubTotal                  float64           `json:"sub_total"`
	DiscountAmount            float64           `json:"discount_amount"`
	GrandTotal                float64           `json:"grand_total"`
	ProfitTotalBeforeDiscount float64           `json:"profit_total_before_discount"`
	ProfitTotalAfterDiscount  float64           `json:"profit_total_after_discount"`
}

type Invoice struct {
	ID                        string            `json:"id"`
	Customer                  Customer          `json:"customer"`
	PaymentMode               string            `json:"payment_mode"`
	Items                     []InvoiceLineItem `json:"items"`
	Discount                  Discount          `json:"discount"`
	SubTotal                  float64           `json:"sub_total"`
	DiscountAmount            float64           `json:"discount_amount"`
	GrandTotal                float64           `json:"grand_total"`
	ProfitTotalBeforeDiscount float64           `json:"profit_total_before_discount"`
	ProfitTotalAfterDiscount  float64           `json:"profit_total_after_discount"`
	Version                   int64             `json:"version"`
	CreatedAt                 time.Time         `json:"created_at"`
	LastModifiedAt            *time.Time        `json:"last_modified_at,omitempty"`
}

// Payload strips the store-assigned fields back out of a persisted invoice.
func (inv Invoice) Payload() InvoicePayload {
	return InvoicePayload{
		Customer:                  inv.Customer,
		PaymentMode:               inv.PaymentMode,
		Items:                     inv.Items,
		Discount:                  inv.Discount,
		SubTotal:                  inv.SubTotal,
		DiscountAmount:            inv.DiscountAmount,
		GrandTotal:                inv.GrandTotal,
		ProfitTotalBeforeDiscount: inv.ProfitTotalBeforeDiscount,
		ProfitTotalAfterDiscount:  inv.ProfitTotalAfterDiscount,
	}
}

// CartLine is the UI-side input before prices are resolved against the
// catalog. FinalSellPricePerUnit overrides the catalog sell price when set.
type CartLine struct {
	ProductID             string   `json:"product_id"`
	Qty                   int      `json:"qty"`
	FinalSellPricePerUnit *float64 `json:"final_sell_price_per_unit,omitempty"`
}

type InvoiceSaveRequest struct {
	Customer    Customer   `json:"customer"`
	PaymentMode string     `json:"payment_mode"`
	Discount    Discount   `json:"discount"`
	Lines       []CartLine `json:"lines"`
}

type InvoiceResponse struct {
	Invoice Invoice `json:"invoice"`
}

type InvoiceListResponse struct {
	Invoices []Invoice `json:"invoices"`
}

type ProductImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

type SalesSummaryPayment struct {
	PaymentMode string  `json:"payment_mode"`
	Invoices    int64   `json:"invoices"`
	Total       float64 `json:"total"`
}

type SalesSummaryProduct struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Qty       int     `json:"qty"`
	Revenue   float64 `json:"revenue"`
}

type SalesSummary struct {
	From                 string                `json:"from"`
	To                   string                `json:"to"`
	Invoices             int64                 `json:"invoices"`
	GrossSales           float64               `json:"gross_sales"`
	DiscountTotal        float64               `json:"discount_total"`
	NetSales             float64               `json:"net_sales"`
	ProfitBeforeDiscount float64               `json:"profit_before_discount"`
	ProfitAfterDiscount  float64               `json:"profit_after_discount"`
	ByPayment            []SalesSummaryPayment `json:"by_payment"`
	TopProducts          []SalesSummaryProduct `json:"top_products"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
