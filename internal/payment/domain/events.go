package domain

import "github.com/shopspring/decimal"

const (
	EventPaymentSucceeded = "PaymentSucceeded"
	EventPaymentFailed    = "PaymentFailed"
)

type PaymentSucceeded struct {
	PaymentID     string          `json:"payment_id"`
	InvoiceID     string          `json:"invoice_id"`
	BuyerID       string          `json:"buyer_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Method        Method          `json:"method"`
	Provider      string          `json:"provider,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
}

type PaymentFailed struct {
	PaymentID string          `json:"payment_id"`
	InvoiceID string          `json:"invoice_id"`
	BuyerID   string          `json:"buyer_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Provider  string          `json:"provider,omitempty"`
	Reason    string          `json:"reason"`
}
