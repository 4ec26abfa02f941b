// Package gateway abstracts hosted-checkout payment providers behind a single
// capability interface. The orchestrator never branches on a concrete provider;
// new gateways are added by registering an implementation.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderSandbox Provider = "sandbox"
	ProviderTap     Provider = "tap"
)

// Status is the normalized gateway-side view of a charge. Both the synchronous
// poll and the webhook envelope decode into the same shape.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
	StatusRefunded   Status = "refunded"
)

type CheckoutRequest struct {
	PaymentID   string
	InvoiceID   string
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	WebhookURL  string
}

// Checkout describes a gateway-hosted payment session the buyer is redirected to.
type Checkout struct {
	CheckoutID  string
	RedirectURL string
	ExpiresAt   time.Time
}

type PaymentStatus struct {
	CheckoutID      string
	TransactionID   string
	Status          Status
	ResponseCode    string
	ResponseMessage string
	OccurredAt      time.Time
}

// Gateway is the capability set every provider implementation satisfies.
type Gateway interface {
	// CreateCheckout opens a hosted checkout session. Provider-side failures
	// surface as errors; valid input never panics.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)

	// PaymentStatus polls the gateway's view of a checkout.
	PaymentStatus(ctx context.Context, checkoutID string) (*PaymentStatus, error)

	// VerifyWebhookSignature checks a raw webhook payload against its signature
	// header using a constant-time comparison. Any mismatch returns false,
	// never an error.
	VerifyWebhookSignature(payload []byte, signature string) bool

	// ParseWebhookPayload decodes the provider's webhook envelope into the
	// normalized status shape.
	ParseWebhookPayload(payload []byte) (*PaymentStatus, error)

	Provider() Provider
}
