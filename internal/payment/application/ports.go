package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
)

// OutboxMessage is a notification event persisted in the same transaction as
// the payment write. The relay ships it to Kafka afterwards, so notification
// failures can never roll back payment state.
type OutboxMessage struct {
	Type        string
	Payload     []byte
	Headers     map[string]string
	Traceparent string
}

// PaymentRepository is the port for the payment record store, the only shared
// mutable state of the orchestrator.
//
// Storage must enforce two uniqueness constraints: the idempotency key among
// non-terminal records (Create returns domain.ErrDuplicateIdempotencyKey) and
// a single SUCCEEDED record per invoice (domain.ErrInvoiceAlreadyPaid).
// Update is conditional on the previously observed status and returns
// domain.ErrStaleRecord when a concurrent writer advanced the record first.
type PaymentRepository interface {
	Create(ctx context.Context, rec *domain.PaymentRecord, msg *OutboxMessage) error
	Update(ctx context.Context, rec *domain.PaymentRecord, prev domain.Status, msg *OutboxMessage) error
	FindByID(ctx context.Context, id string) (*domain.PaymentRecord, error)
	FindByCheckoutID(ctx context.Context, checkoutID string) (*domain.PaymentRecord, error)
	FindInFlightByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentRecord, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]domain.PaymentRecord, error)
	HasSucceededForInvoice(ctx context.Context, invoiceID string) (bool, error)
}

const (
	InvoiceStatusIssued    = "ISSUED"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusCancelled = "CANCELLED"
)

type Invoice struct {
	ID             string
	OrganizationID string
	Status         string
	TotalAmount    decimal.Decimal
	Currency       string
}

// Payable reports whether the invoice can still accept a payment.
func (i Invoice) Payable() bool {
	return i.Status != InvoiceStatusPaid && i.Status != InvoiceStatusCancelled
}

type User struct {
	ID    string
	Name  string
	Email string
}

// InvoiceClient is the narrow interface to the invoicing subsystem. The
// orchestrator never mutates invoice rows directly.
type InvoiceClient interface {
	FindInvoice(ctx context.Context, id string) (*Invoice, error)
	MarkInvoicePaid(ctx context.Context, id string) error
}

// UserDirectory resolves buyer and administrator identities.
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

// WebhookDeduper short-circuits redelivered webhook notifications. It is a
// best-effort fast path: correctness is carried by terminal absorption in the
// state machine, so implementations may fail open.
//
// Seen must be read-only; Mark is called only after the resulting transition
// committed. A delivery that fails mid-processing therefore stays unmarked and
// the gateway's redelivery is applied instead of skipped.
type WebhookDeduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}
