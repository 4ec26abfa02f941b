package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
	StatusRefunded   Status = "REFUNDED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired, StatusRefunded:
		return true
	}
	return false
}

// Retryable reports whether a new payment attempt may be started for the
// invoice after this record. Succeeded and in-flight records are not retryable.
func (s Status) Retryable() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Method string

const (
	MethodCard         Method = "CARD"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodCash         Method = "CASH"
)

// Online reports whether the method routes through a payment gateway.
// Offline methods are recorded after the fact by an administrator.
func (m Method) Online() bool {
	return m == MethodCard
}

// PaymentRecord is the unit of truth for one attempted charge. Records are
// never deleted: failed attempts stay behind as an audit trail and a retry
// creates a fresh record for the same invoice.
type PaymentRecord struct {
	ID             string
	InvoiceID      string
	BuyerID        string
	OrganizationID string
	Amount         decimal.Decimal
	Currency       string
	Method         Method
	Provider       string
	Status         Status
	IdempotencyKey string

	// Gateway-assigned identifiers. CheckoutID is the join key used by the
	// browser-return and webhook paths.
	CheckoutID        string
	CheckoutURL       string
	CheckoutExpiresAt time.Time
	TransactionID     string

	// RecordedBy is set only for offline payments.
	RecordedBy string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyKey derives the deterministic key that collapses duplicate
// initiation requests for the same invoice and buyer into one in-flight record.
func IdempotencyKey(invoiceID, buyerID string) string {
	sum := sha256.Sum256([]byte("payment:" + invoiceID + ":" + buyerID))
	return hex.EncodeToString(sum[:])
}

func NewOnlinePayment(invoiceID, buyerID, organizationID string, amount decimal.Decimal, currency, provider string) *PaymentRecord {
	now := time.Now().UTC()
	return &PaymentRecord{
		ID:             uuid.NewString(),
		InvoiceID:      invoiceID,
		BuyerID:        buyerID,
		OrganizationID: organizationID,
		Amount:         amount,
		Currency:       currency,
		Method:         MethodCard,
		Provider:       provider,
		Status:         StatusPending,
		IdempotencyKey: IdempotencyKey(invoiceID, buyerID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewOfflinePayment builds a record for a payment settled outside any gateway
// (bank transfer, cash). It is born SUCCEEDED: offline payments are recorded
// after the money moved, never left pending. buyerID may be empty when the
// administrator does not know which buyer user actually paid.
func NewOfflinePayment(invoiceID, buyerID, organizationID string, amount decimal.Decimal, currency string, method Method, recordedBy string) *PaymentRecord {
	now := time.Now().UTC()
	return &PaymentRecord{
		ID:             uuid.NewString(),
		InvoiceID:      invoiceID,
		BuyerID:        buyerID,
		OrganizationID: organizationID,
		Amount:         amount,
		Currency:       currency,
		Method:         method,
		Status:         StatusSucceeded,
		RecordedBy:     recordedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the record to target if the state machine allows it.
//
// Terminal records absorb every further transition as a no-op: webhooks may be
// delivered more than once and may race a buyer-initiated poll, and both must
// commute to the same final state. A repeated report of the current status is
// likewise a no-op. The returned bool is true only when the status actually
// changed.
func (p *PaymentRecord) Transition(target Status) (bool, error) {
	if p.Status.Terminal() {
		return false, nil
	}
	if target == p.Status {
		return false, nil
	}
	if !p.canTransition(target) {
		return false, fmt.Errorf("%w: %s -> %s (payment %s)", ErrInvalidTransition, p.Status, target, p.ID)
	}
	p.Status = target
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (p *PaymentRecord) canTransition(target Status) bool {
	if target.Terminal() {
		return true
	}
	// The only lateral move: a confirmed gateway interaction on a fresh record.
	return p.Status == StatusPending && target == StatusProcessing
}
