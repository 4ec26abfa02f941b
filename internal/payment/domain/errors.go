package domain

import "errors"

// Failure taxonomy for the payment subsystem. Callers classify with errors.Is;
// the HTTP layer maps each class to a response code. None of these are fatal to
// the process: every failure is scoped to a single payment attempt.
var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrUserNotFound    = errors.New("user not found")

	// ErrInvoiceNotPayable rejects initiation against an invoice that is
	// already paid or cancelled.
	ErrInvoiceNotPayable = errors.New("invoice is not payable")

	// ErrAmountMismatch rejects an offline recording whose amount differs from
	// the invoice total.
	ErrAmountMismatch = errors.New("amount does not match invoice total")

	// ErrInvoiceAlreadyPaid rejects a second successful payment for an invoice.
	ErrInvoiceAlreadyPaid = errors.New("invoice already has a succeeded payment")

	// ErrOfflineMethodRequired rejects offline recording with an online method.
	ErrOfflineMethodRequired = errors.New("offline recording requires an offline payment method")

	ErrInvalidTransition = errors.New("invalid payment status transition")

	// ErrWebhookSignature marks a webhook whose signature did not verify.
	// Handling it must never touch payment state.
	ErrWebhookSignature = errors.New("webhook signature verification failed")

	// ErrGateway wraps failures of the provider call itself (network, 5xx).
	ErrGateway = errors.New("payment gateway error")

	// ErrDuplicateIdempotencyKey is raised by storage when a second in-flight
	// record would be created for the same invoice and buyer.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already reserved")

	// ErrStaleRecord is raised when a conditional status update matched no row
	// because a concurrent writer advanced the record first.
	ErrStaleRecord = errors.New("payment record was concurrently modified")
)
