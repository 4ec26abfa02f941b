// Package memory holds an in-memory payment repository with the same
// constraint behavior as the postgres implementation. It backs service tests
// and gateway-free local runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mishalajmi/mashrook-payments/internal/payment/application"
	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
)

// StoredEvent is an outbox message captured with its payment, inspectable by
// tests.
type StoredEvent struct {
	PaymentID string
	Type      string
	Payload   []byte
}

type Repository struct {
	mu      sync.Mutex
	records map[string]*domain.PaymentRecord
	order   []string
	events  []StoredEvent
}

func NewRepository() *Repository {
	return &Repository{records: make(map[string]*domain.PaymentRecord)}
}

func (r *Repository) Create(_ context.Context, rec *domain.PaymentRecord, msg *application.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records {
		if rec.IdempotencyKey != "" && existing.IdempotencyKey == rec.IdempotencyKey && !existing.Status.Terminal() {
			return domain.ErrDuplicateIdempotencyKey
		}
		if rec.Status == domain.StatusSucceeded && existing.InvoiceID == rec.InvoiceID && existing.Status == domain.StatusSucceeded {
			return domain.ErrInvoiceAlreadyPaid
		}
	}

	cp := *rec
	r.records[rec.ID] = &cp
	r.order = append(r.order, rec.ID)
	r.appendEvent(rec.ID, msg)
	return nil
}

func (r *Repository) Update(_ context.Context, rec *domain.PaymentRecord, prev domain.Status, msg *application.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[rec.ID]
	if !ok {
		return domain.ErrPaymentNotFound
	}
	if stored.Status != prev {
		return domain.ErrStaleRecord
	}
	if rec.Status == domain.StatusSucceeded {
		for _, existing := range r.records {
			if existing.ID != rec.ID && existing.InvoiceID == rec.InvoiceID && existing.Status == domain.StatusSucceeded {
				return domain.ErrInvoiceAlreadyPaid
			}
		}
	}

	cp := *rec
	r.records[rec.ID] = &cp
	r.appendEvent(rec.ID, msg)
	return nil
}

func (r *Repository) FindByID(_ context.Context, id string) (*domain.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *Repository) FindByCheckoutID(_ context.Context, checkoutID string) (*domain.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if checkoutID == "" {
		return nil, domain.ErrPaymentNotFound
	}
	for _, rec := range r.records {
		if rec.CheckoutID == checkoutID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (r *Repository) FindInFlightByIdempotencyKey(_ context.Context, key string) (*domain.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.IdempotencyKey == key && !rec.Status.Terminal() {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (r *Repository) ListByInvoice(_ context.Context, invoiceID string) ([]domain.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []domain.PaymentRecord
	// Reverse insertion order approximates created_at DESC without depending
	// on clock resolution.
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.records[r.order[i]]
		if rec.InvoiceID == invoiceID {
			recs = append(recs, *rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

func (r *Repository) HasSucceededForInvoice(_ context.Context, invoiceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.InvoiceID == invoiceID && rec.Status == domain.StatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) appendEvent(paymentID string, msg *application.OutboxMessage) {
	if msg == nil {
		return
	}
	r.events = append(r.events, StoredEvent{PaymentID: paymentID, Type: msg.Type, Payload: msg.Payload})
}

// Events returns the captured outbox messages in write order.
func (r *Repository) Events() []StoredEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StoredEvent(nil), r.events...)
}

// Records returns a snapshot of all stored payment records.
func (r *Repository) Records() []domain.PaymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]domain.PaymentRecord, 0, len(r.order))
	for _, id := range r.order {
		recs = append(recs, *r.records[id])
	}
	return recs
}
