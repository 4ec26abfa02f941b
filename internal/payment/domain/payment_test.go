package domain_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
)

func newProcessingRecord(t *testing.T) *domain.PaymentRecord {
	t.Helper()
	rec := domain.NewOnlinePayment("inv-1", "buyer-1", "org-1", decimal.RequireFromString("1150.00"), "SAR", "sandbox")
	if _, err := rec.Transition(domain.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestTransition_PendingToProcessing(t *testing.T) {
	rec := domain.NewOnlinePayment("inv-1", "buyer-1", "org-1", decimal.RequireFromString("100.00"), "SAR", "sandbox")

	changed, err := rec.Transition(domain.StatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a status change")
	}
	if rec.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want PROCESSING", rec.Status)
	}
}

func TestTransition_IntoTerminalStates(t *testing.T) {
	for _, target := range []domain.Status{
		domain.StatusSucceeded,
		domain.StatusFailed,
		domain.StatusCancelled,
		domain.StatusExpired,
		domain.StatusRefunded,
	} {
		t.Run(string(target), func(t *testing.T) {
			rec := newProcessingRecord(t)
			changed, err := rec.Transition(target)
			if err != nil {
				t.Fatal(err)
			}
			if !changed || rec.Status != target {
				t.Fatalf("changed=%v status=%s, want %s", changed, rec.Status, target)
			}
		})
	}
}

func TestTransition_TerminalAbsorbsEverything(t *testing.T) {
	rec := newProcessingRecord(t)
	if _, err := rec.Transition(domain.StatusSucceeded); err != nil {
		t.Fatal(err)
	}

	for _, target := range []domain.Status{
		domain.StatusPending,
		domain.StatusProcessing,
		domain.StatusFailed,
		domain.StatusRefunded,
		domain.StatusSucceeded,
	} {
		changed, err := rec.Transition(target)
		if err != nil {
			t.Fatalf("transition to %s: unexpected error %v", target, err)
		}
		if changed {
			t.Fatalf("transition to %s mutated a terminal record", target)
		}
		if rec.Status != domain.StatusSucceeded {
			t.Fatalf("terminal status changed to %s", rec.Status)
		}
	}
}

func TestTransition_RepeatedProcessingIsNoOp(t *testing.T) {
	rec := newProcessingRecord(t)

	changed, err := rec.Transition(domain.StatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("re-reporting the current status must not count as a change")
	}
}

func TestTransition_ProcessingBackToPendingRejected(t *testing.T) {
	rec := newProcessingRecord(t)

	_, err := rec.Transition(domain.StatusPending)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestStatusRetryable(t *testing.T) {
	retryable := map[domain.Status]bool{
		domain.StatusPending:    false,
		domain.StatusProcessing: false,
		domain.StatusSucceeded:  false,
		domain.StatusFailed:     true,
		domain.StatusCancelled:  true,
		domain.StatusExpired:    true,
		domain.StatusRefunded:   false,
	}
	for status, want := range retryable {
		if got := status.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", status, got, want)
		}
	}
}

func TestIdempotencyKey_Deterministic(t *testing.T) {
	a := domain.IdempotencyKey("inv-1", "buyer-1")
	b := domain.IdempotencyKey("inv-1", "buyer-1")
	c := domain.IdempotencyKey("inv-1", "buyer-2")

	if a != b {
		t.Fatal("same invoice and buyer must derive the same key")
	}
	if a == c {
		t.Fatal("different buyers must derive different keys")
	}
}

func TestNewOfflinePayment_BornSucceeded(t *testing.T) {
	rec := domain.NewOfflinePayment("inv-1", "", "org-1", decimal.RequireFromString("1150.00"), "SAR", domain.MethodBankTransfer, "admin-1")

	if rec.Status != domain.StatusSucceeded {
		t.Fatalf("status = %s, want SUCCEEDED", rec.Status)
	}
	if rec.RecordedBy != "admin-1" {
		t.Fatalf("recordedBy = %q, want admin-1", rec.RecordedBy)
	}
	if rec.IdempotencyKey != "" {
		t.Fatal("offline payments carry no idempotency key")
	}
}
