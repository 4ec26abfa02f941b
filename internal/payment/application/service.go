package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mishalajmi/mashrook-payments/internal/gateway"
	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
	"github.com/mishalajmi/mashrook-payments/pkg/idempotency"
)

type Config struct {
	// PublicBaseURL is the externally reachable base of this service, used to
	// build the return and webhook URLs handed to the gateway.
	PublicBaseURL string

	// GatewayTimeout bounds every outbound provider call.
	GatewayTimeout time.Duration
}

// Service orchestrates payment processing: it initiates gateway checkouts,
// reconciles gateway-confirmed outcomes from both the browser-return and the
// webhook path, supports retry after failure and administrator-recorded
// offline payments. It is stateless between calls; all durable state lives in
// the payment repository.
type Service struct {
	log      *slog.Logger
	repo     PaymentRepository
	gateways *gateway.Registry
	invoices InvoiceClient
	users    UserDirectory
	dedupe   WebhookDeduper
	cfg      Config
}

func NewService(log *slog.Logger, repo PaymentRepository, gateways *gateway.Registry, invoices InvoiceClient, users UserDirectory, dedupe WebhookDeduper, cfg Config) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	return &Service{
		log:      log,
		repo:     repo,
		gateways: gateways,
		invoices: invoices,
		users:    users,
		dedupe:   dedupe,
		cfg:      cfg,
	}
}

// CheckoutView is what the buyer needs to complete an online payment.
type CheckoutView struct {
	PaymentID   string        `json:"payment_id"`
	CheckoutID  string        `json:"checkout_id"`
	RedirectURL string        `json:"redirect_url"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Status      domain.Status `json:"status"`
}

// InitiateOnlinePayment starts a gateway checkout for an invoice. A duplicate
// submit for the same invoice and buyer returns the existing in-flight
// checkout unchanged: the idempotency key is reserved in storage before any
// gateway call, so the duplicate-charge window is bounded to "gateway call
// fails after reservation"; in that case the record stays PENDING and the
// next call resumes it instead of losing it.
func (s *Service) InitiateOnlinePayment(ctx context.Context, invoiceID, buyerID string) (*CheckoutView, error) {
	inv, err := s.invoices.FindInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Payable() {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvoiceNotPayable, inv.ID, inv.Status)
	}

	key := domain.IdempotencyKey(invoiceID, buyerID)
	existing, err := s.repo.FindInFlightByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return s.resumeInFlight(ctx, existing)
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return nil, err
	}

	gw, err := s.gateways.Active()
	if err != nil {
		return nil, err
	}

	rec := domain.NewOnlinePayment(inv.ID, buyerID, inv.OrganizationID, inv.TotalAmount, inv.Currency, string(gw.Provider()))
	if err := s.repo.Create(ctx, rec, nil); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// Lost the race against a concurrent initiation for the same
			// invoice and buyer; observe that attempt instead.
			winner, ferr := s.repo.FindInFlightByIdempotencyKey(ctx, key)
			if ferr != nil {
				return nil, ferr
			}
			return s.resumeInFlight(ctx, winner)
		}
		return nil, err
	}

	return s.openCheckout(ctx, gw, inv, rec)
}

// resumeInFlight returns the checkout of an in-flight record, creating one if
// an earlier gateway failure left the record PENDING without a checkout.
func (s *Service) resumeInFlight(ctx context.Context, rec *domain.PaymentRecord) (*CheckoutView, error) {
	if rec.CheckoutID != "" {
		return checkoutView(rec), nil
	}
	gw, err := s.gateways.Get(gateway.Provider(rec.Provider))
	if err != nil {
		return nil, err
	}
	inv, err := s.invoices.FindInvoice(ctx, rec.InvoiceID)
	if err != nil {
		return nil, err
	}
	return s.openCheckout(ctx, gw, inv, rec)
}

func (s *Service) openCheckout(ctx context.Context, gw gateway.Gateway, inv *Invoice, rec *domain.PaymentRecord) (*CheckoutView, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	chk, err := gw.CreateCheckout(gctx, gateway.CheckoutRequest{
		PaymentID:   rec.ID,
		InvoiceID:   inv.ID,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		Description: "Mashrook invoice " + inv.ID,
		ReturnURL:   s.cfg.PublicBaseURL + "/api/payments/return",
		WebhookURL:  s.cfg.PublicBaseURL + "/api/webhooks/payments/" + string(gw.Provider()),
	})
	if err != nil {
		// The reserved record stays PENDING; a later initiation for the same
		// key resumes it.
		s.log.Warn("checkout creation failed", "payment_id", rec.ID, "provider", gw.Provider(), "err", err)
		return nil, fmt.Errorf("%w: create checkout via %s: %v", domain.ErrGateway, gw.Provider(), err)
	}

	prev := rec.Status
	rec.CheckoutID = chk.CheckoutID
	rec.CheckoutURL = chk.RedirectURL
	rec.CheckoutExpiresAt = chk.ExpiresAt
	if _, err := rec.Transition(domain.StatusProcessing); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, rec, prev, nil); err != nil {
		return nil, err
	}

	s.log.Info("payment initiated", "payment_id", rec.ID, "invoice_id", rec.InvoiceID, "checkout_id", rec.CheckoutID, "provider", rec.Provider)
	return checkoutView(rec), nil
}

// ProcessGatewayReturn reconciles a payment when the buyer's browser comes
// back from the gateway. Terminal records are returned as-is without
// contacting the gateway, so the page can be reloaded and polled freely.
func (s *Service) ProcessGatewayReturn(ctx context.Context, checkoutID string) (*domain.PaymentRecord, error) {
	rec, err := s.repo.FindByCheckoutID(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	gw, err := s.gateways.Get(gateway.Provider(rec.Provider))
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	st, err := gw.PaymentStatus(gctx, checkoutID)
	if err != nil {
		return nil, fmt.Errorf("%w: payment status via %s: %v", domain.ErrGateway, gw.Provider(), err)
	}

	return s.applyGatewayStatus(ctx, rec, st)
}

// HandleWebhook processes a gateway-initiated outcome notification. A failed
// signature check rejects the delivery before any record is touched, so a
// spoofed payload can never flip payment state.
func (s *Service) HandleWebhook(ctx context.Context, provider gateway.Provider, payload []byte, signature string) (*domain.PaymentRecord, error) {
	gw, err := s.gateways.Get(provider)
	if err != nil {
		return nil, err
	}
	if !gw.VerifyWebhookSignature(payload, signature) {
		return nil, fmt.Errorf("%w: provider %s", domain.ErrWebhookSignature, provider)
	}

	st, err := gw.ParseWebhookPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: parse webhook: %v", domain.ErrGateway, err)
	}

	rec, err := s.repo.FindByCheckoutID(ctx, st.CheckoutID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	var dedupeKey string
	if s.dedupe != nil {
		dedupeKey = idempotency.WebhookKey(string(provider), st.CheckoutID, string(st.Status))
		seen, derr := s.dedupe.Seen(ctx, dedupeKey)
		if derr != nil {
			// Fail open: terminal absorption makes redelivery harmless.
			s.log.Warn("webhook dedup check failed", "key", dedupeKey, "err", derr)
		} else if seen {
			s.log.Info("duplicate webhook skipped", "key", dedupeKey)
			return rec, nil
		}
	}

	rec, err = s.applyGatewayStatus(ctx, rec, st)
	if err != nil {
		return nil, err
	}
	// Mark only after the transition committed: a delivery that failed above
	// stays unmarked, so the gateway's redelivery is applied rather than
	// skipped as a duplicate.
	if dedupeKey != "" {
		if merr := s.dedupe.Mark(ctx, dedupeKey); merr != nil {
			s.log.Warn("webhook dedup mark failed", "key", dedupeKey, "err", merr)
		}
	}
	return rec, nil
}

// applyGatewayStatus maps a normalized gateway status onto the state machine
// and persists the transition together with its notification event.
func (s *Service) applyGatewayStatus(ctx context.Context, rec *domain.PaymentRecord, st *gateway.PaymentStatus) (*domain.PaymentRecord, error) {
	prev := rec.Status
	changed, err := rec.Transition(mapGatewayStatus(st.Status))
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	if st.TransactionID != "" {
		rec.TransactionID = st.TransactionID
	}

	if err := s.repo.Update(ctx, rec, prev, s.terminalEvent(ctx, rec, st.ResponseMessage)); err != nil {
		if errors.Is(err, domain.ErrStaleRecord) {
			// A concurrent webhook or poll won the row; their outcome stands.
			fresh, ferr := s.repo.FindByID(ctx, rec.ID)
			if ferr != nil {
				return nil, ferr
			}
			if fresh.Status.Terminal() {
				return fresh, nil
			}
			return nil, err
		}
		return nil, err
	}

	s.log.Info("payment status updated", "payment_id", rec.ID, "invoice_id", rec.InvoiceID, "from", prev, "to", rec.Status)

	if rec.Status == domain.StatusSucceeded {
		if err := s.invoices.MarkInvoicePaid(ctx, rec.InvoiceID); err != nil {
			// The payment is already durable; the PaymentSucceeded event lets
			// the platform reconcile the invoice if this call was lost.
			s.log.Error("mark invoice paid failed", "invoice_id", rec.InvoiceID, "payment_id", rec.ID, "err", err)
		}
	}
	return rec, nil
}

// RetryPayment starts a fresh attempt for the invoice behind a definitively
// failed payment. The original record is never mutated back to PENDING; a new
// record keeps the audit history of every attempt.
func (s *Service) RetryPayment(ctx context.Context, paymentID, buyerID string) (*CheckoutView, error) {
	rec, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Retryable() {
		return nil, fmt.Errorf("%w: cannot retry payment %s in status %s", domain.ErrInvalidTransition, rec.ID, rec.Status)
	}
	if buyerID == "" {
		buyerID = rec.BuyerID
	}
	return s.InitiateOnlinePayment(ctx, rec.InvoiceID, buyerID)
}

type OfflinePaymentRequest struct {
	InvoiceID string
	Amount    decimal.Decimal
	Method    domain.Method
	// BuyerID is optional: the administrator may not know which buyer user
	// actually paid.
	BuyerID string
}

// RecordOfflinePayment registers a payment settled outside any gateway, such
// as a bank transfer, on behalf of an administrator. The record is created
// SUCCEEDED directly and the invoice is marked paid.
func (s *Service) RecordOfflinePayment(ctx context.Context, req OfflinePaymentRequest, adminID string) (*domain.PaymentRecord, error) {
	inv, err := s.invoices.FindInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Payable() {
		return nil, fmt.Errorf("%w: invoice %s is %s", domain.ErrInvoiceNotPayable, inv.ID, inv.Status)
	}
	if !req.Amount.Equal(inv.TotalAmount) {
		return nil, fmt.Errorf("%w: recorded %s, invoice total %s", domain.ErrAmountMismatch, req.Amount, inv.TotalAmount)
	}

	method := req.Method
	if method == "" {
		method = domain.MethodBankTransfer
	}
	if method.Online() {
		return nil, fmt.Errorf("%w: %s", domain.ErrOfflineMethodRequired, method)
	}

	paid, err := s.repo.HasSucceededForInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, fmt.Errorf("%w: invoice %s", domain.ErrInvoiceAlreadyPaid, inv.ID)
	}

	admin, err := s.users.FindUser(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if req.BuyerID != "" {
		if _, err := s.users.FindUser(ctx, req.BuyerID); err != nil {
			return nil, err
		}
	}

	rec := domain.NewOfflinePayment(inv.ID, req.BuyerID, inv.OrganizationID, req.Amount, inv.Currency, method, admin.ID)
	if err := s.repo.Create(ctx, rec, s.terminalEvent(ctx, rec, "")); err != nil {
		// The partial unique index closes the race between two administrators
		// recording concurrently.
		return nil, err
	}

	s.log.Info("offline payment recorded", "payment_id", rec.ID, "invoice_id", inv.ID, "method", method, "recorded_by", admin.ID)

	if err := s.invoices.MarkInvoicePaid(ctx, inv.ID); err != nil {
		s.log.Error("mark invoice paid failed", "invoice_id", inv.ID, "payment_id", rec.ID, "err", err)
	}
	return rec, nil
}

// History is the full payment trail of an invoice, most recent attempt first.
type History struct {
	InvoiceID        string
	Payments         []domain.PaymentRecord
	TotalPaid        decimal.Decimal
	RemainingBalance decimal.Decimal
}

// GetPaymentHistory never mutates state.
func (s *Service) GetPaymentHistory(ctx context.Context, invoiceID string) (*History, error) {
	inv, err := s.invoices.FindInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	totalPaid := decimal.Zero
	for _, r := range recs {
		if r.Status == domain.StatusSucceeded {
			totalPaid = totalPaid.Add(r.Amount)
		}
	}
	remaining := inv.TotalAmount.Sub(totalPaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &History{
		InvoiceID:        invoiceID,
		Payments:         recs,
		TotalPaid:        totalPaid,
		RemainingBalance: remaining,
	}, nil
}

// terminalEvent builds the notification message for a terminal outcome, or
// nil when the status carries no notification.
func (s *Service) terminalEvent(ctx context.Context, rec *domain.PaymentRecord, reason string) *OutboxMessage {
	var (
		eventType string
		payload   []byte
	)
	switch rec.Status {
	case domain.StatusSucceeded:
		eventType = domain.EventPaymentSucceeded
		payload, _ = json.Marshal(domain.PaymentSucceeded{
			PaymentID:     rec.ID,
			InvoiceID:     rec.InvoiceID,
			BuyerID:       rec.BuyerID,
			Amount:        rec.Amount,
			Currency:      rec.Currency,
			Method:        rec.Method,
			Provider:      rec.Provider,
			TransactionID: rec.TransactionID,
		})
	case domain.StatusFailed, domain.StatusCancelled, domain.StatusExpired:
		if reason == "" {
			reason = "payment " + string(rec.Status)
		}
		eventType = domain.EventPaymentFailed
		payload, _ = json.Marshal(domain.PaymentFailed{
			PaymentID: rec.ID,
			InvoiceID: rec.InvoiceID,
			BuyerID:   rec.BuyerID,
			Amount:    rec.Amount,
			Currency:  rec.Currency,
			Provider:  rec.Provider,
			Reason:    reason,
		})
	default:
		return nil
	}
	return &OutboxMessage{
		Type:        eventType,
		Payload:     payload,
		Headers:     map[string]string{"source": "payment-service"},
		Traceparent: traceparent(ctx),
	}
}

func mapGatewayStatus(s gateway.Status) domain.Status {
	switch s {
	case gateway.StatusSucceeded:
		return domain.StatusSucceeded
	case gateway.StatusFailed:
		return domain.StatusFailed
	case gateway.StatusCancelled:
		return domain.StatusCancelled
	case gateway.StatusExpired:
		return domain.StatusExpired
	case gateway.StatusRefunded:
		return domain.StatusRefunded
	}
	// pending/processing and anything unrecognized keep the attempt open.
	return domain.StatusProcessing
}

func checkoutView(rec *domain.PaymentRecord) *CheckoutView {
	return &CheckoutView{
		PaymentID:   rec.ID,
		CheckoutID:  rec.CheckoutID,
		RedirectURL: rec.CheckoutURL,
		ExpiresAt:   rec.CheckoutExpiresAt,
		Status:      rec.Status,
	}
}

func traceparent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier["traceparent"]
}
