package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mishalajmi/mashrook-payments/internal/gateway"
	"github.com/mishalajmi/mashrook-payments/internal/payment/application"
	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
)

const maxWebhookBody = 1 << 20

// Per-provider webhook signature header. Unlisted providers fall back to the
// generic header.
var signatureHeaders = map[gateway.Provider]string{
	gateway.ProviderTap: "Tap-Signature",
}

const defaultSignatureHeader = "X-Webhook-Signature"

type Handler struct {
	log     *slog.Logger
	service *application.Service
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
		tracer:  otel.Tracer("payment-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/payments", h.initiatePayment)
		r.Get("/payments/return", h.gatewayReturn)
		r.Post("/payments/{paymentID}/retry", h.retryPayment)
		r.Get("/invoices/{invoiceID}/payments", h.paymentHistory)
		r.Post("/invoices/{invoiceID}/payments/offline", h.recordOfflinePayment)
		r.Post("/webhooks/payments/{provider}", h.gatewayWebhook)
	})
	return r
}

type initiatePaymentReq struct {
	InvoiceID string `json:"invoice_id"`
	BuyerID   string `json:"buyer_id"`
}

func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InitiateOnlinePayment")
	defer span.End()

	var req initiatePaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.InvoiceID == "" || req.BuyerID == "" {
		http.Error(w, "invoice_id and buyer_id are required", http.StatusBadRequest)
		return
	}

	view, err := h.service.InitiateOnlinePayment(ctx, req.InvoiceID, req.BuyerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// gatewayReturn lands the buyer's browser redirect. The client may poll it
// while the payment is still in flight.
func (h *Handler) gatewayReturn(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ProcessGatewayReturn")
	defer span.End()

	checkoutID := r.URL.Query().Get("checkout_id")
	if checkoutID == "" {
		// Tap redirects with its own parameter name.
		checkoutID = r.URL.Query().Get("tap_id")
	}
	if checkoutID == "" {
		http.Error(w, "checkout_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.service.ProcessGatewayReturn(ctx, checkoutID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentView(rec))
}

type retryPaymentReq struct {
	BuyerID string `json:"buyer_id"`
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RetryPayment")
	defer span.End()

	var req retryPaymentReq
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}

	view, err := h.service.RetryPayment(ctx, chi.URLParam(r, "paymentID"), req.BuyerID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

type offlinePaymentReq struct {
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	BuyerID string          `json:"buyer_id"`
	AdminID string          `json:"admin_id"`
}

func (h *Handler) recordOfflinePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RecordOfflinePayment")
	defer span.End()

	var req offlinePaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.AdminID == "" {
		http.Error(w, "admin_id is required", http.StatusBadRequest)
		return
	}

	rec, err := h.service.RecordOfflinePayment(ctx, application.OfflinePaymentRequest{
		InvoiceID: chi.URLParam(r, "invoiceID"),
		Amount:    req.Amount,
		Method:    domain.Method(req.Method),
		BuyerID:   req.BuyerID,
	}, req.AdminID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentView(rec))
}

func (h *Handler) paymentHistory(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetPaymentHistory")
	defer span.End()

	history, err := h.service.GetPaymentHistory(ctx, chi.URLParam(r, "invoiceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	payments := make([]map[string]any, 0, len(history.Payments))
	for i := range history.Payments {
		payments = append(payments, paymentView(&history.Payments[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"invoice_id":        history.InvoiceID,
		"payments":          payments,
		"total_paid":        history.TotalPaid,
		"remaining_balance": history.RemainingBalance,
	})
}

// gatewayWebhook responds 2xx only after verification and persistence, so the
// gateway's own retry policy re-delivers on anything else. A signature failure
// changes no state.
func (h *Handler) gatewayWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HandleWebhook")
	defer span.End()

	provider := gateway.Provider(chi.URLParam(r, "provider"))
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	signature := r.Header.Get(signatureHeader(provider))

	rec, err := h.service.HandleWebhook(ctx, provider, payload, signature)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_id": rec.ID, "status": rec.Status})
}

func signatureHeader(p gateway.Provider) string {
	if h, ok := signatureHeaders[p]; ok {
		return h
	}
	return defaultSignatureHeader
}

func paymentView(rec *domain.PaymentRecord) map[string]any {
	v := map[string]any{
		"payment_id": rec.ID,
		"invoice_id": rec.InvoiceID,
		"amount":     rec.Amount,
		"currency":   rec.Currency,
		"method":     rec.Method,
		"status":     rec.Status,
	}
	if rec.BuyerID != "" {
		v["buyer_id"] = rec.BuyerID
	}
	if rec.Provider != "" {
		v["provider"] = rec.Provider
	}
	if rec.CheckoutID != "" {
		v["checkout_id"] = rec.CheckoutID
	}
	if rec.TransactionID != "" {
		v["transaction_id"] = rec.TransactionID
	}
	if rec.RecordedBy != "" {
		v["recorded_by"] = rec.RecordedBy
	}
	return v
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		h.log.Info("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvoiceNotFound),
		errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvoiceNotPayable),
		errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrOfflineMethodRequired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvoiceAlreadyPaid),
		errors.Is(err, domain.ErrDuplicateIdempotencyKey),
		errors.Is(err, domain.ErrStaleRecord):
		return http.StatusConflict
	case errors.Is(err, domain.ErrWebhookSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrGateway):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
