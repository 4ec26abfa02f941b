// Package tap integrates the Tap Payments charges API as a hosted-checkout
// provider: a charge is created with a redirect URL, the buyer pays on Tap's
// page, and Tap reports the outcome via redirect and webhook.
package tap

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mishalajmi/mashrook-payments/internal/gateway"
)

const checkoutTTL = 30 * time.Minute

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
}

type Gateway struct {
	log  *slog.Logger
	cfg  Config
	http *http.Client
}

func New(log *slog.Logger, cfg Config, client *http.Client) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{log: log, cfg: cfg, http: client}
}

func (g *Gateway) Provider() gateway.Provider { return gateway.ProviderTap }

type chargeRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Reference   chargeReference `json:"reference"`
	Redirect    chargeURL       `json:"redirect"`
	Post        chargeURL       `json:"post"`
	Source      chargeSource    `json:"source"`
}

type chargeReference struct {
	Order       string `json:"order"`
	Transaction string `json:"transaction,omitempty"`
}

type chargeURL struct {
	URL string `json:"url"`
}

type chargeSource struct {
	ID string `json:"id"`
}

type charge struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Transaction struct {
		URL string `json:"url"`
	} `json:"transaction"`
	Response struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"response"`
	Reference chargeReference `json:"reference"`
}

func (g *Gateway) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	body := chargeRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Reference:   chargeReference{Order: req.InvoiceID, Transaction: req.PaymentID},
		Redirect:    chargeURL{URL: req.ReturnURL},
		Post:        chargeURL{URL: req.WebhookURL},
		// src_all lets the buyer pick any enabled payment source on the
		// hosted page.
		Source: chargeSource{ID: "src_all"},
	}

	var ch charge
	if err := g.do(ctx, http.MethodPost, "/v2/charges", body, &ch); err != nil {
		return nil, err
	}
	g.log.Info("tap charge created", "charge_id", ch.ID, "invoice_id", req.InvoiceID)

	return &gateway.Checkout{
		CheckoutID:  ch.ID,
		RedirectURL: ch.Transaction.URL,
		ExpiresAt:   time.Now().UTC().Add(checkoutTTL),
	}, nil
}

func (g *Gateway) PaymentStatus(ctx context.Context, checkoutID string) (*gateway.PaymentStatus, error) {
	var ch charge
	if err := g.do(ctx, http.MethodGet, "/v2/charges/"+checkoutID, nil, &ch); err != nil {
		return nil, err
	}
	return chargeToStatus(&ch), nil
}

func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}

func (g *Gateway) ParseWebhookPayload(payload []byte) (*gateway.PaymentStatus, error) {
	var ch charge
	if err := json.Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("tap: decode webhook: %w", err)
	}
	if ch.ID == "" {
		return nil, fmt.Errorf("tap: webhook missing charge id")
	}
	return chargeToStatus(&ch), nil
}

func chargeToStatus(ch *charge) *gateway.PaymentStatus {
	return &gateway.PaymentStatus{
		CheckoutID:      ch.ID,
		TransactionID:   ch.Reference.Transaction,
		Status:          mapChargeStatus(ch.Status),
		ResponseCode:    ch.Response.Code,
		ResponseMessage: ch.Response.Message,
		OccurredAt:      time.Now().UTC(),
	}
}

func mapChargeStatus(s string) gateway.Status {
	switch s {
	case "INITIATED":
		return gateway.StatusPending
	case "IN_PROGRESS", "AUTHORIZED":
		return gateway.StatusProcessing
	case "CAPTURED":
		return gateway.StatusSucceeded
	case "FAILED", "DECLINED", "RESTRICTED":
		return gateway.StatusFailed
	case "CANCELLED", "ABANDONED", "VOID":
		return gateway.StatusCancelled
	case "TIMEDOUT", "EXPIRED":
		return gateway.StatusExpired
	case "REFUNDED":
		return gateway.StatusRefunded
	}
	return gateway.StatusProcessing
}

func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tap: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("tap: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("tap: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("tap: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tap: decode response: %w", err)
	}
	return nil
}
