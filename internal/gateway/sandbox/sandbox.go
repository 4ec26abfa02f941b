// Package sandbox is a deterministic in-process payment provider. It backs
// local development and every test that needs a gateway without network I/O:
// checkouts live in memory and tests settle or fail them explicitly.
package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mishalajmi/mashrook-payments/internal/gateway"
)

const checkoutTTL = 30 * time.Minute

type checkoutState struct {
	status          gateway.Status
	transactionID   string
	responseCode    string
	responseMessage string
	occurredAt      time.Time
}

type Gateway struct {
	secret  []byte
	baseURL string

	mu          sync.Mutex
	seq         int
	checkouts   map[string]*checkoutState
	createCalls int
	statusCalls int
}

func New(secret, baseURL string) *Gateway {
	return &Gateway{
		secret:    []byte(secret),
		baseURL:   baseURL,
		checkouts: make(map[string]*checkoutState),
	}
}

func (g *Gateway) Provider() gateway.Provider { return gateway.ProviderSandbox }

func (g *Gateway) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.createCalls++
	g.seq++
	id := fmt.Sprintf("chk_sandbox_%06d", g.seq)
	g.checkouts[id] = &checkoutState{
		status:     gateway.StatusPending,
		occurredAt: time.Now().UTC(),
	}
	return &gateway.Checkout{
		CheckoutID:  id,
		RedirectURL: g.baseURL + "/sandbox/checkout/" + id,
		ExpiresAt:   time.Now().UTC().Add(checkoutTTL),
	}, nil
}

func (g *Gateway) PaymentStatus(ctx context.Context, checkoutID string) (*gateway.PaymentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.statusCalls++
	st, ok := g.checkouts[checkoutID]
	if !ok {
		return nil, fmt.Errorf("sandbox: checkout %s not found", checkoutID)
	}
	return &gateway.PaymentStatus{
		CheckoutID:      checkoutID,
		TransactionID:   st.transactionID,
		Status:          st.status,
		ResponseCode:    st.responseCode,
		ResponseMessage: st.responseMessage,
		OccurredAt:      st.occurredAt,
	}, nil
}

func (g *Gateway) VerifyWebhookSignature(payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), want)
}

type webhookEnvelope struct {
	CheckoutID      string    `json:"checkout_id"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	Status          string    `json:"status"`
	ResponseCode    string    `json:"response_code,omitempty"`
	ResponseMessage string    `json:"response_message,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func (g *Gateway) ParseWebhookPayload(payload []byte) (*gateway.PaymentStatus, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("sandbox: decode webhook: %w", err)
	}
	if env.CheckoutID == "" {
		return nil, fmt.Errorf("sandbox: webhook missing checkout_id")
	}
	return &gateway.PaymentStatus{
		CheckoutID:      env.CheckoutID,
		TransactionID:   env.TransactionID,
		Status:          gateway.Status(env.Status),
		ResponseCode:    env.ResponseCode,
		ResponseMessage: env.ResponseMessage,
		OccurredAt:      env.OccurredAt,
	}, nil
}

// Settle marks a checkout as captured, as if the buyer completed payment.
func (g *Gateway) Settle(checkoutID, transactionID string) {
	g.set(checkoutID, gateway.StatusSucceeded, transactionID, "00", "approved")
}

func (g *Gateway) Fail(checkoutID, code, message string) {
	g.set(checkoutID, gateway.StatusFailed, "", code, message)
}

func (g *Gateway) Cancel(checkoutID string) {
	g.set(checkoutID, gateway.StatusCancelled, "", "", "cancelled by buyer")
}

func (g *Gateway) Expire(checkoutID string) {
	g.set(checkoutID, gateway.StatusExpired, "", "", "checkout expired")
}

func (g *Gateway) set(checkoutID string, status gateway.Status, txn, code, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.checkouts[checkoutID]
	if !ok {
		return
	}
	st.status = status
	st.transactionID = txn
	st.responseCode = code
	st.responseMessage = msg
	st.occurredAt = time.Now().UTC()
}

// WebhookEnvelope renders the signed webhook delivery the sandbox would send
// for a checkout's current state. Tests feed the pair straight into the
// webhook endpoint.
func (g *Gateway) WebhookEnvelope(checkoutID string) (payload []byte, signature string, err error) {
	g.mu.Lock()
	st, ok := g.checkouts[checkoutID]
	if !ok {
		g.mu.Unlock()
		return nil, "", fmt.Errorf("sandbox: checkout %s not found", checkoutID)
	}
	env := webhookEnvelope{
		CheckoutID:      checkoutID,
		TransactionID:   st.transactionID,
		Status:          string(st.status),
		ResponseCode:    st.responseCode,
		ResponseMessage: st.responseMessage,
		OccurredAt:      st.occurredAt,
	}
	g.mu.Unlock()

	payload, err = json.Marshal(env)
	if err != nil {
		return nil, "", err
	}
	return payload, g.Sign(payload), nil
}

// Sign computes the hex HMAC-SHA256 signature the sandbox attaches to webhooks.
func (g *Gateway) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateCalls reports how many checkouts were opened.
func (g *Gateway) CreateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

// StatusCalls reports how many times PaymentStatus was polled.
func (g *Gateway) StatusCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}
