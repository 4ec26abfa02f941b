// Package platform is the HTTP client for the core Mashrook platform's
// internal API, behind which invoicing and the user directory live.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mishalajmi/mashrook-payments/internal/payment/application"
	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
)

type Client struct {
	log   *slog.Logger
	base  string
	token string
	http  *http.Client
}

func NewClient(log *slog.Logger, baseURL, token string, client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{log: log, base: baseURL, token: token, http: client}
}

type invoicePayload struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Status         string          `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
}

func (c *Client) FindInvoice(ctx context.Context, id string) (*application.Invoice, error) {
	var inv invoicePayload
	if err := c.do(ctx, http.MethodGet, "/internal/invoices/"+id, nil, &inv, domain.ErrInvoiceNotFound); err != nil {
		return nil, err
	}
	return &application.Invoice{
		ID:             inv.ID,
		OrganizationID: inv.OrganizationID,
		Status:         inv.Status,
		TotalAmount:    inv.TotalAmount,
		Currency:       inv.Currency,
	}, nil
}

func (c *Client) MarkInvoicePaid(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/internal/invoices/"+id+"/paid", struct{}{}, nil, domain.ErrInvoiceNotFound)
}

type userPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (c *Client) FindUser(ctx context.Context, id string) (*application.User, error) {
	var u userPayload
	if err := c.do(ctx, http.MethodGet, "/internal/users/"+id, nil, &u, domain.ErrUserNotFound); err != nil {
		return nil, err
	}
	return &application.User{ID: u.ID, Name: u.Name, Email: u.Email}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, notFound error) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Internal-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return notFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("platform: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
