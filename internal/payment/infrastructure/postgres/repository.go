package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mishalajmi/mashrook-payments/internal/payment/application"
	"github.com/mishalajmi/mashrook-payments/internal/payment/domain"
)

const (
	idemKeyIndex    = "payments_idem_key_inflight"
	oneSuccessIndex = "payments_one_success_per_invoice"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

const paymentColumns = `id, invoice_id, buyer_id, organization_id, amount, currency, method, provider,
	status, idempotency_key, checkout_id, checkout_url, checkout_expires_at, transaction_id,
	recorded_by, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, rec *domain.PaymentRecord, msg *application.OutboxMessage) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		rec.ID, rec.InvoiceID, rec.BuyerID, rec.OrganizationID, rec.Amount, rec.Currency,
		rec.Method, rec.Provider, rec.Status, rec.IdempotencyKey, rec.CheckoutID,
		rec.CheckoutURL, nullableTime(rec.CheckoutExpiresAt), rec.TransactionID,
		rec.RecordedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return mapConstraint(err)
	}

	if err := insertOutbox(ctx, tx, rec, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Update applies a single-row conditional write: the row must still be in the
// status the caller observed, otherwise no row matches and ErrStaleRecord is
// returned so the caller can re-read.
func (r *Repository) Update(ctx context.Context, rec *domain.PaymentRecord, prev domain.Status, msg *application.OutboxMessage) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE payments
		SET status=$3, checkout_id=$4, checkout_url=$5, checkout_expires_at=$6,
			transaction_id=$7, updated_at=$8
		WHERE id=$1 AND status=$2`,
		rec.ID, prev, rec.Status, rec.CheckoutID, rec.CheckoutURL,
		nullableTime(rec.CheckoutExpiresAt), rec.TransactionID, rec.UpdatedAt)
	if err != nil {
		return mapConstraint(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrStaleRecord
	}

	if err := insertOutbox(ctx, tx, rec, msg); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) FindByID(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
}

func (r *Repository) FindByCheckoutID(ctx context.Context, checkoutID string) (*domain.PaymentRecord, error) {
	if checkoutID == "" {
		return nil, domain.ErrPaymentNotFound
	}
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE checkout_id=$1`, checkoutID)
}

func (r *Repository) FindInFlightByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentRecord, error) {
	return r.findOne(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE idempotency_key=$1 AND status IN ('PENDING','PROCESSING')`, key)
}

func (r *Repository) ListByInvoice(ctx context.Context, invoiceID string) ([]domain.PaymentRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE invoice_id=$1 ORDER BY created_at DESC, id DESC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (r *Repository) HasSucceededForInvoice(ctx context.Context, invoiceID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE invoice_id=$1 AND status='SUCCEEDED')`,
		invoiceID).Scan(&exists)
	return exists, err
}

func (r *Repository) findOne(ctx context.Context, query string, args ...any) (*domain.PaymentRecord, error) {
	rec, err := scanPayment(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.PaymentRecord, error) {
	var (
		rec       domain.PaymentRecord
		expiresAt *time.Time
	)
	err := row.Scan(&rec.ID, &rec.InvoiceID, &rec.BuyerID, &rec.OrganizationID, &rec.Amount,
		&rec.Currency, &rec.Method, &rec.Provider, &rec.Status, &rec.IdempotencyKey,
		&rec.CheckoutID, &rec.CheckoutURL, &expiresAt, &rec.TransactionID,
		&rec.RecordedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt != nil {
		rec.CheckoutExpiresAt = *expiresAt
	}
	return &rec, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, rec *domain.PaymentRecord, msg *application.OutboxMessage) error {
	if msg == nil {
		return nil
	}
	_, err := tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		"payment", rec.ID, msg.Type, msg.Payload, msg.Headers, msg.Traceparent)
	return err
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case idemKeyIndex:
			return domain.ErrDuplicateIdempotencyKey
		case oneSuccessIndex:
			return domain.ErrInvoiceAlreadyPaid
		}
	}
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
