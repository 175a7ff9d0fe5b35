package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mbd888/commissions/internal/orders"
)

const orderColumns = `id, buyer_id, seller_id, session_id, type, amount, currency, description,
		       delivery_deadline, status, escrow_transaction_id, release_transaction_id,
		       refund_transaction_id, proof_urls, rejection_reason, cancellation_reason,
		       dispute_reason, disputed_by, resolution, resolution_notes, resolved_by,
		       accepted_at, rejected_at, delivered_at, validated_at, disputed_at,
		       resolved_at, cancelled_at, created_at, updated_at`

func (t *pgTx) InsertOrder(ctx context.Context, o *orders.Order) error {
	proofs, err := proofJSON(o.ProofURLs)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`, idempotency_key) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26,
			$27, $28, $29, $30, $31
		)`, append(orderArgs(o, proofs), nullString(o.IdempotencyKey))...)
	return err
}

func (t *pgTx) GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*orders.Order, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = $1 AND idempotency_key = $2
		FOR UPDATE`, buyerID, key)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, orders.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = key
	return o, nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*orders.Order, error) {
	return getOrder(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *orders.Order) error {
	proofs, err := proofJSON(o.ProofURLs)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, escrow_transaction_id = $2, release_transaction_id = $3,
			refund_transaction_id = $4, proof_urls = $5, rejection_reason = $6,
			cancellation_reason = $7, dispute_reason = $8, disputed_by = $9,
			resolution = $10, resolution_notes = $11, resolved_by = $12,
			accepted_at = $13, rejected_at = $14, delivered_at = $15, validated_at = $16,
			disputed_at = $17, resolved_at = $18, cancelled_at = $19, updated_at = $20
		WHERE id = $21`,
		string(o.Status), nullString(o.EscrowTransactionID), nullString(o.ReleaseTransactionID),
		nullString(o.RefundTransactionID), proofs, nullString(o.RejectionReason),
		nullString(o.CancellationReason), nullString(o.DisputeReason), nullString(o.DisputedBy),
		nullString(string(o.Resolution)), nullString(o.ResolutionNotes), nullString(o.ResolvedBy),
		nullTime(o.AcceptedAt), nullTime(o.RejectedAt), nullTime(o.DeliveredAt), nullTime(o.ValidatedAt),
		nullTime(o.DisputedAt), nullTime(o.ResolvedAt), nullTime(o.CancelledAt), o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, orders.ErrOrderNotFound)
}

func (t *pgTx) GetSession(ctx context.Context, id string) (*orders.Session, error) {
	return getSession(ctx, t.tx, id)
}

// --- orders.Store reads ---

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := getOrder(ctx, p.db, id, "")
	return o, mapError(err)
}

func (p *PostgresStore) ListOrdersBySession(ctx context.Context, sessionID string) ([]*orders.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]*orders.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('PENDING', 'ACCEPTED')
		  AND delivery_deadline IS NOT NULL
		  AND delivery_deadline < $1
		ORDER BY delivery_deadline ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) CreateSession(ctx context.Context, sess *orders.Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, buyer_id, seller_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.BuyerID, sess.SellerID, sess.CreatedAt,
	)
	return mapError(err)
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*orders.Session, error) {
	sess, err := getSession(ctx, p.db, id)
	return sess, mapError(err)
}

func getSession(ctx context.Context, q querier, id string) (*orders.Session, error) {
	sess := &orders.Session{}
	err := q.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, created_at FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.BuyerID, &sess.SellerID, &sess.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, orders.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func getOrder(ctx context.Context, q querier, id, lock string) (*orders.Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`+lock, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, orders.ErrOrderNotFound
	}
	return o, err
}

func orderArgs(o *orders.Order, proofs string) []interface{} {
	return []interface{}{
		o.ID, o.BuyerID, o.SellerID, o.SessionID, string(o.Type), o.Amount, o.Currency, nullString(o.Description),
		nullTime(o.DeliveryDeadline), string(o.Status), nullString(o.EscrowTransactionID), nullString(o.ReleaseTransactionID),
		nullString(o.RefundTransactionID), proofs, nullString(o.RejectionReason), nullString(o.CancellationReason),
		nullString(o.DisputeReason), nullString(o.DisputedBy), nullString(string(o.Resolution)), nullString(o.ResolutionNotes), nullString(o.ResolvedBy),
		nullTime(o.AcceptedAt), nullTime(o.RejectedAt), nullTime(o.DeliveredAt), nullTime(o.ValidatedAt), nullTime(o.DisputedAt),
		nullTime(o.ResolvedAt), nullTime(o.CancelledAt), o.CreatedAt, o.UpdatedAt,
	}
}

func proofJSON(urls []string) (string, error) {
	if urls == nil {
		return "[]", nil
	}
	b, err := json.Marshal(urls)
	return string(b), err
}

func scanOrder(s scanner) (*orders.Order, error) {
	o := &orders.Order{}
	var (
		orderType, status                             string
		description, escrowID, releaseID, refundID    sql.NullString
		rejection, cancellation, dispute, disputedBy  sql.NullString
		resolution, resolutionNotes, resolvedBy       sql.NullString
		deadline, acceptedAt, rejectedAt, deliveredAt sql.NullTime
		validatedAt, disputedAt, resolvedAt           sql.NullTime
		cancelledAt                                   sql.NullTime
		proofs                                        []byte
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.SessionID, &orderType, &o.Amount, &o.Currency, &description,
		&deadline, &status, &escrowID, &releaseID,
		&refundID, &proofs, &rejection, &cancellation,
		&dispute, &disputedBy, &resolution, &resolutionNotes, &resolvedBy,
		&acceptedAt, &rejectedAt, &deliveredAt, &validatedAt, &disputedAt,
		&resolvedAt, &cancelledAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Type = orders.Type(orderType)
	o.Status = orders.Status(status)
	o.Description = description.String
	o.EscrowTransactionID = escrowID.String
	o.ReleaseTransactionID = releaseID.String
	o.RefundTransactionID = refundID.String
	o.RejectionReason = rejection.String
	o.CancellationReason = cancellation.String
	o.DisputeReason = dispute.String
	o.DisputedBy = disputedBy.String
	o.Resolution = orders.Resolution(resolution.String)
	o.ResolutionNotes = resolutionNotes.String
	o.ResolvedBy = resolvedBy.String
	o.DeliveryDeadline = timePtr(deadline)
	o.AcceptedAt = timePtr(acceptedAt)
	o.RejectedAt = timePtr(rejectedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.ValidatedAt = timePtr(validatedAt)
	o.DisputedAt = timePtr(disputedAt)
	o.ResolvedAt = timePtr(resolvedAt)
	o.CancelledAt = timePtr(cancelledAt)
	if len(proofs) > 0 {
		_ = json.Unmarshal(proofs, &o.ProofURLs)
	}
	if len(o.ProofURLs) == 0 {
		o.ProofURLs = nil
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*orders.Order, error) {
	var result []*orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}
