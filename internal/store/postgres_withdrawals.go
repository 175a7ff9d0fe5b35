package store

import (
	"context"
	"database/sql"

	"github.com/mbd888/commissions/internal/pagination"
	"github.com/mbd888/commissions/internal/withdrawals"
)

const withdrawalColumns = `id, user_id, amount, currency, method, destination, status,
		       debit_transaction_id, recredit_transaction_id, provider_reference,
		       cancel_reason, failure_reason, processed_by, processing_at,
		       completed_at, failed_at, cancelled_at, created_at, updated_at`

func (t *pgTx) InsertWithdrawal(ctx context.Context, w *withdrawals.Withdrawal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`, idempotency_key) VALUES (
			$1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		w.ID, w.UserID, w.Amount, w.Currency, string(w.Method), w.Destination, string(w.Status),
		w.DebitTransactionID, nullString(w.RecreditTransactionID), nullString(w.ProviderReference),
		nullString(w.CancelReason), nullString(w.FailureReason), nullString(w.ProcessedBy), nullTime(w.ProcessingAt),
		nullTime(w.CompletedAt), nullTime(w.FailedAt), nullTime(w.CancelledAt), w.CreatedAt, w.UpdatedAt,
		nullString(w.IdempotencyKey),
	)
	return err
}

func (t *pgTx) GetWithdrawalByIdempotencyKey(ctx context.Context, userID, key string) (*withdrawals.Withdrawal, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = $1 AND idempotency_key = $2
		FOR UPDATE`, userID, key)
	w, err := scanWithdrawal(row)
	if err == sql.ErrNoRows {
		return nil, withdrawals.ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	w.IdempotencyKey = key
	return w, nil
}

func (t *pgTx) GetWithdrawalForUpdate(ctx context.Context, id string) (*withdrawals.Withdrawal, error) {
	return getWithdrawal(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *withdrawals.Withdrawal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $1, recredit_transaction_id = $2, provider_reference = $3,
			cancel_reason = $4, failure_reason = $5, processed_by = $6,
			processing_at = $7, completed_at = $8, failed_at = $9,
			cancelled_at = $10, updated_at = $11
		WHERE id = $12`,
		string(w.Status), nullString(w.RecreditTransactionID), nullString(w.ProviderReference),
		nullString(w.CancelReason), nullString(w.FailureReason), nullString(w.ProcessedBy),
		nullTime(w.ProcessingAt), nullTime(w.CompletedAt), nullTime(w.FailedAt),
		nullTime(w.CancelledAt), w.UpdatedAt, w.ID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, withdrawals.ErrWithdrawalNotFound)
}

// --- withdrawals.Store reads ---

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*withdrawals.Withdrawal, error) {
	w, err := getWithdrawal(ctx, p.db, id, "")
	return w, mapError(err)
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*withdrawals.Withdrawal, error) {
	after, afterID := cursorArgs(cursor)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE user_id = $1
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, after, afterID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*withdrawals.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func getWithdrawal(ctx context.Context, q querier, id, lock string) (*withdrawals.Withdrawal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`+lock, id)
	w, err := scanWithdrawal(row)
	if err == sql.ErrNoRows {
		return nil, withdrawals.ErrWithdrawalNotFound
	}
	return w, err
}

func scanWithdrawal(s scanner) (*withdrawals.Withdrawal, error) {
	w := &withdrawals.Withdrawal{}
	var (
		method, status                                  string
		recreditID, reference, cancelReason, failReason sql.NullString
		processedBy                                     sql.NullString
		processingAt, completedAt, failedAt, cancelAt   sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Currency, &method, &w.Destination, &status,
		&w.DebitTransactionID, &recreditID, &reference,
		&cancelReason, &failReason, &processedBy, &processingAt,
		&completedAt, &failedAt, &cancelAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Method = withdrawals.Method(method)
	w.Status = withdrawals.Status(status)
	w.RecreditTransactionID = recreditID.String
	w.ProviderReference = reference.String
	w.CancelReason = cancelReason.String
	w.FailureReason = failReason.String
	w.ProcessedBy = processedBy.String
	w.ProcessingAt = timePtr(processingAt)
	w.CompletedAt = timePtr(completedAt)
	w.FailedAt = timePtr(failedAt)
	w.CancelledAt = timePtr(cancelAt)
	return w, nil
}
