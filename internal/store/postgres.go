package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/orders"
	"github.com/mbd888/commissions/internal/pagination"
	"github.com/mbd888/commissions/internal/withdrawals"
)

// PostgresStore persists the ledger, orders and withdrawals in PostgreSQL.
// Every unit of work runs at SERIALIZABLE isolation and locks the rows it
// mutates with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping implements health.Pinger.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// WithinLedgerTx implements ledger.Store.
func (p *PostgresStore) WithinLedgerTx(ctx context.Context, fn func(ctx context.Context, repo ledger.Repo) error) error {
	return p.within(ctx, func(ctx context.Context, tx *pgTx) error { return fn(ctx, tx) })
}

// WithinTx implements orders.Store.
func (p *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return p.within(ctx, func(ctx context.Context, tx *pgTx) error { return fn(ctx, tx) })
}

// WithinWithdrawalTx implements withdrawals.Store.
func (p *PostgresStore) WithinWithdrawalTx(ctx context.Context, fn func(ctx context.Context, tx withdrawals.Tx) error) error {
	return p.within(ctx, func(ctx context.Context, tx *pgTx) error { return fn(ctx, tx) })
}

func (p *PostgresStore) within(ctx context.Context, fn func(ctx context.Context, tx *pgTx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	return commitError(tx.Commit())
}

// commitError classifies a failed COMMIT. The server may have applied the
// unit of work before the connection dropped, so the failure is never
// retryable; creates carry an idempotency key for the client to replay with.
func commitError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "40001" {
		// Serialization failure at commit: the server rolled back.
		return fmt.Errorf("commit: %w: %s", apperr.ErrStoreUnavailable, pqErr.Message)
	}
	return fmt.Errorf("commit: %w: %v", apperr.ErrCommitUnknown, err)
}

var idempotencyConstraints = map[string]bool{
	"idx_orders_idempotency":      true,
	"idx_withdrawals_idempotency": true,
}

// mapError turns driver-level failures that a replay can fix into
// apperr.ErrStoreUnavailable. Domain errors pass through unchanged.
func mapError(err error) error {
	if err == nil || apperr.Kind(err) != nil {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return fmt.Errorf("%w: %s", apperr.ErrStoreUnavailable, pqErr.Message)
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return fmt.Errorf("%w: %s", apperr.ErrStoreUnavailable, pqErr.Message)
		case pqErr.Code == "23505" && idempotencyConstraints[pqErr.Constraint]:
			// A concurrent request with the same key won; the replay finds it.
			return fmt.Errorf("%w: %s", apperr.ErrStoreUnavailable, pqErr.Message)
		case pqErr.Code == "22003":
			return fmt.Errorf("%w: %s", money.ErrInvalidAmount, pqErr.Message)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
	}
	return err
}

// pgTx is the unit-of-work handle backing ledger.Repo, orders.Tx and
// withdrawals.Tx.
type pgTx struct {
	tx *sql.Tx
}

// --- ledger.Repo ---

const walletColumns = `user_id, balance, pending_balance, total_earned, total_withdrawn,
		       currency, last_credited_at, created_at, updated_at`

func (t *pgTx) UpsertWalletForUpdate(ctx context.Context, userID, currency string, now time.Time) (*ledger.Wallet, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`, userID, currency, now)
	if err != nil {
		return nil, fmt.Errorf("upsert wallet: %w", err)
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	return w, err
}

func (t *pgTx) SaveWallet(ctx context.Context, w *ledger.Wallet) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance = $1::NUMERIC(20,2), pending_balance = $2::NUMERIC(20,2),
			total_earned = $3::NUMERIC(20,2), total_withdrawn = $4::NUMERIC(20,2),
			last_credited_at = $5, updated_at = $6
		WHERE user_id = $7`,
		w.Balance, w.PendingBalance, w.TotalEarned, w.TotalWithdrawn,
		nullTime(w.LastCreditedAt), w.UpdatedAt, w.UserID,
	)
	if err != nil {
		return err
	}
	return expectRow(result, ledger.ErrWalletNotFound)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *ledger.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, user_id, counterparty_id, type, status, amount, currency,
			reason, order_id, session_id, withdrawal_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,2), $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID, txn.UserID, nullString(txn.CounterpartyID), string(txn.Type), string(txn.Status),
		txn.Amount, txn.Currency, nullString(txn.Reason), nullString(txn.OrderID),
		nullString(txn.SessionID), nullString(txn.WithdrawalID), txn.CreatedAt, txn.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetTransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrTransactionNotFound
	}
	return txn, err
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, id string, to ledger.TxStatus, at time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET status = $1, updated_at = $2
		WHERE id = $3 AND status = 'ESCROW'`,
		string(to), at, id,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ledger.ErrTransactionNotFound
	}
	return ledger.ErrHoldClosed
}

// --- ledger.Reader ---

const transactionColumns = `id, user_id, counterparty_id, type, status, amount, currency,
		       reason, order_id, session_id, withdrawal_id, created_at, updated_at`

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	return w, mapError(err)
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrTransactionNotFound
	}
	return txn, mapError(err)
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*ledger.Transaction, error) {
	after, afterID := cursorArgs(cursor)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE (user_id = $1 OR (type = 'escrow' AND counterparty_id = $1))
		  AND ($2::TIMESTAMPTZ IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, after, afterID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumOpenHolds(ctx context.Context, holderID string) (money.Amount, error) {
	var sum money.Amount
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE type = 'escrow' AND status = 'ESCROW' AND counterparty_id = $1`, holderID).Scan(&sum)
	return sum, mapError(err)
}

func (p *PostgresStore) SumSettled(ctx context.Context, userID string) (money.Amount, money.Amount, error) {
	var credits, debits money.Amount
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount) FILTER (WHERE type IN ('credit', 'release')), 0),
		       COALESCE(SUM(amount) FILTER (WHERE type = 'debit'), 0)
		FROM transactions
		WHERE user_id = $1 AND status = 'COMPLETED'`, userID).Scan(&credits, &debits)
	return credits, debits, mapError(err)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*ledger.Wallet, error) {
	w := &ledger.Wallet{}
	var lastCredited sql.NullTime
	err := s.Scan(
		&w.UserID, &w.Balance, &w.PendingBalance, &w.TotalEarned, &w.TotalWithdrawn,
		&w.Currency, &lastCredited, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.LastCreditedAt = timePtr(lastCredited)
	return w, nil
}

func scanTransaction(s scanner) (*ledger.Transaction, error) {
	t := &ledger.Transaction{}
	var (
		counterparty, reason, orderID, sessionID, withdrawalID sql.NullString
		txType, status                                         string
	)
	err := s.Scan(
		&t.ID, &t.UserID, &counterparty, &txType, &status, &t.Amount, &t.Currency,
		&reason, &orderID, &sessionID, &withdrawalID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = ledger.TxType(txType)
	t.Status = ledger.TxStatus(status)
	t.CounterpartyID = counterparty.String
	t.Reason = reason.String
	t.OrderID = orderID.String
	t.SessionID = sessionID.String
	t.WithdrawalID = withdrawalID.String
	return t, nil
}

func cursorArgs(c *pagination.Cursor) (sql.NullTime, string) {
	if c == nil {
		return sql.NullTime{}, ""
	}
	return sql.NullTime{Time: c.CreatedAt, Valid: true}, c.ID
}

func expectRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var (
	_ ledger.Store      = (*PostgresStore)(nil)
	_ orders.Store      = (*PostgresStore)(nil)
	_ withdrawals.Store = (*PostgresStore)(nil)
	_ orders.Tx         = (*pgTx)(nil)
	_ withdrawals.Tx    = (*pgTx)(nil)
)
