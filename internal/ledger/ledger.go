// Package ledger tracks user wallets and the append-only transaction log.
//
// Money flow for a commissioned order:
//  1. Buyer places an order -> Hold: seller pendingBalance += amount, ESCROW txn
//  2. Buyer validates       -> Release: pending -> balance, escrow txn COMPLETED
//  3. Order rejected/expired -> RefundHold: pending -= amount, escrow txn REFUNDED
//  4. Seller withdraws      -> Debit: balance -= amount, totalWithdrawn += amount
//
// Every primitive runs against a Repo, the caller's transaction handle, so an
// order transition and its money movement commit or roll back together.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/idgen"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/pagination"
)

var (
	ErrWalletNotFound      = fmt.Errorf("wallet not found: %w", apperr.ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction not found: %w", apperr.ErrNotFound)
	ErrInsufficientFunds   = fmt.Errorf("insufficient balance: %w", apperr.ErrInsufficientFunds)
	ErrHoldClosed          = fmt.Errorf("escrow hold already closed: %w", apperr.ErrInvalidState)
	ErrPendingUnderflow    = fmt.Errorf("pending balance would go negative: %w", apperr.ErrInvalidState)
	ErrNotEscrow           = fmt.Errorf("transaction is not an escrow hold: %w", apperr.ErrInvalidArgument)
	ErrInvalidAmount       = money.ErrInvalidAmount
	ErrForbidden           = fmt.Errorf("not authorized for this wallet: %w", apperr.ErrForbidden)
)

// TxType classifies a transaction.
type TxType string

const (
	TxEscrow  TxType = "escrow"
	TxRelease TxType = "release"
	TxRefund  TxType = "refund"
	TxCredit  TxType = "credit"
	TxDebit   TxType = "debit"
)

// TxStatus is the lifecycle status of a transaction.
type TxStatus string

const (
	StatusEscrow    TxStatus = "ESCROW"
	StatusPending   TxStatus = "PENDING"
	StatusCompleted TxStatus = "COMPLETED"
	StatusFailed    TxStatus = "FAILED"
	StatusRefunded  TxStatus = "REFUNDED"
)

// Wallet is a user's balance sheet.
type Wallet struct {
	UserID         string       `json:"userId"`
	Balance        money.Amount `json:"balance"`        // withdrawable
	PendingBalance money.Amount `json:"pendingBalance"` // held, not yet earned
	TotalEarned    money.Amount `json:"totalEarned"`
	TotalWithdrawn money.Amount `json:"totalWithdrawn"`
	Currency       string       `json:"currency"`
	LastCreditedAt *time.Time   `json:"lastCreditedAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// NewWallet returns a zero-balance wallet.
func NewWallet(userID, currency string, now time.Time) *Wallet {
	return &Wallet{
		UserID:    userID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transaction is an immutable audit entry. Only its status may change, and
// only from ESCROW to COMPLETED or REFUNDED.
type Transaction struct {
	ID             string       `json:"id"`
	UserID         string       `json:"userId"`                   // whose statement the entry belongs to
	CounterpartyID string       `json:"counterpartyId,omitempty"` // for escrow: the wallet holding the funds
	Type           TxType       `json:"type"`
	Status         TxStatus     `json:"status"`
	Amount         money.Amount `json:"amount"`
	Currency       string       `json:"currency"`
	Reason         string       `json:"reason,omitempty"`
	OrderID        string       `json:"orderId,omitempty"`
	SessionID      string       `json:"sessionId,omitempty"`
	WithdrawalID   string       `json:"withdrawalId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// HolderID returns the user whose pendingBalance an escrow transaction reserves.
func (t *Transaction) HolderID() string {
	return t.CounterpartyID
}

// OnStatement reports whether t appears on userID's statement: every row the
// user owns, plus the escrow holds reserving the user's pendingBalance.
func OnStatement(t *Transaction, userID string) bool {
	return t.UserID == userID || (t.Type == TxEscrow && t.CounterpartyID == userID)
}

// Repo is the transaction-scoped persistence boundary. Implementations must
// hold row locks on every wallet and transaction they return until the
// surrounding unit of work ends.
type Repo interface {
	// UpsertWalletForUpdate returns the user's wallet, creating a zero wallet
	// stamped now first if none exists (upsert, never check-then-create).
	UpsertWalletForUpdate(ctx context.Context, userID, currency string, now time.Time) (*Wallet, error)
	SaveWallet(ctx context.Context, w *Wallet) error
	InsertTransaction(ctx context.Context, t *Transaction) error
	GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error)
	// SetTransactionStatus moves an ESCROW transaction to a terminal status.
	// It returns ErrHoldClosed when the row is no longer ESCROW.
	SetTransactionStatus(ctx context.Context, id string, to TxStatus, at time.Time) error
}

// Reader serves the read-only ledger queries.
type Reader interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListTransactions pages the rows OnStatement selects for userID.
	ListTransactions(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	// SumOpenHolds totals the ESCROW transactions reserving holderID's pendingBalance.
	SumOpenHolds(ctx context.Context, holderID string) (money.Amount, error)
	// SumSettled totals the COMPLETED credit+release and debit entries on userID's statement.
	SumSettled(ctx context.Context, userID string) (credits, debits money.Amount, err error)
}

// Store is the Ledger Store capability: reads plus atomic units of work.
type Store interface {
	Reader
	WithinLedgerTx(ctx context.Context, fn func(ctx context.Context, repo Repo) error) error
}

// Ledger implements the wallet primitives and reads.
type Ledger struct {
	store    Store
	currency string
	now      func() time.Time
}

// New creates a new ledger. currency is attached to lazily created wallets.
func New(store Store, currency string) *Ledger {
	return &Ledger{store: store, currency: currency, now: time.Now}
}

// Currency returns the ledger's default currency.
func (l *Ledger) Currency() string { return l.currency }

// WithClock overrides the time source (tests).
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// HoldRequest describes an escrow hold for an order.
type HoldRequest struct {
	PayerID   string
	HolderID  string
	Amount    money.Amount
	OrderID   string
	SessionID string
	Reason    string
}

// CreditRequest describes a direct credit to a user's spendable balance.
type CreditRequest struct {
	UserID         string
	CounterpartyID string
	Amount         money.Amount
	OrderID        string
	SessionID      string
	WithdrawalID   string
	Reason         string
}

// DebitRequest describes a withdrawal debit.
type DebitRequest struct {
	UserID       string
	Amount       money.Amount
	WithdrawalID string
	Reason       string
}

// EnsureWallet returns the user's wallet, creating an empty one if needed.
func (l *Ledger) EnsureWallet(ctx context.Context, repo Repo, userID string) (*Wallet, error) {
	defer observeOp("ensure_wallet")()
	return repo.UpsertWalletForUpdate(ctx, userID, l.currency, l.now())
}

// Hold reserves amount on the holder's pendingBalance and records the ESCROW
// transaction on the payer's statement.
func (l *Ledger) Hold(ctx context.Context, repo Repo, req HoldRequest) (*Transaction, error) {
	defer observeOp("hold")()
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w, err := repo.UpsertWalletForUpdate(ctx, req.HolderID, l.currency, l.now())
	if err != nil {
		return nil, err
	}
	now := l.now()
	w.PendingBalance = w.PendingBalance.Add(req.Amount)
	w.UpdatedAt = now
	if err := repo.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("hold: save wallet: %w", err)
	}

	txn := &Transaction{
		ID:             idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:         req.PayerID,
		CounterpartyID: req.HolderID,
		Type:           TxEscrow,
		Status:         StatusEscrow,
		Amount:         req.Amount,
		Currency:       w.Currency,
		Reason:         req.Reason,
		OrderID:        req.OrderID,
		SessionID:      req.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("hold: record escrow: %w", err)
	}
	return txn, nil
}

// Release converts an open hold into spendable balance for the holder:
// balance += amount, pendingBalance -= amount, totalEarned += amount.
// The escrow transaction moves to COMPLETED and a release transaction is
// written. A hold that is no longer ESCROW yields ErrHoldClosed.
func (l *Ledger) Release(ctx context.Context, repo Repo, escrowTxnID, reason string) (*Transaction, error) {
	defer observeOp("release")()

	escrow, w, err := l.openHold(ctx, repo, escrowTxnID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	w.Balance = w.Balance.Add(escrow.Amount)
	w.PendingBalance = w.PendingBalance.Sub(escrow.Amount)
	w.TotalEarned = w.TotalEarned.Add(escrow.Amount)
	w.LastCreditedAt = &now
	w.UpdatedAt = now
	if err := repo.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("release: save wallet: %w", err)
	}
	if err := repo.SetTransactionStatus(ctx, escrow.ID, StatusCompleted, now); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:             idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:         escrow.HolderID(),
		CounterpartyID: escrow.UserID,
		Type:           TxRelease,
		Status:         StatusCompleted,
		Amount:         escrow.Amount,
		Currency:       escrow.Currency,
		Reason:         reason,
		OrderID:        escrow.OrderID,
		SessionID:      escrow.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("release: record release: %w", err)
	}
	return txn, nil
}

// RefundHold cancels an open hold without crediting the holder: the
// holder's pendingBalance drops, the escrow transaction moves to REFUNDED and
// a REFUNDED refund entry is written to the payer's statement. Returning the
// money through the payment provider is outside the ledger.
//
// The refund entry is REFUNDED rather than COMPLETED although it is
// terminal: SumSettled counts only COMPLETED rows, and no refund entry moves
// a wallet balance. RecordRefund follows the same rule.
func (l *Ledger) RefundHold(ctx context.Context, repo Repo, escrowTxnID, reason string) (*Transaction, error) {
	defer observeOp("refund_hold")()

	escrow, w, err := l.openHold(ctx, repo, escrowTxnID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	w.PendingBalance = w.PendingBalance.Sub(escrow.Amount)
	w.UpdatedAt = now
	if err := repo.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("refund: save wallet: %w", err)
	}
	if err := repo.SetTransactionStatus(ctx, escrow.ID, StatusRefunded, now); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:             idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:         escrow.UserID,
		CounterpartyID: escrow.HolderID(),
		Type:           TxRefund,
		Status:         StatusRefunded,
		Amount:         escrow.Amount,
		Currency:       escrow.Currency,
		Reason:         reason,
		OrderID:        escrow.OrderID,
		SessionID:      escrow.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("refund: record refund: %w", err)
	}
	return txn, nil
}

// openHold locks an escrow transaction and its holder's wallet and checks
// the hold can still be closed.
func (l *Ledger) openHold(ctx context.Context, repo Repo, escrowTxnID string) (*Transaction, *Wallet, error) {
	escrow, err := repo.GetTransactionForUpdate(ctx, escrowTxnID)
	if err != nil {
		return nil, nil, err
	}
	if escrow.Type != TxEscrow {
		return nil, nil, ErrNotEscrow
	}
	if escrow.Status != StatusEscrow {
		return nil, nil, ErrHoldClosed
	}

	w, err := repo.UpsertWalletForUpdate(ctx, escrow.HolderID(), escrow.Currency, l.now())
	if err != nil {
		return nil, nil, err
	}
	if w.PendingBalance.LessThan(escrow.Amount) {
		return nil, nil, ErrPendingUnderflow
	}
	return escrow, w, nil
}

// RecordRefund writes a refund entry for an escrow that was already
// released. No wallet moves: reclaiming released funds from the seller
// happens outside the ledger.
func (l *Ledger) RecordRefund(ctx context.Context, repo Repo, escrowTxnID, reason string) (*Transaction, error) {
	defer observeOp("record_refund")()

	escrow, err := repo.GetTransactionForUpdate(ctx, escrowTxnID)
	if err != nil {
		return nil, err
	}
	if escrow.Type != TxEscrow {
		return nil, ErrNotEscrow
	}
	if escrow.Status == StatusEscrow {
		return nil, fmt.Errorf("escrow hold still open: %w", apperr.ErrInvalidState)
	}

	now := l.now()
	txn := &Transaction{
		ID:             idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:         escrow.UserID,
		CounterpartyID: escrow.HolderID(),
		Type:           TxRefund,
		Status:         StatusRefunded,
		Amount:         escrow.Amount,
		Currency:       escrow.Currency,
		Reason:         reason,
		OrderID:        escrow.OrderID,
		SessionID:      escrow.SessionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("refund: record refund: %w", err)
	}
	return txn, nil
}

// CreditDirect adds amount to the user's spendable balance and lifetime
// earnings, recording a COMPLETED credit transaction.
func (l *Ledger) CreditDirect(ctx context.Context, repo Repo, req CreditRequest) (*Transaction, error) {
	defer observeOp("credit")()
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w, err := repo.UpsertWalletForUpdate(ctx, req.UserID, l.currency, l.now())
	if err != nil {
		return nil, err
	}
	now := l.now()
	w.Balance = w.Balance.Add(req.Amount)
	w.TotalEarned = w.TotalEarned.Add(req.Amount)
	w.LastCreditedAt = &now
	w.UpdatedAt = now
	if err := repo.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("credit: save wallet: %w", err)
	}

	txn := &Transaction{
		ID:             idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:         req.UserID,
		CounterpartyID: req.CounterpartyID,
		Type:           TxCredit,
		Status:         StatusCompleted,
		Amount:         req.Amount,
		Currency:       w.Currency,
		Reason:         req.Reason,
		OrderID:        req.OrderID,
		SessionID:      req.SessionID,
		WithdrawalID:   req.WithdrawalID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("credit: record credit: %w", err)
	}
	return txn, nil
}

// Debit removes amount from the user's spendable balance for a withdrawal.
func (l *Ledger) Debit(ctx context.Context, repo Repo, req DebitRequest) (*Transaction, error) {
	defer observeOp("debit")()
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w, err := repo.UpsertWalletForUpdate(ctx, req.UserID, l.currency, l.now())
	if err != nil {
		return nil, err
	}
	if w.Balance.LessThan(req.Amount) {
		return nil, ErrInsufficientFunds
	}
	now := l.now()
	w.Balance = w.Balance.Sub(req.Amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Add(req.Amount)
	w.UpdatedAt = now
	if err := repo.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("debit: save wallet: %w", err)
	}

	txn := &Transaction{
		ID:           idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:       req.UserID,
		Type:         TxDebit,
		Status:       StatusCompleted,
		Amount:       req.Amount,
		Currency:     w.Currency,
		Reason:       req.Reason,
		WithdrawalID: req.WithdrawalID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("debit: record debit: %w", err)
	}
	return txn, nil
}

// Recredit reverses a withdrawal debit that never paid out: balance +=
// amount and totalWithdrawn -= amount, recorded as a new credit transaction
// rather than an edit of the original debit.
func (l *Ledger) Recredit(ctx context.Context, repo Repo, req CreditRequest) (*Transaction, error) {
	defer observeOp("recredit")()
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	w, err := repo.UpsertWalletForUpdate(ctx, req.UserID, l.currency, l.now())
	if err != nil {
		return nil, err
	}
	if w.TotalWithdrawn.LessThan(req.Amount) {
		return nil, fmt.Errorf("recredit exceeds total withdrawn: %w", apperr.ErrInvalidState)
	}
	now := l.now()
	w.Balance = w.Balance.Add(req.Amount)
	w.TotalWithdrawn = w.TotalWithdrawn.Sub(req.Amount)
	w.UpdatedAt = now
	if err := repo.SaveWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("recredit: save wallet: %w", err)
	}

	txn := &Transaction{
		ID:           idgen.WithPrefix(idgen.PrefixTransaction),
		UserID:       req.UserID,
		Type:         TxCredit,
		Status:       StatusCompleted,
		Amount:       req.Amount,
		Currency:     w.Currency,
		Reason:       req.Reason,
		WithdrawalID: req.WithdrawalID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.InsertTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("recredit: record credit: %w", err)
	}
	return txn, nil
}

// GetWallet returns the user's wallet, creating it on first access.
func (l *Ledger) GetWallet(ctx context.Context, actor auth.Actor, userID string) (*Wallet, error) {
	if !actor.CanAccess(userID) {
		return nil, ErrForbidden
	}
	w, err := l.store.GetWallet(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	err = l.store.WithinLedgerTx(ctx, func(ctx context.Context, repo Repo) error {
		w, err = l.EnsureWallet(ctx, repo, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetTransaction returns a single transaction visible to the actor.
func (l *Ledger) GetTransaction(ctx context.Context, actor auth.Actor, id string) (*Transaction, error) {
	t, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(t.UserID) && !actor.Is(t.CounterpartyID) {
		return nil, ErrForbidden
	}
	return t, nil
}

// ListTransactions returns a page of the user's statement, newest first.
// Holders see the escrow rows behind their pendingBalance (see OnStatement).
func (l *Ledger) ListTransactions(ctx context.Context, actor auth.Actor, userID, cursor string, limit int) ([]*Transaction, string, error) {
	if !actor.CanAccess(userID) {
		return nil, "", ErrForbidden
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	limit = pagination.ClampLimit(limit)

	items, err := l.store.ListTransactions(ctx, userID, cur, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

func isNotFound(err error) bool {
	return apperr.Kind(err) == apperr.ErrNotFound
}

// Reconciliation is the result of checking a wallet against its history.
type Reconciliation struct {
	UserID         string       `json:"userId"`
	Balance        money.Amount `json:"balance"`
	Expected       money.Amount `json:"expectedBalance"` // totalEarned - totalWithdrawn
	LedgerNet      money.Amount `json:"ledgerNet"`       // settled credits - debits
	PendingBalance money.Amount `json:"pendingBalance"`
	OpenHolds      money.Amount `json:"openHolds"`
	Balanced       bool         `json:"balanced"`
	Problems       []string     `json:"problems,omitempty"`
}

// Reconcile verifies a wallet against its transaction history:
// balance == totalEarned - totalWithdrawn == settled credits - debits, and
// pendingBalance == sum of open ESCROW holds.
func (l *Ledger) Reconcile(ctx context.Context, actor auth.Actor, userID string) (*Reconciliation, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	defer observeOp("reconcile")()

	w, err := l.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	holds, err := l.store.SumOpenHolds(ctx, userID)
	if err != nil {
		return nil, err
	}
	credits, debits, err := l.store.SumSettled(ctx, userID)
	if err != nil {
		return nil, err
	}

	r := &Reconciliation{
		UserID:         userID,
		Balance:        w.Balance,
		Expected:       w.TotalEarned.Sub(w.TotalWithdrawn),
		LedgerNet:      credits.Sub(debits),
		PendingBalance: w.PendingBalance,
		OpenHolds:      holds,
	}
	if !r.Balance.Equal(r.Expected) {
		r.Problems = append(r.Problems, fmt.Sprintf("balance %s != totalEarned - totalWithdrawn %s", r.Balance, r.Expected))
	}
	if !r.Expected.Equal(r.LedgerNet) {
		r.Problems = append(r.Problems, fmt.Sprintf("wallet totals %s != settled history %s", r.Expected, r.LedgerNet))
	}
	if !r.PendingBalance.Equal(r.OpenHolds) {
		r.Problems = append(r.Problems, fmt.Sprintf("pendingBalance %s != open holds %s", r.PendingBalance, r.OpenHolds))
	}
	r.Balanced = len(r.Problems) == 0
	if !r.Balanced {
		reconcileMismatches.Inc()
	}
	return r, nil
}
