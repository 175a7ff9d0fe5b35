// Package store implements the Ledger Store: atomic units of work spanning
// orders, wallets, transactions and withdrawals, in memory or in PostgreSQL.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/orders"
	"github.com/mbd888/commissions/internal/pagination"
	"github.com/mbd888/commissions/internal/withdrawals"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
// Units of work run one at a time under the writer lock and stage their
// writes in an overlay that is merged on success.
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]*ledger.Wallet
	txns        map[string]*ledger.Transaction
	orders      map[string]*orders.Order
	sessions    map[string]*orders.Session
	withdrawals map[string]*withdrawals.Withdrawal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     make(map[string]*ledger.Wallet),
		txns:        make(map[string]*ledger.Transaction),
		orders:      make(map[string]*orders.Order),
		sessions:    make(map[string]*orders.Session),
		withdrawals: make(map[string]*withdrawals.Withdrawal),
	}
}

// Ping implements health.Pinger.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// WithinLedgerTx implements ledger.Store.
func (m *MemoryStore) WithinLedgerTx(ctx context.Context, fn func(ctx context.Context, repo ledger.Repo) error) error {
	return m.within(ctx, func(ctx context.Context, tx *memTx) error { return fn(ctx, tx) })
}

// WithinTx implements orders.Store.
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	return m.within(ctx, func(ctx context.Context, tx *memTx) error { return fn(ctx, tx) })
}

// WithinWithdrawalTx implements withdrawals.Store.
func (m *MemoryStore) WithinWithdrawalTx(ctx context.Context, fn func(ctx context.Context, tx withdrawals.Tx) error) error {
	return m.within(ctx, func(ctx context.Context, tx *memTx) error { return fn(ctx, tx) })
}

func (m *MemoryStore) within(ctx context.Context, fn func(ctx context.Context, tx *memTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMemTx(m)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// --- ledger.Reader ---

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (*ledger.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[userID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ledger.Transaction
	for _, t := range m.txns {
		if !ledger.OnStatement(t, userID) || !cursor.Before(t.CreatedAt, t.ID) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sortNewestFirst(result, func(t *ledger.Transaction) (time.Time, string) { return t.CreatedAt, t.ID })
	return truncate(result, limit), nil
}

func (m *MemoryStore) SumOpenHolds(_ context.Context, holderID string) (money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := money.Zero
	for _, t := range m.txns {
		if t.Type == ledger.TxEscrow && t.Status == ledger.StatusEscrow && t.HolderID() == holderID {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

func (m *MemoryStore) SumSettled(_ context.Context, userID string) (money.Amount, money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	credits, debits := money.Zero, money.Zero
	for _, t := range m.txns {
		if t.UserID != userID || t.Status != ledger.StatusCompleted {
			continue
		}
		switch t.Type {
		case ledger.TxCredit, ledger.TxRelease:
			credits = credits.Add(t.Amount)
		case ledger.TxDebit:
			debits = debits.Add(t.Amount)
		}
	}
	return credits, debits, nil
}

// --- orders.Store ---

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListOrdersBySession(_ context.Context, sessionID string) ([]*orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*orders.Order
	for _, o := range m.orders {
		if o.SessionID == sessionID {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, before time.Time, limit int) ([]*orders.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*orders.Order
	for _, o := range m.orders {
		if o.Status != orders.StatusPending && o.Status != orders.StatusAccepted {
			continue
		}
		if o.DeliveryDeadline == nil || !o.DeliveryDeadline.Before(before) {
			continue
		}
		result = append(result, copyOrder(o))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeliveryDeadline.Before(*result[j].DeliveryDeadline)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) CreateSession(_ context.Context, sess *orders.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*orders.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, orders.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// --- withdrawals.Store ---

func (m *MemoryStore) GetWithdrawal(_ context.Context, id string) (*withdrawals.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, withdrawals.ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWithdrawals(_ context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*withdrawals.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*withdrawals.Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID != userID || !cursor.Before(w.CreatedAt, w.ID) {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sortNewestFirst(result, func(w *withdrawals.Withdrawal) (time.Time, string) { return w.CreatedAt, w.ID })
	return truncate(result, limit), nil
}

// memTx stages writes on top of the committed maps. The store's writer lock
// is held for its whole life, so reads through it are repeatable.
type memTx struct {
	m           *MemoryStore
	wallets     map[string]*ledger.Wallet
	txns        map[string]*ledger.Transaction
	orders      map[string]*orders.Order
	withdrawals map[string]*withdrawals.Withdrawal
}

func newMemTx(m *MemoryStore) *memTx {
	return &memTx{
		m:           m,
		wallets:     make(map[string]*ledger.Wallet),
		txns:        make(map[string]*ledger.Transaction),
		orders:      make(map[string]*orders.Order),
		withdrawals: make(map[string]*withdrawals.Withdrawal),
	}
}

func (tx *memTx) commit() {
	for k, v := range tx.wallets {
		tx.m.wallets[k] = v
	}
	for k, v := range tx.txns {
		tx.m.txns[k] = v
	}
	for k, v := range tx.orders {
		tx.m.orders[k] = v
	}
	for k, v := range tx.withdrawals {
		tx.m.withdrawals[k] = v
	}
}

func (tx *memTx) UpsertWalletForUpdate(_ context.Context, userID, currency string, now time.Time) (*ledger.Wallet, error) {
	if w, ok := tx.wallets[userID]; ok {
		return copyWallet(w), nil
	}
	if w, ok := tx.m.wallets[userID]; ok {
		return copyWallet(w), nil
	}
	w := ledger.NewWallet(userID, currency, now)
	tx.wallets[userID] = w
	return copyWallet(w), nil
}

func (tx *memTx) SaveWallet(_ context.Context, w *ledger.Wallet) error {
	_, staged := tx.wallets[w.UserID]
	if _, ok := tx.m.wallets[w.UserID]; !ok && !staged {
		return ledger.ErrWalletNotFound
	}
	tx.wallets[w.UserID] = copyWallet(w)
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *ledger.Transaction) error {
	cp := *t
	tx.txns[t.ID] = &cp
	return nil
}

func (tx *memTx) getTransaction(id string) (*ledger.Transaction, bool) {
	if t, ok := tx.txns[id]; ok {
		return t, true
	}
	t, ok := tx.m.txns[id]
	return t, ok
}

func (tx *memTx) GetTransactionForUpdate(_ context.Context, id string) (*ledger.Transaction, error) {
	t, ok := tx.getTransaction(id)
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (tx *memTx) SetTransactionStatus(_ context.Context, id string, to ledger.TxStatus, at time.Time) error {
	t, ok := tx.getTransaction(id)
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if t.Status != ledger.StatusEscrow {
		return ledger.ErrHoldClosed
	}
	cp := *t
	cp.Status = to
	cp.UpdatedAt = at
	tx.txns[id] = &cp
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *orders.Order) error {
	tx.orders[o.ID] = copyOrder(o)
	return nil
}

func (tx *memTx) GetOrderForUpdate(_ context.Context, id string) (*orders.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return copyOrder(o), nil
	}
	if o, ok := tx.m.orders[id]; ok {
		return copyOrder(o), nil
	}
	return nil, orders.ErrOrderNotFound
}

func (tx *memTx) GetOrderByIdempotencyKey(_ context.Context, buyerID, key string) (*orders.Order, error) {
	for _, set := range []map[string]*orders.Order{tx.orders, tx.m.orders} {
		for _, o := range set {
			if o.BuyerID == buyerID && o.IdempotencyKey == key {
				return copyOrder(o), nil
			}
		}
	}
	return nil, orders.ErrOrderNotFound
}

func (tx *memTx) UpdateOrder(_ context.Context, o *orders.Order) error {
	_, staged := tx.orders[o.ID]
	if _, ok := tx.m.orders[o.ID]; !ok && !staged {
		return orders.ErrOrderNotFound
	}
	tx.orders[o.ID] = copyOrder(o)
	return nil
}

func (tx *memTx) GetSession(_ context.Context, id string) (*orders.Session, error) {
	sess, ok := tx.m.sessions[id]
	if !ok {
		return nil, orders.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (tx *memTx) InsertWithdrawal(_ context.Context, w *withdrawals.Withdrawal) error {
	cp := *w
	tx.withdrawals[w.ID] = &cp
	return nil
}

func (tx *memTx) GetWithdrawalForUpdate(_ context.Context, id string) (*withdrawals.Withdrawal, error) {
	if w, ok := tx.withdrawals[id]; ok {
		cp := *w
		return &cp, nil
	}
	if w, ok := tx.m.withdrawals[id]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, withdrawals.ErrWithdrawalNotFound
}

func (tx *memTx) GetWithdrawalByIdempotencyKey(_ context.Context, userID, key string) (*withdrawals.Withdrawal, error) {
	for _, set := range []map[string]*withdrawals.Withdrawal{tx.withdrawals, tx.m.withdrawals} {
		for _, w := range set {
			if w.UserID == userID && w.IdempotencyKey == key {
				cp := *w
				return &cp, nil
			}
		}
	}
	return nil, withdrawals.ErrWithdrawalNotFound
}

func (tx *memTx) UpdateWithdrawal(_ context.Context, w *withdrawals.Withdrawal) error {
	_, staged := tx.withdrawals[w.ID]
	if _, ok := tx.m.withdrawals[w.ID]; !ok && !staged {
		return withdrawals.ErrWithdrawalNotFound
	}
	cp := *w
	tx.withdrawals[w.ID] = &cp
	return nil
}

func copyWallet(w *ledger.Wallet) *ledger.Wallet {
	cp := *w
	if w.LastCreditedAt != nil {
		t := *w.LastCreditedAt
		cp.LastCreditedAt = &t
	}
	return &cp
}

func copyOrder(o *orders.Order) *orders.Order {
	cp := o.Snapshot()
	return &cp
}

func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti.Equal(tj) {
			return idi > idj
		}
		return ti.After(tj)
	})
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

var (
	_ ledger.Store      = (*MemoryStore)(nil)
	_ orders.Store      = (*MemoryStore)(nil)
	_ withdrawals.Store = (*MemoryStore)(nil)
	_ orders.Tx         = (*memTx)(nil)
	_ withdrawals.Tx    = (*memTx)(nil)
)
