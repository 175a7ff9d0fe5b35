package store

import (
	"context"

	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/orders"
	"github.com/mbd888/commissions/internal/withdrawals"
)

// Store is the combined contract both backends satisfy.
type Store interface {
	ledger.Store
	orders.Store
	withdrawals.Store
	Ping(ctx context.Context) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
