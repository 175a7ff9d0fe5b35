// Package withdrawals turns wallet balance into payouts.
//
// A request debits the wallet immediately and parks the withdrawal PENDING.
// The owner may cancel while PENDING (re-credit). An admin processes it:
// PENDING -> PROCESSING, the payout executor runs outside any unit of work,
// then COMPLETED, or FAILED with a re-credit.
package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/pagination"
)

var (
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal not found: %w", apperr.ErrNotFound)
	ErrForbidden          = fmt.Errorf("not authorized for this withdrawal: %w", apperr.ErrForbidden)
	ErrInvalidStatus      = fmt.Errorf("invalid withdrawal status for this operation: %w", apperr.ErrInvalidState)
	ErrInvalidMethod      = fmt.Errorf("unsupported withdrawal method: %w", apperr.ErrInvalidArgument)
	ErrDestinationMissing = fmt.Errorf("destination is required: %w", apperr.ErrInvalidArgument)
	ErrNoExecutor         = fmt.Errorf("no payout executor configured: %w", apperr.ErrInvalidState)
	ErrIdempotencyReuse   = fmt.Errorf("idempotency key already used for a different withdrawal: %w", apperr.ErrInvalidState)

	// ErrPayoutUnconfirmed is returned by an executor when the provider may
	// have moved the money but never said so (timeout, 5xx). The withdrawal
	// stays PROCESSING until an admin completes or fails it.
	ErrPayoutUnconfirmed = errors.New("payout outcome unconfirmed")
)

// Status is the withdrawal lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Method is how the money leaves the platform.
type Method string

const (
	MethodStripe Method = "stripe"        // Stripe Connect transfer; destination is the connected account id
	MethodBank   Method = "bank_transfer" // paid by operations; destination is an account reference
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	return m == MethodStripe || m == MethodBank
}

// Withdrawal is a payout request and its ledger links.
type Withdrawal struct {
	ID                    string       `json:"id"`
	UserID                string       `json:"userId"`
	Amount                money.Amount `json:"amount"`
	Currency              string       `json:"currency"`
	Method                Method       `json:"method"`
	Destination           string       `json:"destination"`
	Status                Status       `json:"status"`
	DebitTransactionID    string       `json:"debitTransactionId"`
	RecreditTransactionID string       `json:"recreditTransactionId,omitempty"`
	ProviderReference     string       `json:"providerReference,omitempty"`
	CancelReason          string       `json:"cancelReason,omitempty"`
	FailureReason         string       `json:"failureReason,omitempty"`
	ProcessedBy           string       `json:"processedBy,omitempty"`
	ProcessingAt          *time.Time   `json:"processingAt,omitempty"`
	CompletedAt           *time.Time   `json:"completedAt,omitempty"`
	FailedAt              *time.Time   `json:"failedAt,omitempty"`
	CancelledAt           *time.Time   `json:"cancelledAt,omitempty"`
	CreatedAt             time.Time    `json:"createdAt"`
	UpdatedAt             time.Time    `json:"updatedAt"`
	IdempotencyKey        string       `json:"-"`
}

// IsTerminal returns true if the withdrawal is in a final state.
func (w *Withdrawal) IsTerminal() bool {
	switch w.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Tx is the unit-of-work handle: withdrawal rows plus the ledger's rows.
type Tx interface {
	ledger.Repo
	InsertWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawalForUpdate(ctx context.Context, id string) (*Withdrawal, error)
	// GetWithdrawalByIdempotencyKey returns ErrWithdrawalNotFound when userID
	// never used key.
	GetWithdrawalByIdempotencyKey(ctx context.Context, userID, key string) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
}

// Store persists withdrawals.
type Store interface {
	WithinWithdrawalTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	// ListWithdrawals returns the user's withdrawals newest first, after cursor.
	ListWithdrawals(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Withdrawal, error)
}

// Notifier receives a copy of a withdrawal after each committed status change.
type Notifier interface {
	WithdrawalChanged(ctx context.Context, w Withdrawal)
}

// PayoutResult is what an executor reports for a payout attempt.
type PayoutResult struct {
	Reference string
	// Settled is false when the payout was handed off and completes later
	// (e.g. a manual bank transfer); the withdrawal then stays PROCESSING.
	Settled bool
}

// PayoutExecutor moves money out of the platform for a withdrawal.
// Implementations must be idempotent per withdrawal id. An error means the
// money did not move, unless it wraps ErrPayoutUnconfirmed.
type PayoutExecutor interface {
	Name() string
	Payout(ctx context.Context, w Withdrawal) (PayoutResult, error)
}

// RequestInput contains the parameters for a withdrawal request.
type RequestInput struct {
	Amount         money.Amount `json:"amount"`
	Method         Method       `json:"method" binding:"required"`
	Destination    string       `json:"destination"`
	// IdempotencyKey makes the request safe to replay: a repeat with the
	// same key and payload returns the first withdrawal.
	IdempotencyKey string       `json:"idempotencyKey"`
}

func (w *Withdrawal) matches(in RequestInput, dest string) bool {
	return w.Amount.Equal(in.Amount) && w.Method == in.Method && w.Destination == dest
}
