// Package orders runs the commissioned-work order lifecycle.
//
// Flow:
//  1. Buyer places an order in a session -> seller's pendingBalance holds the amount
//  2. Seller accepts, then delivers with proof
//  3. Buyer validates -> held amount released into the seller's balance
//  4. Seller rejects / buyer cancels / deadline passes -> hold refunded
//  5. Either party disputes -> admin resolves REFUND_BUYER or PAY_SELLER
//
// Every transition and its ledger movement commit in one unit of work; the
// event for a transition is emitted only after that commit.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/money"
)

var (
	ErrOrderNotFound     = fmt.Errorf("order not found: %w", apperr.ErrNotFound)
	ErrSessionNotFound   = fmt.Errorf("session not found: %w", apperr.ErrNotFound)
	ErrForbidden         = fmt.Errorf("not authorized for this order: %w", apperr.ErrForbidden)
	ErrInvalidTransition = fmt.Errorf("invalid order status for this operation: %w", apperr.ErrInvalidState)
	ErrInvalidType       = fmt.Errorf("unknown order type: %w", apperr.ErrInvalidArgument)
	ErrInvalidResolution = fmt.Errorf("resolution must be REFUND_BUYER or PAY_SELLER: %w", apperr.ErrInvalidArgument)
	ErrReasonRequired    = fmt.Errorf("reason is required: %w", apperr.ErrInvalidArgument)
	ErrProofRequired     = fmt.Errorf("at least one proof reference is required: %w", apperr.ErrInvalidArgument)
	ErrInvalidDeadline   = fmt.Errorf("delivery deadline must be in the future: %w", apperr.ErrInvalidArgument)
	ErrSelfDealing       = fmt.Errorf("buyer and seller must differ: %w", apperr.ErrInvalidArgument)
	ErrSellerMismatch    = fmt.Errorf("seller does not match the session: %w", apperr.ErrInvalidArgument)
	ErrIdempotencyReuse  = fmt.Errorf("idempotency key already used for a different order: %w", apperr.ErrInvalidState)
)

// Type is the kind of deliverable commissioned.
type Type string

const (
	TypeUGC         Type = "ugc"
	TypeShoutout    Type = "shoutout"
	TypeCustomVideo Type = "custom_video"
	TypeTip         Type = "tip"
)

// Valid reports whether t is a known order type.
func (t Type) Valid() bool {
	switch t {
	case TypeUGC, TypeShoutout, TypeCustomVideo, TypeTip:
		return true
	}
	return false
}

// RequiresEscrow reports whether the order's money is held until validation.
func (t Type) RequiresEscrow() bool {
	return t != TypeTip
}

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusDisputed  Status = "DISPUTED"
	StatusRefunded  Status = "REFUNDED"
)

// Resolution is the admin decision on a disputed order.
type Resolution string

const (
	ResolutionRefundBuyer Resolution = "REFUND_BUYER"
	ResolutionPaySeller   Resolution = "PAY_SELLER"
)

// Order is a commissioned deliverable and its money trail.
type Order struct {
	ID                   string       `json:"id"`
	BuyerID              string       `json:"buyerId"`
	SellerID             string       `json:"sellerId"`
	SessionID            string       `json:"sessionId"`
	Type                 Type         `json:"type"`
	Amount               money.Amount `json:"amount"`
	Currency             string       `json:"currency"`
	Description          string       `json:"description,omitempty"`
	DeliveryDeadline     *time.Time   `json:"deliveryDeadline,omitempty"`
	Status               Status       `json:"status"`
	EscrowTransactionID  string       `json:"escrowTransactionId,omitempty"`
	ReleaseTransactionID string       `json:"releaseTransactionId,omitempty"`
	RefundTransactionID  string       `json:"refundTransactionId,omitempty"`
	ProofURLs            []string     `json:"proofUrls,omitempty"`
	RejectionReason      string       `json:"rejectionReason,omitempty"`
	CancellationReason   string       `json:"cancellationReason,omitempty"`
	DisputeReason        string       `json:"disputeReason,omitempty"`
	DisputedBy           string       `json:"disputedBy,omitempty"`
	Resolution           Resolution   `json:"resolution,omitempty"`
	ResolutionNotes      string       `json:"resolutionNotes,omitempty"`
	ResolvedBy           string       `json:"resolvedBy,omitempty"`
	AcceptedAt           *time.Time   `json:"acceptedAt,omitempty"`
	RejectedAt           *time.Time   `json:"rejectedAt,omitempty"`
	DeliveredAt          *time.Time   `json:"deliveredAt,omitempty"`
	ValidatedAt          *time.Time   `json:"validatedAt,omitempty"`
	DisputedAt           *time.Time   `json:"disputedAt,omitempty"`
	ResolvedAt           *time.Time   `json:"resolvedAt,omitempty"`
	CancelledAt          *time.Time   `json:"cancelledAt,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	IdempotencyKey       string       `json:"-"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsParticipant reports whether userID is the order's buyer or seller.
func (o *Order) IsParticipant(userID string) bool {
	return userID != "" && (o.BuyerID == userID || o.SellerID == userID)
}

// canView applies the read rule: buyer, seller or admin.
func (o *Order) canView(actor auth.Actor) bool {
	return actor.IsAdmin() || o.IsParticipant(actor.UserID)
}

// matches reports whether o was placed by an identical create request.
func (o *Order) matches(req CreateRequest) bool {
	if o.SessionID != req.SessionID || o.Type != req.Type || !o.Amount.Equal(req.Amount) {
		return false
	}
	if req.SellerID != "" && req.SellerID != o.SellerID {
		return false
	}
	if o.Description != strings.TrimSpace(req.Description) {
		return false
	}
	switch {
	case o.DeliveryDeadline == nil || req.DeliveryDeadline == nil:
		return o.DeliveryDeadline == nil && req.DeliveryDeadline == nil
	default:
		// Postgres keeps microseconds.
		return o.DeliveryDeadline.Truncate(time.Microsecond).Equal(req.DeliveryDeadline.Truncate(time.Microsecond))
	}
}

// Snapshot returns a deep copy safe to hand to event sinks.
func (o *Order) Snapshot() Order {
	cp := *o
	if o.ProofURLs != nil {
		cp.ProofURLs = append([]string(nil), o.ProofURLs...)
	}
	return cp
}

// Session is the commercial context an order is placed in.
type Session struct {
	ID        string    `json:"id"`
	BuyerID   string    `json:"buyerId"`
	SellerID  string    `json:"sellerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// OrderDetails is the read model for one order and its ledger entries.
type OrderDetails struct {
	Order   *Order              `json:"order"`
	Escrow  *ledger.Transaction `json:"escrowTransaction,omitempty"`
	Release *ledger.Transaction `json:"releaseTransaction,omitempty"`
	Refund  *ledger.Transaction `json:"refundTransaction,omitempty"`
}

// Tx is the unit-of-work handle: order rows plus the ledger's rows.
type Tx interface {
	ledger.Repo
	InsertOrder(ctx context.Context, o *Order) error
	GetOrderForUpdate(ctx context.Context, id string) (*Order, error)
	// GetOrderByIdempotencyKey returns ErrOrderNotFound when buyerID never
	// used key.
	GetOrderByIdempotencyKey(ctx context.Context, buyerID, key string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	GetSession(ctx context.Context, id string) (*Session, error)
}

// Store persists orders and sessions.
type Store interface {
	// WithinTx runs fn in one atomic unit of work; fn's error rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersBySession(ctx context.Context, sessionID string) ([]*Order, error)
	// ListExpirable returns PENDING/ACCEPTED orders whose deadline is before the given time.
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]*Order, error)
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
}

// EventKind names an order event.
type EventKind string

const (
	EventCreated         EventKind = "created"
	EventAccepted        EventKind = "accepted"
	EventRejected        EventKind = "rejected"
	EventCancelled       EventKind = "cancelled"
	EventDelivered       EventKind = "delivered"
	EventCompleted       EventKind = "completed"
	EventDisputed        EventKind = "disputed"
	EventDisputeResolved EventKind = "dispute_resolved"
)

// EventSink receives a post-commit projection of each transition. It must
// not block for long and never reports failure back to the caller.
type EventSink interface {
	Notify(ctx context.Context, kind EventKind, order Order)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Notify(context.Context, EventKind, Order) {}

// Lease grants one replica the right to run a periodic job.
type Lease interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	SessionID        string       `json:"sessionId" binding:"required"`
	SellerID         string       `json:"sellerId"`
	Type             Type         `json:"type" binding:"required"`
	Amount           money.Amount `json:"amount"`
	Description      string       `json:"description"`
	DeliveryDeadline *time.Time   `json:"deliveryDeadline"`
	// IdempotencyKey makes the create safe to replay: a repeat with the
	// same key and payload returns the first order.
	IdempotencyKey   string       `json:"idempotencyKey"`
}

// ReasonRequest carries a free-text reason for reject/cancel/dispute.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// DeliverRequest carries proof-of-delivery references.
type DeliverRequest struct {
	ProofURLs []string `json:"proofUrls"`
}

// ResolveRequest carries an admin dispute decision.
type ResolveRequest struct {
	Resolution Resolution `json:"resolution" binding:"required"`
	Notes      string     `json:"notes"`
}
