package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/idgen"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/logging"
	"github.com/mbd888/commissions/internal/metrics"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/traces"
)

// Service implements the order state machine, the dispute resolver and the
// expiry sweep.
type Service struct {
	store  Store
	ledger *ledger.Ledger
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new order service.
func NewService(store Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: l,
		sink:   NopSink{},
		logger: logger,
		now:    time.Now,
	}
}

// WithSink sets the post-commit event sink.
func (s *Service) WithSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateSession opens a session in which the actor buys from sellerID.
func (s *Service) CreateSession(ctx context.Context, actor auth.Actor, sellerID string) (*Session, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return nil, fmt.Errorf("sellerId is required: %w", apperr.ErrInvalidArgument)
	}
	if actor.UserID == "" {
		return nil, ErrForbidden
	}
	if sellerID == actor.UserID {
		return nil, ErrSelfDealing
	}

	sess := &Session{
		ID:        idgen.WithPrefix(idgen.PrefixSession),
		BuyerID:   actor.UserID,
		SellerID:  sellerID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session visible to its participants and admins.
func (s *Service) GetSession(ctx context.Context, actor auth.Actor, id string) (*Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !actor.Is(sess.BuyerID) && !actor.Is(sess.SellerID) {
		return nil, ErrForbidden
	}
	return sess, nil
}

// CreateOrder places an order in a session. Escrowed types hold the amount
// on the seller's pendingBalance and start PENDING; a tip credits the seller
// directly and is COMPLETED on creation. A request repeating an earlier
// IdempotencyKey returns the earlier order and moves no money.
func (s *Service) CreateOrder(ctx context.Context, actor auth.Actor, req CreateRequest) (_ *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders.Create",
		traces.ActorID(actor.UserID), traces.Amount(req.Amount.String()))
	defer func() { traces.End(span, err) }()

	if !req.Type.Valid() {
		return nil, ErrInvalidType
	}
	if !req.Amount.IsPositive() {
		return nil, money.ErrInvalidAmount
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	now := s.now()

	var (
		order    *Order
		replayed bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		sess, err := tx.GetSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if !actor.Is(sess.BuyerID) {
			return ErrForbidden
		}
		if req.IdempotencyKey != "" {
			prior, err := tx.GetOrderByIdempotencyKey(ctx, sess.BuyerID, req.IdempotencyKey)
			switch {
			case err == nil:
				if !prior.matches(req) {
					return ErrIdempotencyReuse
				}
				order, replayed = prior, true
				return nil
			case !errors.Is(err, ErrOrderNotFound):
				return err
			}
		}
		if req.DeliveryDeadline != nil && !req.DeliveryDeadline.After(now) {
			return ErrInvalidDeadline
		}
		if req.SellerID != "" && req.SellerID != sess.SellerID {
			return ErrSellerMismatch
		}
		if sess.SellerID == sess.BuyerID {
			return ErrSelfDealing
		}

		o := &Order{
			ID:               idgen.WithPrefix(idgen.PrefixOrder),
			BuyerID:          sess.BuyerID,
			SellerID:         sess.SellerID,
			SessionID:        sess.ID,
			Type:             req.Type,
			Amount:           req.Amount,
			Currency:         s.ledger.Currency(),
			Description:      strings.TrimSpace(req.Description),
			DeliveryDeadline: req.DeliveryDeadline,
			Status:           StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
			IdempotencyKey:   req.IdempotencyKey,
		}

		if o.Type.RequiresEscrow() {
			txn, err := s.ledger.Hold(ctx, tx, ledger.HoldRequest{
				PayerID:   o.BuyerID,
				HolderID:  o.SellerID,
				Amount:    o.Amount,
				OrderID:   o.ID,
				SessionID: o.SessionID,
				Reason:    fmt.Sprintf("escrow for %s order", o.Type),
			})
			if err != nil {
				return err
			}
			o.EscrowTransactionID = txn.ID
		} else {
			txn, err := s.ledger.CreditDirect(ctx, tx, ledger.CreditRequest{
				UserID:         o.SellerID,
				CounterpartyID: o.BuyerID,
				Amount:         o.Amount,
				OrderID:        o.ID,
				SessionID:      o.SessionID,
				Reason:         "tip",
			})
			if err != nil {
				return err
			}
			o.Status = StatusCompleted
			o.ReleaseTransactionID = txn.ID
			o.ValidatedAt = &now
		}

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.Info("order create replayed",
			"orderId", order.ID,
			"buyerId", order.BuyerID,
			"request_id", logging.RequestID(ctx),
		)
		return order, nil
	}

	s.committed(ctx, EventCreated, order)
	return order, nil
}

// Accept moves a PENDING order to ACCEPTED. Seller only.
func (s *Service) Accept(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	return s.transition(ctx, "accept", actor, orderID, EventAccepted,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !actor.Is(o.SellerID) {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusPending); err != nil {
				return err
			}
			o.Status = StatusAccepted
			o.AcceptedAt = &now
			return nil
		})
}

// Reject moves a PENDING order to REJECTED and refunds its hold. Seller only.
func (s *Service) Reject(ctx context.Context, actor auth.Actor, orderID, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, "reject", actor, orderID, EventRejected,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !actor.Is(o.SellerID) {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusPending); err != nil {
				return err
			}
			if reason == "" {
				return ErrReasonRequired
			}
			if err := s.refundBuyer(ctx, tx, o, "rejected: "+reason); err != nil {
				return err
			}
			o.Status = StatusRejected
			o.RejectedAt = &now
			o.RejectionReason = reason
			return nil
		})
}

// Cancel moves a PENDING order to CANCELLED and refunds its hold. Buyer only.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, orderID, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, "cancel", actor, orderID, EventCancelled,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !actor.Is(o.BuyerID) {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusPending); err != nil {
				return err
			}
			if err := s.refundBuyer(ctx, tx, o, "cancelled by buyer"); err != nil {
				return err
			}
			o.Status = StatusCancelled
			o.CancelledAt = &now
			o.CancellationReason = reason
			return nil
		})
}

// Deliver records proof of delivery on an ACCEPTED order. Seller only.
func (s *Service) Deliver(ctx context.Context, actor auth.Actor, orderID string, proofURLs []string) (*Order, error) {
	proofs := make([]string, 0, len(proofURLs))
	for _, p := range proofURLs {
		if p = strings.TrimSpace(p); p != "" {
			proofs = append(proofs, p)
		}
	}
	return s.transition(ctx, "deliver", actor, orderID, EventDelivered,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !actor.Is(o.SellerID) {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusAccepted); err != nil {
				return err
			}
			if len(proofs) == 0 {
				return ErrProofRequired
			}
			o.Status = StatusDelivered
			o.DeliveredAt = &now
			o.ProofURLs = proofs
			return nil
		})
}

// Validate accepts a DELIVERED order and releases its hold to the seller.
// Buyer only.
func (s *Service) Validate(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	return s.transition(ctx, "validate", actor, orderID, EventCompleted,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !actor.Is(o.BuyerID) {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusDelivered); err != nil {
				return err
			}
			if err := s.settleToSeller(ctx, tx, o, "validated by buyer"); err != nil {
				return err
			}
			o.Status = StatusCompleted
			o.ValidatedAt = &now
			return nil
		})
}

// Dispute parks an ACCEPTED, DELIVERED or COMPLETED order for admin
// resolution. Either participant; no money moves.
func (s *Service) Dispute(ctx context.Context, actor auth.Actor, orderID, reason string) (*Order, error) {
	reason = strings.TrimSpace(reason)
	return s.transition(ctx, "dispute", actor, orderID, EventDisputed,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !o.IsParticipant(actor.UserID) {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusAccepted, StatusDelivered, StatusCompleted); err != nil {
				return err
			}
			if reason == "" {
				return ErrReasonRequired
			}
			o.Status = StatusDisputed
			o.DisputedAt = &now
			o.DisputedBy = actor.UserID
			o.DisputeReason = reason
			return nil
		})
}

// ResolveDispute forces a DISPUTED order to a terminal state. Admin only.
// PAY_SELLER releases an open hold (COMPLETED); REFUND_BUYER refunds it
// (REFUNDED). An order whose hold was already released before the dispute
// only gets its status and, for a refund, an accounting entry.
func (s *Service) ResolveDispute(ctx context.Context, actor auth.Actor, orderID string, req ResolveRequest) (*Order, error) {
	notes := strings.TrimSpace(req.Notes)
	return s.transition(ctx, "resolve", actor, orderID, EventDisputeResolved,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if !actor.IsAdmin() {
				return ErrForbidden
			}
			if err := requireStatus(o, StatusDisputed); err != nil {
				return err
			}

			released := o.ReleaseTransactionID != ""
			switch req.Resolution {
			case ResolutionPaySeller:
				if !released {
					if err := s.settleToSeller(ctx, tx, o, "dispute resolved for seller"); err != nil {
						return err
					}
				}
				o.Status = StatusCompleted
				if o.ValidatedAt == nil {
					o.ValidatedAt = &now
				}
			case ResolutionRefundBuyer:
				if released {
					if o.EscrowTransactionID != "" {
						txn, err := s.ledger.RecordRefund(ctx, tx, o.EscrowTransactionID, "dispute resolved for buyer after release")
						if err != nil {
							return err
						}
						o.RefundTransactionID = txn.ID
					}
				} else if err := s.refundBuyer(ctx, tx, o, "dispute resolved for buyer"); err != nil {
					return err
				}
				o.Status = StatusRefunded
			default:
				return ErrInvalidResolution
			}

			o.Resolution = req.Resolution
			o.ResolutionNotes = notes
			o.ResolvedBy = actor.UserID
			o.ResolvedAt = &now
			return nil
		})
}

// ExpireOrders cancels, with refund, every PENDING or ACCEPTED order whose
// delivery deadline has passed, batchSize orders at a time. Orders that lose
// a race with a user transition are skipped. Returns the number cancelled.
func (s *Service) ExpireOrders(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	expired := 0
	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		batch, err := s.store.ListExpirable(ctx, s.now(), batchSize)
		if err != nil {
			return expired, fmt.Errorf("list expirable orders: %w", err)
		}

		fresh := 0
		for _, o := range batch {
			if seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			fresh++

			_, err := s.expire(ctx, o.ID)
			switch {
			case err == nil:
				expired++
			case errors.Is(err, apperr.ErrInvalidState):
				s.logger.Debug("order changed before expiry, skipping", "orderId", o.ID, "error", err)
			default:
				s.logger.Warn("failed to expire order", "orderId", o.ID, "error", err)
			}
		}

		if len(batch) < batchSize || fresh == 0 {
			break
		}
	}

	if expired > 0 {
		metrics.OrdersExpiredTotal.Add(float64(expired))
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, orderID string) (*Order, error) {
	return s.transition(ctx, "expire", auth.System, orderID, EventCancelled,
		func(ctx context.Context, tx Tx, o *Order, now time.Time) error {
			if err := requireStatus(o, StatusPending, StatusAccepted); err != nil {
				return err
			}
			if o.DeliveryDeadline == nil || !o.DeliveryDeadline.Before(now) {
				return fmt.Errorf("%w: deadline not passed", ErrInvalidTransition)
			}
			if err := s.refundBuyer(ctx, tx, o, "delivery deadline passed"); err != nil {
				return err
			}
			o.Status = StatusCancelled
			o.CancelledAt = &now
			o.CancellationReason = "expired: delivery deadline passed"
			return nil
		})
}

// GetOrder returns an order visible to its buyer, seller or an admin.
func (s *Service) GetOrder(ctx context.Context, actor auth.Actor, orderID string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.canView(actor) {
		return nil, ErrForbidden
	}
	return o, nil
}

// GetOrderDetails returns the order with its escrow, release and refund
// transactions.
func (s *Service) GetOrderDetails(ctx context.Context, actor auth.Actor, orderID string) (*OrderDetails, error) {
	o, err := s.GetOrder(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	d := &OrderDetails{Order: o}
	for _, ref := range []struct {
		id  string
		dst **ledger.Transaction
	}{
		{o.EscrowTransactionID, &d.Escrow},
		{o.ReleaseTransactionID, &d.Release},
		{o.RefundTransactionID, &d.Refund},
	} {
		if ref.id == "" {
			continue
		}
		txn, err := s.store.GetTransaction(ctx, ref.id)
		if err != nil {
			return nil, fmt.Errorf("load transaction %s: %w", ref.id, err)
		}
		*ref.dst = txn
	}
	return d, nil
}

// ListOrdersForSession returns the session's orders, oldest first.
func (s *Service) ListOrdersForSession(ctx context.Context, actor auth.Actor, sessionID string) ([]*Order, error) {
	if _, err := s.GetSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListOrdersBySession(ctx, sessionID)
}

type transitionFunc func(ctx context.Context, tx Tx, o *Order, now time.Time) error

// transition locks the order, applies fn and saves it in one unit of work,
// then emits kind after commit.
func (s *Service) transition(ctx context.Context, name string, actor auth.Actor, orderID string, kind EventKind, fn transitionFunc) (_ *Order, err error) {
	ctx, span := traces.StartSpan(ctx, "orders."+name,
		traces.OrderID(orderID), traces.ActorID(actor.UserID), traces.Transition(name))
	defer func() { traces.End(span, err) }()

	var updated *Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := fn(ctx, tx, o, now); err != nil {
			return err
		}
		o.UpdatedAt = now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.committed(ctx, kind, updated)
	return updated, nil
}

// settleToSeller releases the order's hold into the seller's balance.
func (s *Service) settleToSeller(ctx context.Context, tx Tx, o *Order, reason string) error {
	if o.EscrowTransactionID == "" {
		return fmt.Errorf("%w: order has no escrow hold", ErrInvalidTransition)
	}
	txn, err := s.ledger.Release(ctx, tx, o.EscrowTransactionID, reason)
	if err != nil {
		return err
	}
	o.ReleaseTransactionID = txn.ID
	return nil
}

// refundBuyer closes the order's hold without paying the seller.
func (s *Service) refundBuyer(ctx context.Context, tx Tx, o *Order, reason string) error {
	if o.EscrowTransactionID == "" {
		return nil
	}
	txn, err := s.ledger.RefundHold(ctx, tx, o.EscrowTransactionID, reason)
	if err != nil {
		return err
	}
	o.RefundTransactionID = txn.ID
	return nil
}

// committed records a transition that has been durably applied. Sink
// delivery is detached from the request's cancellation.
func (s *Service) committed(ctx context.Context, kind EventKind, o *Order) {
	metrics.OrderTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
	s.logger.Info("order transition",
		"orderId", o.ID,
		"event", kind,
		"status", o.Status,
		"amount", o.Amount.String(),
		"request_id", logging.RequestID(ctx),
	)
	s.sink.Notify(context.WithoutCancel(ctx), kind, o.Snapshot())
}

func requireStatus(o *Order, allowed ...Status) error {
	for _, st := range allowed {
		if o.Status == st {
			return nil
		}
	}
	return fmt.Errorf("%w: order is %s", ErrInvalidTransition, o.Status)
}
