package withdrawals

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
	"github.com/mbd888/commissions/internal/metrics"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/pagination"
	"github.com/mbd888/commissions/internal/traces"
)

// Service implements withdrawal business logic.
type Service struct {
	store    Store
	ledger   *ledger.Ledger
	executor PayoutExecutor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new withdrawal service.
func NewService(store Store, l *ledger.Ledger, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: l, logger: logger, now: time.Now}
}

// WithExecutor sets the payout executor used by Process.
func (s *Service) WithExecutor(e PayoutExecutor) *Service {
	s.executor = e
	return s
}

// WithNotifier sets the receiver of committed status changes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Request debits the actor's wallet and records a PENDING withdrawal. A
// request repeating an earlier IdempotencyKey returns the earlier withdrawal
// without a second debit.
func (s *Service) Request(ctx context.Context, actor auth.Actor, in RequestInput) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Request",
		traces.ActorID(actor.UserID), traces.Amount(in.Amount.String()))
	defer func() { traces.End(span, err) }()

	if actor.UserID == "" {
		return nil, ErrForbidden
	}
	if !in.Amount.IsPositive() {
		return nil, money.ErrInvalidAmount
	}
	if !in.Method.Valid() {
		return nil, ErrInvalidMethod
	}
	dest := strings.TrimSpace(in.Destination)
	if dest == "" {
		return nil, ErrDestinationMissing
	}

	key := strings.TrimSpace(in.IdempotencyKey)

	var (
		out      *Withdrawal
		replayed bool
	)
	err = s.store.WithinWithdrawalTx(ctx, func(ctx context.Context, tx Tx) error {
		if key != "" {
			prior, err := tx.GetWithdrawalByIdempotencyKey(ctx, actor.UserID, key)
			switch {
			case err == nil:
				if !prior.matches(in, dest) {
					return ErrIdempotencyReuse
				}
				out, replayed = prior, true
				return nil
			case !errors.Is(err, ErrWithdrawalNotFound):
				return err
			}
		}

		now := s.now()
		w := &Withdrawal{
			ID:             idgen.WithPrefix(idgen.PrefixWithdrawal),
			UserID:         actor.UserID,
			Amount:         in.Amount,
			Currency:       s.ledger.Currency(),
			Method:         in.Method,
			Destination:    dest,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			IdempotencyKey: key,
		}
		debit, err := s.ledger.Debit(ctx, tx, ledger.DebitRequest{
			UserID:       w.UserID,
			Amount:       w.Amount,
			WithdrawalID: w.ID,
			Reason:       fmt.Sprintf("withdrawal via %s", w.Method),
		})
		if err != nil {
			return err
		}
		w.DebitTransactionID = debit.ID
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.Info("withdrawal request replayed", "withdrawalId", out.ID, "userId", out.UserID)
		return out, nil
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.Info("withdrawal requested", "withdrawalId", out.ID, "userId", out.UserID, "amount", out.Amount.String())
	s.committed(ctx, out)
	return out, nil
}

// Cancel re-credits a PENDING withdrawal. Owner or admin.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id, reason string) (*Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	return s.update(ctx, "cancel", id, func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
		if !actor.CanAccess(w.UserID) {
			return ErrForbidden
		}
		if w.Status != StatusPending {
			return fmt.Errorf("%w: withdrawal is %s", ErrInvalidStatus, w.Status)
		}
		if err := s.recredit(ctx, tx, w, "withdrawal cancelled"); err != nil {
			return err
		}
		w.Status = StatusCancelled
		w.CancelReason = reason
		w.CancelledAt = &now
		return nil
	})
}

// Process pays out a PENDING withdrawal. Admin only. The executor runs
// between two units of work so no transaction is held across the call.
// A payout the provider rejected fails and re-credits; one it never
// confirmed (ErrPayoutUnconfirmed) stays PROCESSING.
func (s *Service) Process(ctx context.Context, actor auth.Actor, id string) (*Withdrawal, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if s.executor == nil {
		return nil, ErrNoExecutor
	}

	w, err := s.update(ctx, "process", id, func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
		if w.Status != StatusPending {
			return fmt.Errorf("%w: withdrawal is %s", ErrInvalidStatus, w.Status)
		}
		w.Status = StatusProcessing
		w.ProcessingAt = &now
		w.ProcessedBy = actor.UserID
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, payErr := s.executor.Payout(ctx, *w)
	switch {
	case errors.Is(payErr, ErrPayoutUnconfirmed):
		// Re-crediting here could pay the user twice.
		metrics.PayoutsUnconfirmedTotal.WithLabelValues(s.executor.Name()).Inc()
		s.logger.Error("payout outcome unknown, withdrawal left PROCESSING",
			"withdrawalId", w.ID, "executor", s.executor.Name(), "error", payErr)
		return w, nil
	case payErr != nil:
		s.logger.Warn("payout failed", "withdrawalId", w.ID, "executor", s.executor.Name(), "error", payErr)
		return s.Fail(ctx, actor, id, payErr.Error())
	case !res.Settled:
		return s.update(ctx, "handoff", id, func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
			if w.Status != StatusProcessing {
				return fmt.Errorf("%w: withdrawal is %s", ErrInvalidStatus, w.Status)
			}
			w.ProviderReference = res.Reference
			return nil
		})
	}
	return s.Complete(ctx, actor, id, res.Reference)
}

// Complete marks a PROCESSING withdrawal paid. Admin only.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id, reference string) (*Withdrawal, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.update(ctx, "complete", id, func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
		if w.Status != StatusProcessing {
			return fmt.Errorf("%w: withdrawal is %s", ErrInvalidStatus, w.Status)
		}
		if reference = strings.TrimSpace(reference); reference != "" {
			w.ProviderReference = reference
		}
		w.Status = StatusCompleted
		w.CompletedAt = &now
		return nil
	})
}

// Fail marks a PROCESSING withdrawal failed and re-credits the wallet. Admin only.
func (s *Service) Fail(ctx context.Context, actor auth.Actor, id, reason string) (*Withdrawal, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("failure reason is required: %w", apperr.ErrInvalidArgument)
	}
	return s.update(ctx, "fail", id, func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error {
		if w.Status != StatusProcessing {
			return fmt.Errorf("%w: withdrawal is %s", ErrInvalidStatus, w.Status)
		}
		if err := s.recredit(ctx, tx, w, "withdrawal failed"); err != nil {
			return err
		}
		w.Status = StatusFailed
		w.FailureReason = reason
		w.FailedAt = &now
		return nil
	})
}

// Get returns a withdrawal visible to its owner or an admin.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (*Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(w.UserID) {
		return nil, ErrForbidden
	}
	return w, nil
}

// List returns a page of the user's withdrawals, newest first.
func (s *Service) List(ctx context.Context, actor auth.Actor, userID, cursor string, limit int) ([]*Withdrawal, string, error) {
	if !actor.CanAccess(userID) {
		return nil, "", ErrForbidden
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	limit = pagination.ClampLimit(limit)

	items, err := s.store.ListWithdrawals(ctx, userID, cur, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(w *Withdrawal) (time.Time, string) {
		return w.CreatedAt, w.ID
	})
	return page, next, nil
}

type updateFunc func(ctx context.Context, tx Tx, w *Withdrawal, now time.Time) error

func (s *Service) update(ctx context.Context, name, id string, fn updateFunc) (_ *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals."+name, traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	var out *Withdrawal
	changed := false
	err = s.store.WithinWithdrawalTx(ctx, func(ctx context.Context, tx Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		before := w.Status
		now := s.now()
		if err := fn(ctx, tx, w, now); err != nil {
			return err
		}
		w.UpdatedAt = now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		changed = w.Status != before
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.WithdrawalsTotal.WithLabelValues(string(out.Status)).Inc()
		s.committed(ctx, out)
	}
	return out, nil
}

func (s *Service) committed(ctx context.Context, w *Withdrawal) {
	if s.notifier == nil {
		return
	}
	s.notifier.WithdrawalChanged(context.WithoutCancel(ctx), *w)
}

func (s *Service) recredit(ctx context.Context, tx Tx, w *Withdrawal, reason string) error {
	txn, err := s.ledger.Recredit(ctx, tx, ledger.CreditRequest{
		UserID:       w.UserID,
		Amount:       w.Amount,
		WithdrawalID: w.ID,
		Reason:       reason,
	})
	if err != nil {
		return err
	}
	w.RecreditTransactionID = txn.ID
	return nil
}
