// Package payouts provides the executors that move withdrawn money off the
// platform.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/withdrawals"
)

var ErrUnsupportedCurrency = fmt.Errorf("payout currency not supported: %w", apperr.ErrInvalidArgument)

// transferAPI is the slice of the Stripe client used here.
type transferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

// StripeExecutor pays withdrawals out as Stripe Connect transfers.
// The withdrawal id is the idempotency key, so a replayed Process call
// cannot transfer twice.
type StripeExecutor struct {
	transfers transferAPI
	logger    *slog.Logger
}

// NewStripeExecutor creates an executor backed by the Stripe API.
func NewStripeExecutor(secretKey string, logger *slog.Logger) *StripeExecutor {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeExecutor{transfers: sc.Transfers, logger: logger}
}

// Name implements withdrawals.PayoutExecutor.
func (e *StripeExecutor) Name() string { return "stripe" }

// Payout implements withdrawals.PayoutExecutor.
func (e *StripeExecutor) Payout(ctx context.Context, w withdrawals.Withdrawal) (withdrawals.PayoutResult, error) {
	if w.Method != withdrawals.MethodStripe {
		// Bank transfers are paid by operations and completed by hand.
		return withdrawals.PayoutResult{Settled: false}, nil
	}
	if len(w.Currency) != 3 {
		return withdrawals.PayoutResult{}, ErrUnsupportedCurrency
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(w.Amount.MinorUnits()),
		Currency:      stripe.String(strings.ToLower(w.Currency)),
		Destination:   stripe.String(w.Destination),
		TransferGroup: stripe.String(w.ID),
	}
	params.Context = ctx
	params.SetIdempotencyKey("withdrawal-" + w.ID)
	params.AddMetadata("withdrawal_id", w.ID)
	params.AddMetadata("user_id", w.UserID)

	tr, err := e.transfers.New(params)
	if err != nil {
		return withdrawals.PayoutResult{}, classifyStripeError(err)
	}
	e.logger.Info("stripe transfer created", "withdrawalId", w.ID, "transferId", tr.ID)
	return withdrawals.PayoutResult{Reference: tr.ID, Settled: true}, nil
}

// classifyStripeError separates rejections, after which no transfer exists,
// from failures that leave the transfer's fate unknown. Only a 4xx that is
// not an idempotency conflict is a rejection.
func classifyStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		// Timeouts, resets, cancelled contexts: the request may have landed.
		return fmt.Errorf("stripe transfer: %w: %v", withdrawals.ErrPayoutUnconfirmed, err)
	}
	rejected := serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 &&
		serr.HTTPStatusCode != http.StatusConflict &&
		serr.Type != stripe.ErrorTypeAPI && serr.Type != stripe.ErrorTypeIdempotency
	if !rejected {
		return fmt.Errorf("stripe transfer: %w: %s (status %d)", withdrawals.ErrPayoutUnconfirmed, serr.Msg, serr.HTTPStatusCode)
	}
	return fmt.Errorf("stripe transfer: %s (%s)", serr.Msg, serr.Code)
}

// ManualExecutor hands every payout to operations. The withdrawal stays
// PROCESSING until an admin completes or fails it.
type ManualExecutor struct {
	logger *slog.Logger
}

// NewManualExecutor creates a manual executor.
func NewManualExecutor(logger *slog.Logger) *ManualExecutor {
	return &ManualExecutor{logger: logger}
}

// Name implements withdrawals.PayoutExecutor.
func (e *ManualExecutor) Name() string { return "manual" }

// Payout implements withdrawals.PayoutExecutor.
func (e *ManualExecutor) Payout(_ context.Context, w withdrawals.Withdrawal) (withdrawals.PayoutResult, error) {
	e.logger.Info("manual payout required",
		"withdrawalId", w.ID,
		"userId", w.UserID,
		"amount", w.Amount.String(),
		"method", string(w.Method),
		"destination", w.Destination,
	)
	return withdrawals.PayoutResult{Reference: "manual:" + w.ID, Settled: false}, nil
}

var (
	_ withdrawals.PayoutExecutor = (*StripeExecutor)(nil)
	_ withdrawals.PayoutExecutor = (*ManualExecutor)(nil)
)
