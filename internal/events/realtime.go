package events

import (
	"context"
	"strings"

	"github.com/mbd888/commissions/internal/realtime"
	"github.com/mbd888/commissions/internal/withdrawals"
)

type publisher interface {
	Publish(event *realtime.Event) bool
}

// RealtimeSink pushes order events to the WebSocket hub, addressed to the
// order's buyer and seller.
type RealtimeSink struct {
	hub publisher
}

// NewRealtimeSink creates a realtime sink.
func NewRealtimeSink(hub publisher) *RealtimeSink {
	return &RealtimeSink{hub: hub}
}

func (s *RealtimeSink) Name() string { return "realtime" }

func (s *RealtimeSink) Deliver(_ context.Context, env Envelope) error {
	ok := s.hub.Publish(&realtime.Event{
		Type:       realtime.EventOrder,
		Kind:       string(env.Kind),
		OrderID:    env.OrderID,
		SessionID:  env.SessionID,
		Timestamp:  env.OccurredAt,
		Data:       env,
		Recipients: []string{env.BuyerID, env.SellerID},
	})
	if !ok {
		return ErrDropped
	}
	return nil
}

// WithdrawalChanged implements withdrawals.Notifier. Only the owner is
// addressed.
func (s *RealtimeSink) WithdrawalChanged(_ context.Context, w withdrawals.Withdrawal) {
	s.hub.Publish(&realtime.Event{
		Type:       realtime.EventWithdrawal,
		Kind:       strings.ToLower(string(w.Status)),
		Timestamp:  w.UpdatedAt,
		Data:       w,
		Recipients: []string{w.UserID},
	})
}

var (
	_ Sink                 = (*RealtimeSink)(nil)
	_ withdrawals.Notifier = (*RealtimeSink)(nil)
)
