package orders_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/logging"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/orders"
	"github.com/mbd888/commissions/internal/store"
)

var (
	buyer    = auth.User("buyer_1")
	seller   = auth.User("seller_1")
	stranger = auth.User("someone_else")
	admin    = auth.Admin("admin_1")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	events []orders.EventKind
	orders []orders.Order
}

func (r *recordingSink) Notify(_ context.Context, kind orders.EventKind, o orders.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	r.orders = append(r.orders, o)
}

func (r *recordingSink) Kinds() []orders.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orders.EventKind(nil), r.events...)
}

type harness struct {
	store   *store.MemoryStore
	ledger  *ledger.Ledger
	svc     *orders.Service
	sink    *recordingSink
	clock   *clock
	session *orders.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore()
	l := ledger.New(s, "USD").WithClock(clk.Now)
	sink := &recordingSink{}
	svc := orders.NewService(s, l, logging.Discard()).WithSink(sink).WithClock(clk.Now)

	sess, err := svc.CreateSession(context.Background(), buyer, seller.UserID)
	require.NoError(t, err)

	return &harness{store: s, ledger: l, svc: svc, sink: sink, clock: clk, session: sess}
}

func (h *harness) create(t *testing.T, typ orders.Type, amount string) *orders.Order {
	t.Helper()
	o, err := h.svc.CreateOrder(context.Background(), buyer, orders.CreateRequest{
		SessionID: h.session.ID,
		Type:      typ,
		Amount:    money.MustParse(amount),
	})
	require.NoError(t, err)
	return o
}

func (h *harness) createWithDeadline(t *testing.T, amount string, in time.Duration) *orders.Order {
	t.Helper()
	deadline := h.clock.Now().Add(in)
	o, err := h.svc.CreateOrder(context.Background(), buyer, orders.CreateRequest{
		SessionID:        h.session.ID,
		Type:             orders.TypeShoutout,
		Amount:           money.MustParse(amount),
		DeliveryDeadline: &deadline,
	})
	require.NoError(t, err)
	return o
}

func (h *harness) deliver(t *testing.T, o *orders.Order) {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)
	_, err = h.svc.Deliver(ctx, seller, o.ID, []string{"https://cdn.example.com/proof.mp4"})
	require.NoError(t, err)
}

func (h *harness) wallet(t *testing.T, userID string) *ledger.Wallet {
	t.Helper()
	w, err := h.ledger.GetWallet(context.Background(), admin, userID)
	require.NoError(t, err)
	return w
}

func (h *harness) txn(t *testing.T, id string) *ledger.Transaction {
	t.Helper()
	txn, err := h.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (h *harness) assertReconciled(t *testing.T, userID string) {
	t.Helper()
	r, err := h.ledger.Reconcile(context.Background(), admin, userID)
	require.NoError(t, err)
	assert.True(t, r.Balanced, "reconciliation problems: %v", r.Problems)
}

func TestHappyPath_ReleasesToSeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "50.00")
	assert.Equal(t, orders.StatusPending, o.Status)
	require.NotEmpty(t, o.EscrowTransactionID)

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "50.00", w.PendingBalance.String())
	assert.Equal(t, "0.00", w.Balance.String())
	assert.Equal(t, ledger.StatusEscrow, h.txn(t, o.EscrowTransactionID).Status)

	h.deliver(t, o)
	done, err := h.svc.Validate(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, done.Status)
	require.NotNil(t, done.ValidatedAt)
	require.NotEmpty(t, done.ReleaseTransactionID)

	w = h.wallet(t, seller.UserID)
	assert.Equal(t, "50.00", w.Balance.String())
	assert.Equal(t, "0.00", w.PendingBalance.String())
	assert.Equal(t, "50.00", w.TotalEarned.String())
	require.NotNil(t, w.LastCreditedAt)

	assert.Equal(t, ledger.StatusCompleted, h.txn(t, o.EscrowTransactionID).Status)
	release := h.txn(t, done.ReleaseTransactionID)
	assert.Equal(t, ledger.TxRelease, release.Type)
	assert.Equal(t, seller.UserID, release.UserID)
	assert.Equal(t, o.ID, release.OrderID)

	assert.Equal(t, []orders.EventKind{
		orders.EventCreated, orders.EventAccepted, orders.EventDelivered, orders.EventCompleted,
	}, h.sink.Kinds())
	h.assertReconciled(t, seller.UserID)
}

func TestReject_RefundsHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeCustomVideo, "30.00")
	rejected, err := h.svc.Reject(ctx, seller, o.ID, "not my style")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRejected, rejected.Status)
	assert.Equal(t, "not my style", rejected.RejectionReason)
	require.NotNil(t, rejected.RejectedAt)

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "0.00", w.PendingBalance.String())
	assert.Equal(t, "0.00", w.Balance.String())
	assert.Equal(t, "0.00", w.TotalEarned.String())

	assert.Equal(t, ledger.StatusRefunded, h.txn(t, o.EscrowTransactionID).Status)
	refund := h.txn(t, rejected.RefundTransactionID)
	assert.Equal(t, ledger.TxRefund, refund.Type)
	assert.Equal(t, buyer.UserID, refund.UserID)
	assert.Equal(t, "30.00", refund.Amount.String())
	h.assertReconciled(t, seller.UserID)
}

func TestReject_RequiresReason(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, orders.TypeUGC, "10.00")

	_, err := h.svc.Reject(context.Background(), seller, o.ID, "   ")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	got, err := h.svc.GetOrder(context.Background(), buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)
}

func TestCancel_ByBuyerOnlyWhilePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "12.00")
	_, err := h.svc.Cancel(ctx, seller, o.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	cancelled, err := h.svc.Cancel(ctx, buyer, o.ID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, cancelled.Status)
	assert.Equal(t, "0.00", h.wallet(t, seller.UserID).PendingBalance.String())

	o2 := h.create(t, orders.TypeUGC, "12.00")
	_, err = h.svc.Accept(ctx, seller, o2.ID)
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, buyer, o2.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestDispute_ResolvedForSeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "80.00")
	h.deliver(t, o)

	disputed, err := h.svc.Dispute(ctx, buyer, o.ID, "video is blurry")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDisputed, disputed.Status)
	assert.Equal(t, buyer.UserID, disputed.DisputedBy)
	assert.Equal(t, "80.00", h.wallet(t, seller.UserID).PendingBalance.String())

	_, err = h.svc.ResolveDispute(ctx, buyer, o.ID, orders.ResolveRequest{Resolution: orders.ResolutionPaySeller})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	resolved, err := h.svc.ResolveDispute(ctx, admin, o.ID, orders.ResolveRequest{
		Resolution: orders.ResolutionPaySeller,
		Notes:      "proof is fine",
	})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, resolved.Status)
	assert.Equal(t, orders.ResolutionPaySeller, resolved.Resolution)
	assert.Equal(t, "proof is fine", resolved.ResolutionNotes)
	assert.Equal(t, admin.UserID, resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "80.00", w.Balance.String())
	assert.Equal(t, "0.00", w.PendingBalance.String())
	assert.Equal(t, "80.00", w.TotalEarned.String())

	kinds := h.sink.Kinds()
	assert.Equal(t, orders.EventDisputeResolved, kinds[len(kinds)-1])
	h.assertReconciled(t, seller.UserID)
}

func TestDispute_ResolvedForBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "25.00")
	_, err := h.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)
	_, err = h.svc.Dispute(ctx, seller, o.ID, "buyer unreachable")
	require.NoError(t, err)

	resolved, err := h.svc.ResolveDispute(ctx, admin, o.ID, orders.ResolveRequest{Resolution: orders.ResolutionRefundBuyer})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, resolved.Status)
	require.NotEmpty(t, resolved.RefundTransactionID)

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "0.00", w.PendingBalance.String())
	assert.Equal(t, "0.00", w.Balance.String())
	assert.Equal(t, ledger.StatusRefunded, h.txn(t, o.EscrowTransactionID).Status)
	h.assertReconciled(t, seller.UserID)
}

func TestDispute_AfterCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "50.00")
	h.deliver(t, o)
	_, err := h.svc.Validate(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = h.svc.Dispute(ctx, buyer, o.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument, "reason is required")

	_, err = h.svc.Dispute(ctx, buyer, o.ID, "turned out to be plagiarised")
	require.NoError(t, err)

	resolved, err := h.svc.ResolveDispute(ctx, admin, o.ID, orders.ResolveRequest{Resolution: orders.ResolutionRefundBuyer})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, resolved.Status)

	// Released funds are not clawed back from the seller's wallet.
	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "50.00", w.Balance.String())
	assert.Equal(t, ledger.StatusCompleted, h.txn(t, o.EscrowTransactionID).Status)
	refund := h.txn(t, resolved.RefundTransactionID)
	assert.Equal(t, ledger.TxRefund, refund.Type)
	h.assertReconciled(t, seller.UserID)
}

func TestDispute_InvalidResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "5.00")
	_, err := h.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)
	_, err = h.svc.Dispute(ctx, buyer, o.ID, "late")
	require.NoError(t, err)

	_, err = h.svc.ResolveDispute(ctx, admin, o.ID, orders.ResolveRequest{Resolution: "SPLIT"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDispute_NotFromPending(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, orders.TypeUGC, "5.00")

	_, err := h.svc.Dispute(context.Background(), buyer, o.ID, "too slow")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = h.svc.Dispute(context.Background(), stranger, o.ID, "too slow")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestTip_CompletesImmediately(t *testing.T) {
	h := newHarness(t)

	o := h.create(t, orders.TypeTip, "10.00")
	assert.Equal(t, orders.StatusCompleted, o.Status)
	assert.Empty(t, o.EscrowTransactionID)
	require.NotEmpty(t, o.ReleaseTransactionID)

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "10.00", w.Balance.String())
	assert.Equal(t, "0.00", w.PendingBalance.String())
	assert.Equal(t, "10.00", w.TotalEarned.String())

	credit := h.txn(t, o.ReleaseTransactionID)
	assert.Equal(t, ledger.TxCredit, credit.Type)
	assert.Equal(t, ledger.StatusCompleted, credit.Status)
	assert.Equal(t, []orders.EventKind{orders.EventCreated}, h.sink.Kinds())
	h.assertReconciled(t, seller.UserID)
}

func TestValidate_Twice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "50.00")
	h.deliver(t, o)
	_, err := h.svc.Validate(ctx, buyer, o.ID)
	require.NoError(t, err)

	_, err = h.svc.Validate(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "50.00", w.Balance.String())
	assert.Equal(t, "50.00", w.TotalEarned.String())
}

func TestValidate_Concurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.create(t, orders.TypeUGC, "50.00")
	h.deliver(t, o)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Validate(ctx, buyer, o.ID)
			switch {
			case err == nil:
				successes.Add(1)
			case apperr.Kind(err) == apperr.ErrInvalidState:
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(9), conflicts.Load())

	w := h.wallet(t, seller.UserID)
	assert.Equal(t, "50.00", w.Balance.String())
	assert.Equal(t, "0.00", w.PendingBalance.String())
	h.assertReconciled(t, seller.UserID)
}

func TestExpireOrders_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	soon := h.createWithDeadline(t, "15.00", time.Hour)
	accepted := h.createWithDeadline(t, "5.00", time.Hour)
	_, err := h.svc.Accept(ctx, seller, accepted.ID)
	require.NoError(t, err)
	later := h.createWithDeadline(t, "7.00", 48*time.Hour)
	assert.Equal(t, "27.00", h.wallet(t, seller.UserID).PendingBalance.String())

	n, err := h.svc.ExpireOrders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is past its deadline yet")

	h.clock.Advance(2 * time.Hour)
	n, err = h.svc.ExpireOrders(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.svc.ExpireOrders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, id := range []string{soon.ID, accepted.ID} {
		o, err := h.svc.GetOrder(ctx, buyer, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusCancelled, o.Status)
		assert.Contains(t, o.CancellationReason, "expired")
	}
	o, err := h.svc.GetOrder(ctx, buyer, later.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)

	assert.Equal(t, "7.00", h.wallet(t, seller.UserID).PendingBalance.String())
	h.assertReconciled(t, seller.UserID)
}

func TestExpireOrders_SkipsDelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	o := h.createWithDeadline(t, "9.00", time.Hour)
	h.deliver(t, o)
	h.clock.Advance(2 * time.Hour)

	n, err := h.svc.ExpireOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := h.svc.GetOrder(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDelivered, got.Status)
}

func TestCreateOrder_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	past := h.clock.Now().Add(-time.Minute)

	cases := []struct {
		name  string
		actor auth.Actor
		req   orders.CreateRequest
		kind  error
	}{
		{"zero amount", buyer, orders.CreateRequest{SessionID: h.session.ID, Type: orders.TypeUGC, Amount: money.Zero}, apperr.ErrInvalidArgument},
		{"negative amount", buyer, orders.CreateRequest{SessionID: h.session.ID, Type: orders.TypeUGC, Amount: money.FromMinorUnits(-100)}, apperr.ErrInvalidArgument},
		{"unknown type", buyer, orders.CreateRequest{SessionID: h.session.ID, Type: "portrait", Amount: money.MustParse("1.00")}, apperr.ErrInvalidArgument},
		{"deadline in past", buyer, orders.CreateRequest{SessionID: h.session.ID, Type: orders.TypeUGC, Amount: money.MustParse("1.00"), DeliveryDeadline: &past}, apperr.ErrInvalidArgument},
		{"seller mismatch", buyer, orders.CreateRequest{SessionID: h.session.ID, SellerID: "other", Type: orders.TypeUGC, Amount: money.MustParse("1.00")}, apperr.ErrInvalidArgument},
		{"not the session buyer", seller, orders.CreateRequest{SessionID: h.session.ID, Type: orders.TypeUGC, Amount: money.MustParse("1.00")}, apperr.ErrForbidden},
		{"unknown session", buyer, orders.CreateRequest{SessionID: "ses_missing", Type: orders.TypeUGC, Amount: money.MustParse("1.00")}, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.CreateOrder(ctx, tc.actor, tc.req)
			assert.ErrorIs(t, err, tc.kind)
		})
	}

	_, err := h.store.GetWallet(ctx, seller.UserID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "failed creates must not touch the ledger")
	assert.Empty(t, h.sink.Kinds())
}

func TestCreateSession_SelfDealing(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateSession(context.Background(), buyer, buyer.UserID)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestTransitions_ActorChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, orders.TypeUGC, "20.00")

	_, err := h.svc.Accept(ctx, buyer, o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = h.svc.Reject(ctx, buyer, o.ID, "nope")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	h.deliver(t, o)
	_, err = h.svc.Validate(ctx, seller, o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = h.svc.Validate(ctx, admin, o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = h.svc.Accept(ctx, seller, "ord_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeliver_RequiresProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, orders.TypeUGC, "20.00")

	_, err := h.svc.Deliver(ctx, seller, o.ID, []string{"https://cdn.example.com/a.mp4"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "must be accepted first")

	_, err = h.svc.Accept(ctx, seller, o.ID)
	require.NoError(t, err)
	_, err = h.svc.Deliver(ctx, seller, o.ID, []string{" "})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestReads_AccessRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, orders.TypeUGC, "20.00")

	for _, a := range []auth.Actor{buyer, seller, admin} {
		_, err := h.svc.GetOrder(ctx, a, o.ID)
		assert.NoError(t, err, a.UserID)
	}
	_, err := h.svc.GetOrder(ctx, stranger, o.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = h.svc.ListOrdersForSession(ctx, stranger, h.session.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	list, err := h.svc.ListOrdersForSession(ctx, seller, h.session.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	details, err := h.svc.GetOrderDetails(ctx, buyer, o.ID)
	require.NoError(t, err)
	require.NotNil(t, details.Escrow)
	assert.Equal(t, ledger.StatusEscrow, details.Escrow.Status)
	assert.Nil(t, details.Release)

	_, err = h.ledger.GetWallet(ctx, stranger, seller.UserID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestEvents_CarrySnapshot(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, orders.TypeUGC, "20.00")

	_, err := h.svc.Accept(context.Background(), seller, o.ID)
	require.NoError(t, err)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.orders, 2)
	assert.Equal(t, orders.StatusPending, h.sink.orders[0].Status)
	assert.Equal(t, orders.StatusAccepted, h.sink.orders[1].Status)
}
