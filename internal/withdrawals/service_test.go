package withdrawals_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/auth"
	"github.com/mbd888/commissions/internal/ledger"
	"github.com/mbd888/commissions/internal/logging"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/store"
	"github.com/mbd888/commissions/internal/withdrawals"
)

var (
	seller = auth.User("seller_1")
	other  = auth.User("other_1")
	admin  = auth.Admin("admin_1")
)

type fakeExecutor struct {
	mu     sync.Mutex
	result withdrawals.PayoutResult
	err    error
	calls  []withdrawals.Withdrawal
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Payout(_ context.Context, w withdrawals.Withdrawal) (withdrawals.PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, w)
	return f.result, f.err
}

type harness struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	svc    *withdrawals.Service
	exec   *fakeExecutor
	now    time.Time
}

func newHarness(t *testing.T, balance string) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		exec:  &fakeExecutor{result: withdrawals.PayoutResult{Reference: "tr_123", Settled: true}},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.ledger = ledger.New(h.store, "USD").WithClock(clock)
	h.svc = withdrawals.NewService(h.store, h.ledger, logging.Discard()).WithExecutor(h.exec).WithClock(clock)

	if balance != "" {
		err := h.store.WithinLedgerTx(context.Background(), func(ctx context.Context, repo ledger.Repo) error {
			_, err := h.ledger.CreditDirect(ctx, repo, ledger.CreditRequest{
				UserID: seller.UserID,
				Amount: money.MustParse(balance),
				Reason: "seed",
			})
			return err
		})
		require.NoError(t, err)
	}
	return h
}

func (h *harness) request(t *testing.T, amount string) *withdrawals.Withdrawal {
	t.Helper()
	w, err := h.svc.Request(context.Background(), seller, withdrawals.RequestInput{
		Amount:      money.MustParse(amount),
		Method:      withdrawals.MethodStripe,
		Destination: "acct_1",
	})
	require.NoError(t, err)
	return w
}

func (h *harness) wallet(t *testing.T) *ledger.Wallet {
	t.Helper()
	w, err := h.ledger.GetWallet(context.Background(), seller, seller.UserID)
	require.NoError(t, err)
	return w
}

func (h *harness) assertReconciled(t *testing.T) {
	t.Helper()
	r, err := h.ledger.Reconcile(context.Background(), admin, seller.UserID)
	require.NoError(t, err)
	assert.True(t, r.Balanced, "reconciliation problems: %v", r.Problems)
}

func TestRequestThenCancel_Recredits(t *testing.T) {
	h := newHarness(t, "50.00")
	ctx := context.Background()

	w := h.request(t, "40.00")
	assert.Equal(t, withdrawals.StatusPending, w.Status)
	require.NotEmpty(t, w.DebitTransactionID)

	wallet := h.wallet(t)
	assert.Equal(t, "10.00", wallet.Balance.String())
	assert.Equal(t, "40.00", wallet.TotalWithdrawn.String())

	debit, err := h.store.GetTransaction(ctx, w.DebitTransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxDebit, debit.Type)
	assert.Equal(t, w.ID, debit.WithdrawalID)

	_, err = h.svc.Cancel(ctx, other, w.ID, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	cancelled, err := h.svc.Cancel(ctx, seller, w.ID, "wrong account")
	require.NoError(t, err)
	assert.Equal(t, withdrawals.StatusCancelled, cancelled.Status)
	assert.Equal(t, "wrong account", cancelled.CancelReason)
	require.NotEmpty(t, cancelled.RecreditTransactionID)

	wallet = h.wallet(t)
	assert.Equal(t, "50.00", wallet.Balance.String())
	assert.Equal(t, "0.00", wallet.TotalWithdrawn.String())
	h.assertReconciled(t)

	_, err = h.svc.Cancel(ctx, seller, w.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, "50.00", h.wallet(t).Balance.String())
}

func TestRequest_InsufficientFunds(t *testing.T) {
	h := newHarness(t, "10.00")

	_, err := h.svc.Request(context.Background(), seller, withdrawals.RequestInput{
		Amount:      money.MustParse("10.01"),
		Method:      withdrawals.MethodBank,
		Destination: "GB00-0000",
	})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, "10.00", h.wallet(t).Balance.String())
}

func TestRequest_Validation(t *testing.T) {
	h := newHarness(t, "10.00")
	ctx := context.Background()

	cases := []struct {
		name string
		in   withdrawals.RequestInput
	}{
		{"zero amount", withdrawals.RequestInput{Amount: money.Zero, Method: withdrawals.MethodStripe, Destination: "acct_1"}},
		{"unknown method", withdrawals.RequestInput{Amount: money.MustParse("1.00"), Method: "paypal", Destination: "x"}},
		{"no destination", withdrawals.RequestInput{Amount: money.MustParse("1.00"), Method: withdrawals.MethodStripe, Destination: " "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Request(ctx, seller, tc.in)
			assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		})
	}
}

func TestProcess_Settled(t *testing.T) {
	h := newHarness(t, "50.00")
	ctx := context.Background()
	w := h.request(t, "40.00")

	_, err := h.svc.Process(ctx, seller, w.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	done, err := h.svc.Process(ctx, admin, w.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawals.StatusCompleted, done.Status)
	assert.Equal(t, "tr_123", done.ProviderReference)
	assert.Equal(t, admin.UserID, done.ProcessedBy)
	require.NotNil(t, done.CompletedAt)

	require.Len(t, h.exec.calls, 1)
	assert.Equal(t, withdrawals.StatusProcessing, h.exec.calls[0].Status)

	assert.Equal(t, "10.00", h.wallet(t).Balance.String())
	h.assertReconciled(t)

	_, err = h.svc.Process(ctx, admin, w.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, h.exec.calls, 1)
}

func TestProcess_HandoffThenComplete(t *testing.T) {
	h := newHarness(t, "50.00")
	ctx := context.Background()
	h.exec.result = withdrawals.PayoutResult{Reference: "manual:wd", Settled: false}
	w := h.request(t, "20.00")

	processing, err := h.svc.Process(ctx, admin, w.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawals.StatusProcessing, processing.Status)
	assert.Equal(t, "manual:wd", processing.ProviderReference)

	_, err = h.svc.Cancel(ctx, seller, w.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = h.svc.Complete(ctx, seller, w.ID, "bank-ref")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	done, err := h.svc.Complete(ctx, admin, w.ID, "bank-ref")
	require.NoError(t, err)
	assert.Equal(t, withdrawals.StatusCompleted, done.Status)
	assert.Equal(t, "bank-ref", done.ProviderReference)
	assert.Equal(t, "30.00", h.wallet(t).Balance.String())
}

func TestProcess_ExecutorErrorFailsAndRecredits(t *testing.T) {
	h := newHarness(t, "50.00")
	ctx := context.Background()
	h.exec.err = errors.New("stripe: account closed")
	w := h.request(t, "40.00")

	failed, err := h.svc.Process(ctx, admin, w.ID)
	require.NoError(t, err)
	assert.Equal(t, withdrawals.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "account closed")
	require.NotEmpty(t, failed.RecreditTransactionID)

	wallet := h.wallet(t)
	assert.Equal(t, "50.00", wallet.Balance.String())
	assert.Equal(t, "0.00", wallet.TotalWithdrawn.String())
	h.assertReconciled(t)
}

func TestFail_AdminOnlyAndNeedsReason(t *testing.T) {
	h := newHarness(t, "50.00")
	ctx := context.Background()
	h.exec.result = withdrawals.PayoutResult{Settled: false}
	w := h.request(t, "40.00")
	_, err := h.svc.Process(ctx, admin, w.ID)
	require.NoError(t, err)

	_, err = h.svc.Fail(ctx, seller, w.ID, "bounced")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = h.svc.Fail(ctx, admin, w.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	failed, err := h.svc.Fail(ctx, admin, w.ID, "bounced")
	require.NoError(t, err)
	assert.Equal(t, withdrawals.StatusFailed, failed.Status)
	assert.Equal(t, "50.00", h.wallet(t).Balance.String())

	_, err = h.svc.Fail(ctx, admin, w.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, "50.00", h.wallet(t).Balance.String())
}

func TestProcess_NoExecutor(t *testing.T) {
	h := newHarness(t, "50.00")
	w := h.request(t, "5.00")
	svc := withdrawals.NewService(h.store, h.ledger, logging.Discard())

	_, err := svc.Process(context.Background(), admin, w.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestGetAndList(t *testing.T) {
	h := newHarness(t, "50.00")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.request(t, "1.00").ID)
		h.now = h.now.Add(time.Minute)
	}

	_, err := h.svc.Get(ctx, other, ids[0])
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	got, err := h.svc.Get(ctx, admin, ids[0])
	require.NoError(t, err)
	assert.Equal(t, seller.UserID, got.UserID)

	_, _, err = h.svc.List(ctx, other, seller.UserID, "", 10)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	page, next, err := h.svc.List(ctx, seller, seller.UserID, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)
	require.NotEmpty(t, next)

	page, next, err = h.svc.List(ctx, seller, seller.UserID, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Empty(t, next)

	_, _, err = h.svc.List(ctx, seller, seller.UserID, "!!!", 2)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []withdrawals.Status
}

func (r *recordingNotifier) WithdrawalChanged(_ context.Context, w withdrawals.Withdrawal) {
	r.mu.Lock()
	r.statuses = append(r.statuses, w.Status)
	r.mu.Unlock()
}

func TestNotifier_ReceivesCommittedChanges(t *testing.T) {
	h := newHarness(t, "50.00")
	n := &recordingNotifier{}
	h.svc.WithNotifier(n)
	ctx := context.Background()

	w := h.request(t, "20.00")
	_, err := h.svc.Cancel(ctx, other, w.ID, "")
	require.Error(t, err)
	_, err = h.svc.Cancel(ctx, seller, w.ID, "changed my mind")
	require.NoError(t, err)

	assert.Equal(t, []withdrawals.Status{withdrawals.StatusPending, withdrawals.StatusCancelled}, n.statuses)
}
