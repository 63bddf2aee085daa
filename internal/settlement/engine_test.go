package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"lstapp/internal/chain"
	"lstapp/internal/chain/memchain"
	"lstapp/internal/database"
	"lstapp/internal/events"
	"lstapp/internal/intent"
	"lstapp/internal/model"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const platform = "Platform1111"

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type fakeJournal struct {
	settled map[string]bool
	err     error
}

func (j *fakeJournal) HasSettlement(sig string) (bool, error) {
	if j.err != nil {
		return false, j.err
	}
	return j.settled[sig], nil
}

func (j *fakeJournal) RecordSettlement(rec model.SettlementRecord) error {
	j.settled[rec.Signature] = true
	return nil
}

type fixture struct {
	engine   *Engine
	chain    *memchain.Ledger
	ledger   *intent.Ledger
	log      *events.Log
	notifier *recordingNotifier
}

func newFixture(t *testing.T, journal Journal) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		chain:    memchain.New(platform),
		ledger:   intent.NewLedger(),
		log:      events.NewLog(0, logger),
		notifier: &recordingNotifier{},
	}
	f.engine = New(Config{}, Deps{
		Ledger:   f.ledger,
		Log:      f.log,
		Chain:    f.chain,
		Journal:  journal,
		Notifier: f.notifier,
		Logger:   logger,
	})
	return f
}

func deposit(sig, from string, lamports uint64) model.DepositNotification {
	return model.DepositNotification{
		Signature: sig,
		NativeTransfers: []model.NativeTransfer{
			{Amount: 5000, FromUserAccount: from, ToUserAccount: "FeeCollector"},
			{Amount: lamports, FromUserAccount: from, ToUserAccount: platform},
		},
	}
}

func ratio(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tokens(t *testing.T, l *memchain.Ledger, owner string) uint64 {
	t.Helper()
	bal, err := l.TokenBalance(context.Background(), owner)
	require.NoError(t, err)
	return bal
}

func TestDepositSettlesAtDeclaredRatio(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.DeclareIntent("A", ratio("1.25"), 2_000_000_000)
	require.NoError(t, err)
	assert.Empty(t, f.engine.Events(), "declaring an intent is not an event")

	out := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 2_000_000_000))
	require.True(t, out.Success, out.Error)
	assert.Equal(t, model.OutcomeCompleted, out.Status)
	assert.Equal(t, uint64(1_600_000_000), out.Issued)
	assert.Equal(t, "A", out.Recipient)
	assert.True(t, out.IntentMatched)
	assert.NotEmpty(t, out.MintTx)
	assert.Equal(t, uint64(1_600_000_000), tokens(t, f.chain, "A"))

	_, live := f.ledger.Get("A")
	assert.False(t, live, "the intent is consumed")

	evs := f.engine.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, model.EventCompleted, evs[0].Kind)
	assert.Equal(t, model.EventProcessing, evs[1].Kind)
	assert.Equal(t, model.EventReceived, evs[2].Kind)
	require.NotNil(t, evs[0].IntentMatched)
	assert.True(t, *evs[0].IntentMatched)
	assert.Equal(t, uint64(1_600_000_000), evs[0].Issued)
	assert.Equal(t, "1.25", evs[0].Ratio)
}

func TestIntentsDoNotCrossSenders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.DeclareIntent("A", ratio("1.2"), 3_000_000_000)
	require.NoError(t, err)
	_, err = f.engine.DeclareIntent("B", ratio("1.25"), 2_000_000_000)
	require.NoError(t, err)

	outB := f.engine.HandleDeposit(ctx, deposit("sigB", "B", 2_000_000_000))
	outA := f.engine.HandleDeposit(ctx, deposit("sigA", "A", 3_000_000_000))

	assert.Equal(t, uint64(1_600_000_000), outB.Issued)
	assert.Equal(t, uint64(2_500_000_000), outA.Issued)
	assert.True(t, outA.IntentMatched)
	assert.True(t, outB.IntentMatched)
}

func TestMissingIntentFallsBackToDefaultRatio(t *testing.T) {
	f := newFixture(t, nil)

	out := f.engine.HandleDeposit(context.Background(), deposit("sig1", "A", 1_000_000_000))
	require.True(t, out.Success)
	assert.False(t, out.IntentMatched)
	assert.Equal(t, "1", out.Ratio)
	assert.Equal(t, uint64(1_000_000_000), out.Issued)

	evs := f.engine.Events()
	require.NotNil(t, evs[0].IntentMatched)
	assert.False(t, *evs[0].IntentMatched)
}

func TestIntentIsUsedOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.DeclareIntent("A", ratio("2"), 1000)
	require.NoError(t, err)

	first := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	second := f.engine.HandleDeposit(ctx, deposit("sig2", "A", 1000))

	assert.True(t, first.IntentMatched)
	assert.Equal(t, uint64(500), first.Issued)
	assert.False(t, second.IntentMatched)
	assert.Equal(t, uint64(1000), second.Issued)
}

func TestDuplicateNotificationMintsOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	second := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))

	assert.Equal(t, model.OutcomeCompleted, first.Status)
	assert.Equal(t, model.OutcomeDuplicate, second.Status)
	assert.True(t, second.Success)
	assert.Equal(t, "already claimed", second.Reason)
	assert.Equal(t, 1, f.chain.MintCalls)
	assert.Equal(t, uint64(1000), tokens(t, f.chain, "A"))
}

func TestConcurrentDuplicatesMintOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	outs := make([]model.SettlementOutcome, 20)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, o := range outs {
		if o.Status == model.OutcomeCompleted {
			completed++
		} else {
			assert.Equal(t, model.OutcomeDuplicate, o.Status)
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, f.chain.MintCalls)
}

func TestConcurrentDepositsFromOneSenderShareOneIntent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.DeclareIntent("A", ratio("1.25"), 1000)
	require.NoError(t, err)

	batch := make([]model.DepositNotification, 8)
	for i := range batch {
		batch[i] = deposit(fmt.Sprintf("sig%d", i), "A", 1000)
	}
	outs := f.engine.HandleBatch(ctx, batch)

	matched := 0
	for _, o := range outs {
		require.True(t, o.Success)
		if o.IntentMatched {
			matched++
			assert.Equal(t, uint64(800), o.Issued)
		} else {
			assert.Equal(t, uint64(1000), o.Issued)
		}
	}
	assert.Equal(t, 1, matched)
}

func TestNotRelevant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	elsewhere := model.DepositNotification{
		Signature:       "s1",
		NativeTransfers: []model.NativeTransfer{{Amount: 10, FromUserAccount: "A", ToUserAccount: "Other"}},
	}
	failed := deposit("s2", "A", 10)
	failed.TransactionError = []byte(`{"InstructionError":[0,"Custom"]}`)
	empty := model.DepositNotification{Signature: "s3"}

	for _, n := range []model.DepositNotification{elsewhere, failed, empty} {
		out := f.engine.HandleDeposit(ctx, n)
		assert.Equal(t, model.OutcomeNotRelevant, out.Status, n.Signature)
		assert.False(t, out.Success)
		assert.NotEmpty(t, out.Reason)
	}
	assert.Zero(t, f.chain.MintCalls)
	assert.Len(t, f.engine.Events(), 3, "every notification is received")
}

func TestMissingSignature(t *testing.T) {
	f := newFixture(t, nil)

	out := f.engine.HandleDeposit(context.Background(), deposit("", "A", 10))
	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Zero(t, f.chain.MintCalls)
}

func TestZeroIssuanceFails(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.DeclareIntent("A", ratio("3"), 10)
	require.NoError(t, err)

	out := f.engine.HandleDeposit(context.Background(), deposit("sig1", "A", 2))
	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Zero(t, f.chain.MintCalls)
}

func TestRejectedMintCanBeRedelivered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.DeclareIntent("A", ratio("1.25"), 2_000_000_000)
	require.NoError(t, err)

	f.chain.MintErr = fmt.Errorf("%w: blockhash not found", chain.ErrNotSubmitted)
	out := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 2_000_000_000))
	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Equal(t, model.EventFailed, f.engine.Events()[0].Kind)

	_, live := f.ledger.Get("A")
	assert.True(t, live, "intent restored")

	f.chain.MintErr = nil
	out = f.engine.HandleDeposit(ctx, deposit("sig1", "A", 2_000_000_000))
	require.Equal(t, model.OutcomeCompleted, out.Status)
	assert.True(t, out.IntentMatched)
	assert.Equal(t, uint64(1_600_000_000), out.Issued)
	assert.Zero(t, f.notifier.count())
}

func TestAmbiguousMintKeepsClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.chain.MintErr = errors.New("confirm: context deadline exceeded")
	out := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Equal(t, 1, f.notifier.count())

	f.chain.MintErr = nil
	out = f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	assert.Equal(t, model.OutcomeDuplicate, out.Status)
	assert.Equal(t, 1, f.chain.MintCalls, "second delivery does not mint")
}

func TestAmbiguousMintConsumesIntent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.DeclareIntent("A", ratio("2"), 1000)
	require.NoError(t, err)

	f.chain.MintErr = errors.New("confirm: context deadline exceeded")
	out := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	require.Equal(t, model.OutcomeFailed, out.Status)
	assert.True(t, out.IntentMatched)

	_, live := f.ledger.Get("A")
	assert.False(t, live, "intent stays consumed by the unresolved deposit")
	require.Equal(t, 1, f.notifier.count())
	assert.Contains(t, f.notifier.msgs[0], "ratio 2")

	f.chain.MintErr = nil
	out = f.engine.HandleDeposit(ctx, deposit("sig2", "A", 1000))
	require.Equal(t, model.OutcomeCompleted, out.Status)
	assert.False(t, out.IntentMatched)
	assert.Equal(t, "1", out.Ratio)
	assert.Equal(t, uint64(1000), out.Issued)
}

func TestJournalRemembersAcrossRestart(t *testing.T) {
	db, err := database.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	f := newFixture(t, db)
	require.Equal(t, model.OutcomeCompleted, f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000)).Status)

	rec, err := db.GetSettlement("sig1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), rec.Issued)

	restarted := newFixture(t, db)
	out := restarted.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	assert.Equal(t, model.OutcomeDuplicate, out.Status)
	assert.Zero(t, restarted.chain.MintCalls)
}

func TestJournalErrorReleasesClaim(t *testing.T) {
	j := &fakeJournal{settled: map[string]bool{}, err: errors.New("disk I/O error")}
	f := newFixture(t, j)
	ctx := context.Background()

	out := f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Zero(t, f.chain.MintCalls)

	j.err = nil
	out = f.engine.HandleDeposit(ctx, deposit("sig1", "A", 1000))
	assert.Equal(t, model.OutcomeCompleted, out.Status)
	assert.True(t, j.settled["sig1"])
}

func TestHandleBatchKeepsOrder(t *testing.T) {
	f := newFixture(t, nil)

	batch := []model.DepositNotification{
		deposit("a", "A", 10),
		{Signature: "b"},
		deposit("c", "C", 30),
		deposit("a", "A", 10),
	}
	outs := f.engine.HandleBatch(context.Background(), batch)
	require.Len(t, outs, 4)
	assert.Equal(t, "a", outs[0].Signature)
	assert.Equal(t, model.OutcomeNotRelevant, outs[1].Status)
	assert.Equal(t, uint64(30), outs[2].Issued)
	assert.Contains(t, []model.OutcomeStatus{model.OutcomeCompleted, model.OutcomeDuplicate}, outs[3].Status)
	assert.Equal(t, 2, f.chain.MintCalls)
}

func TestDeclareIntentValidates(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.DeclareIntent("A", decimal.Zero, 10)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.engine.DeclareIntent("", ratio("1"), 10)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.Empty(t, f.engine.PendingIntents())
}

func TestClearEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.HandleDeposit(context.Background(), deposit("sig1", "A", 10))
	require.NotEmpty(t, f.engine.Events())

	f.engine.ClearEvents()
	assert.Empty(t, f.engine.Events())
}

func TestDeclaredDepositEndToEnd(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.DeclareIntent("W1", ratio("1.2"), 3_000_000_000)
	require.NoError(t, err)
	f.engine.HandleBatch(context.Background(), []model.DepositNotification{deposit("e2e", "W1", 3_000_000_000)})

	completed := 0
	for _, ev := range f.engine.Events() {
		if ev.Kind == model.EventCompleted {
			completed++
			assert.Equal(t, uint64(2_500_000_000), ev.Issued)
			assert.Equal(t, "W1", ev.Recipient)
		}
	}
	assert.Equal(t, 1, completed)
	_, live := f.ledger.Get("W1")
	assert.False(t, live)
}
