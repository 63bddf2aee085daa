// Package settlement turns deposit notifications into token issuance,
// at most once per deposit signature, using the ratio the depositor declared
// beforehand.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lstapp/internal/chain"
	"lstapp/internal/events"
	"lstapp/internal/guard"
	"lstapp/internal/intent"
	"lstapp/internal/metrics"
	"lstapp/internal/model"
	"lstapp/internal/notify"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultDedupCapacity bounds how many settled signatures are remembered in memory.
const DefaultDedupCapacity = 10000

// Journal persists settled deposits so a restart does not forget them.
type Journal interface {
	HasSettlement(signature string) (bool, error)
	RecordSettlement(rec model.SettlementRecord) error
}

type Config struct {
	// DefaultRatio applies when a deposit arrives without a live intent.
	DefaultRatio     decimal.Decimal
	DedupCapacity    int
	BatchConcurrency int
}

type Deps struct {
	Ledger   *intent.Ledger
	Log      *events.Log
	Chain    chain.Client
	Journal  Journal
	Notifier notify.Notifier
	Logger   *logrus.Logger
}

// Engine correlates deposits with intents and drives minting.
type Engine struct {
	cfg      Config
	ledger   *intent.Ledger
	log      *events.Log
	chain    chain.Client
	journal  Journal
	notifier notify.Notifier
	logger   *logrus.Logger
	seen     *guard.Set
	senders  *guard.KeyLock
	now      func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	if !cfg.DefaultRatio.IsPositive() {
		cfg.DefaultRatio = decimal.NewFromInt(1)
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultDedupCapacity
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{Logger: deps.Logger}
	}
	return &Engine{
		cfg:      cfg,
		ledger:   deps.Ledger,
		log:      deps.Log,
		chain:    deps.Chain,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		seen:     guard.NewSet(cfg.DedupCapacity),
		senders:  guard.NewKeyLock(),
		now:      time.Now,
	}
}

// DeclareIntent records the ratio address expects for its next deposit,
// replacing any earlier declaration. Nothing is written to the event log.
func (e *Engine) DeclareIntent(address string, ratio decimal.Decimal, solAmount uint64) (model.Intent, error) {
	in, err := e.ledger.Put(address, ratio, solAmount)
	if err != nil {
		return model.Intent{}, err
	}
	metrics.PendingIntents.Set(float64(e.ledger.Sweep()))
	e.logger.WithFields(logrus.Fields{
		"wallet":   address,
		"ratio":    ratio.String(),
		"sol":      solAmount,
		"expected": in.ExpectedIssuance,
	}).Info("stake intent stored")
	return in, nil
}

// PendingIntents lists live intents.
func (e *Engine) PendingIntents() []model.Intent {
	return e.ledger.Pending()
}

func (e *Engine) Events() []model.Event {
	return e.log.Events()
}

func (e *Engine) ClearEvents() {
	e.log.Clear()
}

// HandleBatch settles every notification of one webhook delivery. Outcomes
// keep the input order. Notifications from the same sender serialize on the
// sender lock, others run in parallel up to BatchConcurrency.
func (e *Engine) HandleBatch(ctx context.Context, batch []model.DepositNotification) []model.SettlementOutcome {
	out := make([]model.SettlementOutcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for i := range batch {
		i := i
		g.Go(func() error {
			out[i] = e.HandleDeposit(gctx, batch[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// HandleDeposit settles one notification.
func (e *Engine) HandleDeposit(ctx context.Context, n model.DepositNotification) model.SettlementOutcome {
	start := e.now()
	reqID := model.RequestID(ctx)
	entry := e.logger.WithFields(logrus.Fields{"signature": n.Signature, "request_id": reqID})

	e.log.Append(model.Event{
		Kind:      model.EventReceived,
		Flow:      model.FlowStake,
		Signature: n.Signature,
		RequestID: reqID,
		Data:      map[string]interface{}{"nativeTransfers": len(n.NativeTransfers)},
	})

	if n.Signature == "" {
		entry.Warn("deposit notification without signature")
		return e.outcome(model.SettlementOutcome{
			Status: model.OutcomeFailed,
			Reason: "missing transaction signature",
			Error:  "missing transaction signature",
		})
	}

	transfer, reason := e.relevantTransfer(n)
	if transfer == nil {
		entry.WithField("reason", reason).Debug("deposit not relevant")
		return e.outcome(model.SettlementOutcome{
			Status:    model.OutcomeNotRelevant,
			Signature: n.Signature,
			Reason:    reason,
		})
	}

	entry = entry.WithFields(logrus.Fields{"sender": transfer.FromUserAccount, "lamports": transfer.Amount})

	if dup, err := e.claim(n.Signature); err != nil {
		entry.WithError(err).Error("settlement journal unavailable")
		e.appendFailed(n.Signature, reqID, transfer, "", nil, err, start)
		return e.outcome(model.SettlementOutcome{
			Status:    model.OutcomeFailed,
			Signature: n.Signature,
			SolAmount: transfer.Amount,
			Recipient: transfer.FromUserAccount,
			Error:     err.Error(),
		})
	} else if dup {
		entry.Info("duplicate deposit notification ignored")
		return e.outcome(model.SettlementOutcome{
			Success:   true,
			Status:    model.OutcomeDuplicate,
			Signature: n.Signature,
			Reason:    "already claimed",
			SolAmount: transfer.Amount,
			Recipient: transfer.FromUserAccount,
		})
	}

	unlock := e.senders.Lock(transfer.FromUserAccount)
	defer unlock()

	e.log.Append(model.Event{
		Kind:      model.EventProcessing,
		Flow:      model.FlowStake,
		Signature: n.Signature,
		RequestID: reqID,
		Amount:    transfer.Amount,
		Recipient: transfer.FromUserAccount,
	})

	in, matched := e.ledger.Take(transfer.FromUserAccount)
	metrics.PendingIntents.Set(float64(e.ledger.Sweep()))
	ratio := e.cfg.DefaultRatio
	if matched {
		ratio = in.Ratio
	} else {
		metrics.IntentFallbacks.Inc()
		entry.WithField("default_ratio", ratio.String()).Warn("no live stake intent, settling at default ratio")
	}
	entry = entry.WithFields(logrus.Fields{"ratio": ratio.String(), "intent_matched": matched})

	issued, err := model.ApplyRatio(transfer.Amount, ratio)
	if err == nil && issued == 0 {
		err = fmt.Errorf("%w: %d lamports at ratio %s issues nothing", model.ErrInvalidArgument, transfer.Amount, ratio)
	}
	if err != nil {
		return e.mintFailed(ctx, entry, n.Signature, reqID, transfer, ratio, in, matched, err, true, start)
	}

	timer := time.Now()
	mintTx, err := e.chain.MintTo(ctx, transfer.FromUserAccount, issued)
	metrics.ChainCallDuration.WithLabelValues("mint").Observe(time.Since(timer).Seconds())
	if err != nil {
		return e.mintFailed(ctx, entry, n.Signature, reqID, transfer, ratio, in, matched, err, errors.Is(err, chain.ErrNotSubmitted), start)
	}

	metrics.TokensMinted.Add(float64(issued))
	entry = entry.WithFields(logrus.Fields{"issued": issued, "mint_tx": mintTx})

	if e.journal != nil {
		rec := model.SettlementRecord{
			Signature: n.Signature,
			Sender:    transfer.FromUserAccount,
			SolAmount: transfer.Amount,
			Ratio:     ratio.String(),
			Issued:    issued,
			MintTx:    mintTx,
			CreatedAt: e.now(),
		}
		if err := e.journal.RecordSettlement(rec); err != nil {
			entry.WithError(err).Error("minted but failed to journal settlement")
			e.alert(ctx, fmt.Sprintf("deposit %s minted (%s) but journal write failed: %v", n.Signature, mintTx, err))
		}
	}

	e.log.Append(model.Event{
		Kind:             model.EventCompleted,
		Flow:             model.FlowStake,
		Signature:        n.Signature,
		RequestID:        reqID,
		Amount:           transfer.Amount,
		Recipient:        transfer.FromUserAccount,
		MintTx:           mintTx,
		Issued:           issued,
		Ratio:            ratio.String(),
		IntentMatched:    &matched,
		ProcessingTimeMs: e.now().Sub(start).Milliseconds(),
	})
	entry.Info("deposit settled")

	return e.outcome(model.SettlementOutcome{
		Success:       true,
		Status:        model.OutcomeCompleted,
		Signature:     n.Signature,
		SolAmount:     transfer.Amount,
		Recipient:     transfer.FromUserAccount,
		Ratio:         ratio.String(),
		Issued:        issued,
		MintTx:        mintTx,
		IntentMatched: matched,
	})
}

// relevantTransfer finds the first positive transfer into the platform address.
func (e *Engine) relevantTransfer(n model.DepositNotification) (*model.NativeTransfer, string) {
	if n.Failed() {
		return nil, "transaction failed on chain"
	}
	if len(n.NativeTransfers) == 0 {
		return nil, "no native transfers"
	}
	platform := e.chain.PlatformAddress()
	for i := range n.NativeTransfers {
		t := n.NativeTransfers[i]
		if t.ToUserAccount == platform && t.Amount > 0 && t.FromUserAccount != "" {
			return &t, ""
		}
	}
	return nil, "not relevant to platform wallet"
}

// claim reports whether signature was settled before, claiming it otherwise.
func (e *Engine) claim(signature string) (bool, error) {
	if !e.seen.Claim(signature) {
		return true, nil
	}
	if e.journal == nil {
		return false, nil
	}
	settled, err := e.journal.HasSettlement(signature)
	if err != nil {
		e.seen.Release(signature)
		return false, fmt.Errorf("check settlement journal: %w", err)
	}
	return settled, nil
}

// mintFailed records a terminal failure for this invocation. Only when nothing
// can have been minted is the dedup claim released and the intent put back, so
// a redelivery settles at the declared ratio. An ambiguous failure leaves the
// intent consumed for this deposit and hands its ratio to the operator.
func (e *Engine) mintFailed(ctx context.Context, entry *logrus.Entry, sig, reqID string, t *model.NativeTransfer,
	ratio decimal.Decimal, in model.Intent, matched bool, err error, release bool, start time.Time) model.SettlementOutcome {
	if release {
		e.seen.Release(sig)
		if matched {
			e.ledger.Restore(in)
			metrics.PendingIntents.Set(float64(e.ledger.Sweep()))
		}
	} else {
		e.alert(ctx, fmt.Sprintf("mint for deposit %s (%d lamports from %s at ratio %s, intent matched %t) failed ambiguously: %v",
			sig, t.Amount, t.FromUserAccount, ratio, matched, err))
	}
	entry.WithError(err).WithField("retryable", release).Error("failed to mint derivative tokens")
	e.appendFailed(sig, reqID, t, ratio.String(), &matched, err, start)

	return e.outcome(model.SettlementOutcome{
		Status:        model.OutcomeFailed,
		Signature:     sig,
		SolAmount:     t.Amount,
		Recipient:     t.FromUserAccount,
		Ratio:         ratio.String(),
		IntentMatched: matched,
		Error:         err.Error(),
	})
}

func (e *Engine) appendFailed(sig, reqID string, t *model.NativeTransfer, ratio string, matched *bool, err error, start time.Time) {
	e.log.Append(model.Event{
		Kind:             model.EventFailed,
		Flow:             model.FlowStake,
		Signature:        sig,
		RequestID:        reqID,
		Amount:           t.Amount,
		Recipient:        t.FromUserAccount,
		Ratio:            ratio,
		IntentMatched:    matched,
		Error:            err.Error(),
		ProcessingTimeMs: e.now().Sub(start).Milliseconds(),
	})
}

func (e *Engine) alert(ctx context.Context, text string) {
	if err := e.notifier.Notify(ctx, text); err != nil {
		e.logger.WithError(err).Warn("operator alert failed")
	}
}

func (e *Engine) outcome(o model.SettlementOutcome) model.SettlementOutcome {
	metrics.SettlementOutcomes.WithLabelValues(string(o.Status)).Inc()
	return o
}
