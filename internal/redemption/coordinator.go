// Package redemption exchanges derivative tokens back for the native asset
// in two phases: the holder signs and submits a burn, then the platform
// verifies that burn on chain and pays out.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lstapp/internal/chain"
	"lstapp/internal/events"
	"lstapp/internal/guard"
	"lstapp/internal/metrics"
	"lstapp/internal/model"
	"lstapp/internal/notify"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultFeeReserve is kept on the platform wallet to pay transaction fees.
	DefaultFeeReserve uint64 = 5_000_000
	spentCapacity            = 10000
)

// Journal persists redemptions keyed by burn signature.
type Journal interface {
	ClaimRedemption(rec model.RedemptionRecord) (bool, error)
	UpdateRedemption(burnSignature, state, payoutTx, errText string) error
	ReleaseRedemption(burnSignature string) error
}

type Config struct {
	FeeReserve uint64
}

type Deps struct {
	Chain    chain.Client
	Log      *events.Log
	Journal  Journal
	Notifier notify.Notifier
	Logger   *logrus.Logger
}

type Coordinator struct {
	cfg      Config
	chain    chain.Client
	log      *events.Log
	journal  Journal
	notifier notify.Notifier
	logger   *logrus.Logger
	spent    *guard.Set
	holders  *guard.KeyLock
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.FeeReserve == 0 {
		cfg.FeeReserve = DefaultFeeReserve
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{Logger: deps.Logger}
	}
	return &Coordinator{
		cfg:      cfg,
		chain:    deps.Chain,
		log:      deps.Log,
		journal:  deps.Journal,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		spent:    guard.NewSet(spentCapacity),
		holders:  guard.NewKeyLock(),
	}
}

// Balance returns the holder's token balance. A missing token account is a
// zero balance, not an error.
func (c *Coordinator) Balance(ctx context.Context, holder string) (*model.TokenBalance, error) {
	if holder == "" {
		return nil, fmt.Errorf("%w: wallet address is required", model.ErrInvalidArgument)
	}
	ata, err := c.chain.TokenAccount(holder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	bal, err := c.chain.TokenBalance(ctx, holder)
	if errors.Is(err, chain.ErrAccountNotFound) {
		return &model.TokenBalance{TokenAddress: ata, Note: "no token account found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}
	return &model.TokenBalance{Balance: bal, TokenAddress: ata}, nil
}

// PrepareBurn checks the holder's balance and builds the unsigned burn
// transaction. The returned payout figure is advisory; ConfirmBurnAndPay
// recomputes it.
func (c *Coordinator) PrepareBurn(ctx context.Context, holder string, tokenAmount uint64, ratio decimal.Decimal) (*model.BurnPlan, error) {
	if holder == "" {
		return nil, fmt.Errorf("%w: wallet address is required", model.ErrInvalidArgument)
	}
	if err := model.ValidateAmountRatio(tokenAmount, ratio); err != nil {
		return nil, err
	}

	r := &request{holder: holder, tokenAmount: tokenAmount, ratio: ratio, state: StateRequested}
	entry := c.entry(ctx, r)

	timer := time.Now()
	bal, err := c.chain.TokenBalance(ctx, holder)
	metrics.ChainCallDuration.WithLabelValues("token_balance").Observe(time.Since(timer).Seconds())
	switch {
	case errors.Is(err, chain.ErrAccountNotFound):
		return nil, c.fail(ctx, entry, r, "prepare", ErrNoTokenAccount)
	case errors.Is(err, chain.ErrInvalidAddress):
		return nil, c.fail(ctx, entry, r, "prepare", fmt.Errorf("%w: %v", model.ErrInvalidArgument, err))
	case err != nil:
		return nil, c.fail(ctx, entry, r, "prepare", fmt.Errorf("read token balance: %w", err))
	}
	if bal < tokenAmount {
		return nil, c.fail(ctx, entry, r, "prepare", &InsufficientBalanceError{Required: tokenAmount, Available: bal})
	}

	sol, err := model.ApplyRatio(tokenAmount, ratio)
	if err != nil {
		return nil, c.fail(ctx, entry, r, "prepare", err)
	}
	r.solAmount = sol

	tx, err := c.chain.BuildBurn(ctx, holder, tokenAmount)
	if err != nil {
		return nil, c.fail(ctx, entry, r, "prepare", fmt.Errorf("build burn transaction: %w", err))
	}
	if err := r.advance(StateBurnPrepared); err != nil {
		return nil, err
	}

	c.log.Append(model.Event{
		Kind:      model.EventProcessing,
		Flow:      model.FlowUnstake,
		RequestID: model.RequestID(ctx),
		Amount:    tokenAmount,
		Recipient: holder,
		Ratio:     ratio.String(),
		Data:      map[string]interface{}{"phase": "prepare", "state": string(r.state), "solToReceive": sol},
	})
	metrics.Redemptions.WithLabelValues("prepare", "ok").Inc()
	entry.WithField("sol", sol).Info("burn transaction prepared")

	return &model.BurnPlan{
		Transaction:  tx.Encoded,
		TokenAccount: tx.TokenAccount,
		RsolToBurn:   tokenAmount,
		SolToReceive: sol,
		Ratio:        ratio.String(),
	}, nil
}

// ConfirmBurnAndPay verifies burnSig on chain and pays floor(tokenAmount /
// ratio) to holder. No payout is attempted unless the burn is confirmed.
//
// A transfer that fails ambiguously after verification leaves tokens burned
// and nothing paid. That redemption stays journaled as failed and the
// operator is alerted; there is no automatic reconciliation.
func (c *Coordinator) ConfirmBurnAndPay(ctx context.Context, holder, burnSig string, tokenAmount uint64, ratio decimal.Decimal) (*model.PayoutResult, error) {
	if holder == "" || burnSig == "" {
		return nil, fmt.Errorf("%w: wallet address and burn signature are required", model.ErrInvalidArgument)
	}
	if err := model.ValidateAmountRatio(tokenAmount, ratio); err != nil {
		return nil, err
	}

	unlock := c.holders.Lock(holder)
	defer unlock()

	r := &request{holder: holder, burnSig: burnSig, tokenAmount: tokenAmount, ratio: ratio, state: StateBurnSubmitted}
	entry := c.entry(ctx, r)

	if c.spent.Contains(burnSig) {
		return nil, c.fail(ctx, entry, r, "confirm", ErrAlreadyRedeemed)
	}

	if err := c.verifyBurn(ctx, r); err != nil {
		return nil, c.fail(ctx, entry, r, "confirm", err)
	}
	if err := r.advance(StateBurnVerified); err != nil {
		return nil, err
	}
	entry.Info("burn transaction verified")

	sol, err := model.ApplyRatio(tokenAmount, ratio)
	if err == nil && sol == 0 {
		err = fmt.Errorf("%w: %d tokens at ratio %s pays nothing", model.ErrInvalidArgument, tokenAmount, ratio)
	}
	if err != nil {
		return nil, c.fail(ctx, entry, r, "confirm", err)
	}
	r.solAmount = sol

	timer := time.Now()
	platformBal, err := c.chain.NativeBalance(ctx, c.chain.PlatformAddress())
	metrics.ChainCallDuration.WithLabelValues("native_balance").Observe(time.Since(timer).Seconds())
	if err != nil {
		return nil, c.fail(ctx, entry, r, "confirm", fmt.Errorf("%w: read platform balance: %v", ErrChainUnavailable, err))
	}
	if platformBal < sol+c.cfg.FeeReserve {
		entry.WithField("platform_balance", platformBal).Warn("platform balance below payout plus fee reserve")
		return nil, c.fail(ctx, entry, r, "confirm", ErrInsufficientPlatformFunds)
	}

	if err := c.claim(r); err != nil {
		return nil, c.fail(ctx, entry, r, "confirm", err)
	}

	timer = time.Now()
	payoutTx, err := c.chain.Transfer(ctx, holder, sol)
	metrics.ChainCallDuration.WithLabelValues("transfer").Observe(time.Since(timer).Seconds())
	if err != nil {
		return nil, c.fail(ctx, entry, r, "confirm", c.payoutFailed(ctx, entry, r, err))
	}

	if err := r.advance(StatePayoutSent); err != nil {
		return nil, err
	}
	c.journalUpdate(entry, r, payoutTx, "")
	if err := r.advance(StateCompleted); err != nil {
		return nil, err
	}
	c.journalUpdate(entry, r, payoutTx, "")

	metrics.LamportsPaidOut.Add(float64(sol))
	metrics.Redemptions.WithLabelValues("confirm", "ok").Inc()
	c.log.Append(model.Event{
		Kind:      model.EventCompleted,
		Flow:      model.FlowUnstake,
		Signature: burnSig,
		RequestID: model.RequestID(ctx),
		Amount:    tokenAmount,
		Recipient: holder,
		PayoutTx:  payoutTx,
		Ratio:     ratio.String(),
		Data:      map[string]interface{}{"phase": "confirm", "solReturned": sol},
	})
	entry.WithFields(logrus.Fields{"sol": sol, "payout_tx": payoutTx}).Info("redemption completed")

	return &model.PayoutResult{
		BurnTxSignature:     burnSig,
		TransferTxSignature: payoutTx,
		RsolBurned:          tokenAmount,
		SolReturned:         sol,
		Ratio:               ratio.String(),
	}, nil
}

// verifyBurn is the gate in front of every payout.
func (c *Coordinator) verifyBurn(ctx context.Context, r *request) error {
	timer := time.Now()
	info, err := c.chain.Transaction(ctx, r.burnSig)
	metrics.ChainCallDuration.WithLabelValues("get_transaction").Observe(time.Since(timer).Seconds())
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		return ErrBurnNotFound
	case errors.Is(err, chain.ErrInvalidAddress):
		return fmt.Errorf("%w: %v", ErrBurnNotFound, err)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrBurnUnverifiable, err)
	}
	if !info.Succeeded {
		return fmt.Errorf("%w: %s", ErrBurnFailed, info.Err)
	}
	if burned := info.TokenBurned[r.holder]; burned < r.tokenAmount {
		return fmt.Errorf("%w: burned %d, requested %d", ErrBurnMismatch, burned, r.tokenAmount)
	}
	return nil
}

// claim marks the burn as spent in memory and in the journal.
func (c *Coordinator) claim(r *request) error {
	if !c.spent.Claim(r.burnSig) {
		return ErrAlreadyRedeemed
	}
	if c.journal == nil {
		return nil
	}
	ok, err := c.journal.ClaimRedemption(model.RedemptionRecord{
		BurnSignature: r.burnSig,
		Holder:        r.holder,
		TokenAmount:   r.tokenAmount,
		SolAmount:     r.solAmount,
		Ratio:         r.ratio.String(),
		State:         string(r.state),
	})
	if err != nil {
		c.spent.Release(r.burnSig)
		return fmt.Errorf("%w: journal: %v", ErrBurnUnverifiable, err)
	}
	if !ok {
		return ErrAlreadyRedeemed
	}
	return nil
}

func (c *Coordinator) payoutFailed(ctx context.Context, entry *logrus.Entry, r *request, err error) error {
	pe := &PayoutError{BurnSignature: r.burnSig, Err: err}
	if errors.Is(err, chain.ErrNotSubmitted) {
		pe.Released = true
		c.spent.Release(r.burnSig)
		if c.journal != nil {
			if jerr := c.journal.ReleaseRedemption(r.burnSig); jerr != nil {
				entry.WithError(jerr).Error("failed to release redemption claim")
			}
		}
		return pe
	}

	r.state = StateFailed
	c.journalUpdate(entry, r, "", err.Error())
	msg := fmt.Sprintf("burn %s verified for %s but payout of %d lamports failed: %v", r.burnSig, r.holder, r.solAmount, err)
	if nerr := c.notifier.Notify(ctx, msg); nerr != nil {
		entry.WithError(nerr).Warn("operator alert failed")
	}
	return pe
}

func (c *Coordinator) journalUpdate(entry *logrus.Entry, r *request, payoutTx, errText string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.UpdateRedemption(r.burnSig, string(r.state), payoutTx, errText); err != nil {
		entry.WithError(err).WithField("state", r.state).Error("failed to journal redemption state")
	}
}

// fail moves r to failed, records the failure and returns err unchanged.
func (c *Coordinator) fail(ctx context.Context, entry *logrus.Entry, r *request, phase string, err error) error {
	r.state = StateFailed
	result := "error"
	if Retryable(err) {
		result = "retryable"
	}
	metrics.Redemptions.WithLabelValues(phase, result).Inc()
	entry.WithError(err).WithField("phase", phase).Warn("redemption phase failed")
	c.log.Append(model.Event{
		Kind:      model.EventFailed,
		Flow:      model.FlowUnstake,
		Signature: r.burnSig,
		RequestID: model.RequestID(ctx),
		Amount:    r.tokenAmount,
		Recipient: r.holder,
		Ratio:     r.ratio.String(),
		Error:     err.Error(),
		Data:      map[string]interface{}{"phase": phase, "retryable": Retryable(err)},
	})
	return err
}

func (c *Coordinator) entry(ctx context.Context, r *request) *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{
		"holder":     r.holder,
		"burn_tx":    r.burnSig,
		"rsol":       r.tokenAmount,
		"ratio":      r.ratio.String(),
		"request_id": model.RequestID(ctx),
	})
}
