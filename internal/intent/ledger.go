// Package intent holds pending stake declarations keyed by depositor address.
package intent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"lstapp/internal/model"

	"github.com/shopspring/decimal"
)

// DefaultTTL is how long a declaration stays live if no deposit consumes it.
const DefaultTTL = 10 * time.Minute

// Ledger is a mutex-guarded map of at most one live intent per address.
// Expiry is evaluated passively on every read and write.
type Ledger struct {
	mu      sync.Mutex
	intents map[string]model.Intent
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithClock replaces time.Now, used by tests to simulate the expiry window.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		intents: make(map[string]model.Intent),
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Put declares an intent for address, replacing any live one.
func (l *Ledger) Put(address string, ratio decimal.Decimal, solAmount uint64) (model.Intent, error) {
	if address == "" {
		return model.Intent{}, fmt.Errorf("%w: wallet address is required", model.ErrInvalidArgument)
	}
	if err := model.ValidateAmountRatio(solAmount, ratio); err != nil {
		return model.Intent{}, err
	}
	expected, err := model.ApplyRatio(solAmount, ratio)
	if err != nil {
		return model.Intent{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	in := model.Intent{
		WalletAddress:    address,
		Ratio:            ratio,
		SolAmount:        solAmount,
		ExpectedIssuance: expected,
		CreatedAt:        now,
	}
	l.intents[address] = in
	l.sweepLocked(now)
	return in, nil
}

// Take returns the live intent for address and removes it in the same
// critical section, so two concurrent deposits cannot both observe it.
func (l *Ledger) Take(address string) (model.Intent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	in, ok := l.intents[address]
	if !ok {
		return model.Intent{}, false
	}
	delete(l.intents, address)
	if l.expired(in, l.now()) {
		return model.Intent{}, false
	}
	return in, true
}

// Get returns the live intent for address without consuming it.
func (l *Ledger) Get(address string) (model.Intent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	in, ok := l.intents[address]
	if !ok {
		return model.Intent{}, false
	}
	if l.expired(in, l.now()) {
		delete(l.intents, address)
		return model.Intent{}, false
	}
	return in, true
}

// Restore puts back an intent taken by a settlement that did not mint. A
// newer declaration for the same address wins, and the original creation
// time is kept so the expiry window does not restart.
func (l *Ledger) Restore(in model.Intent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.intents[in.WalletAddress]; ok {
		return false
	}
	if l.expired(in, l.now()) {
		return false
	}
	l.intents[in.WalletAddress] = in
	return true
}

// Pending lists every live intent ordered by creation time.
func (l *Ledger) Pending() []model.Intent {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(l.now())
	out := make([]model.Intent, 0, len(l.intents))
	for _, in := range l.intents {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep drops expired intents and reports how many are still live.
func (l *Ledger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(l.now())
	return len(l.intents)
}

func (l *Ledger) sweepLocked(now time.Time) {
	for addr, in := range l.intents {
		if l.expired(in, now) {
			delete(l.intents, addr)
		}
	}
}

func (l *Ledger) expired(in model.Intent, now time.Time) bool {
	return now.Sub(in.CreatedAt) > l.ttl
}
