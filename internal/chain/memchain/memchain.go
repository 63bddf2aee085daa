// Package memchain is an in-process ledger implementing chain.Client. It
// backs the memory chain mode used for local runs and every package test.
package memchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"lstapp/internal/chain"

	"github.com/google/uuid"
)

type burnPayload struct {
	Owner     string `json:"owner"`
	Amount    uint64 `json:"amount"`
	Blockhash string `json:"blockhash"`
}

// Ledger holds native balances, token balances and transactions in memory.
type Ledger struct {
	mu       sync.Mutex
	platform string
	native   map[string]uint64
	tokens   map[string]uint64
	txs      map[string]*chain.TxInfo

	// Fault injection, consulted once per call.
	MintErr     error
	TransferErr error
	LookupErr   error
	BalanceErr  error

	MintCalls     int
	TransferCalls int
}

var _ chain.Client = (*Ledger)(nil)

func New(platform string) *Ledger {
	return &Ledger{
		platform: platform,
		native:   make(map[string]uint64),
		tokens:   make(map[string]uint64),
		txs:      make(map[string]*chain.TxInfo),
	}
}

func (l *Ledger) PlatformAddress() string { return l.platform }

// Fund credits lamports to address.
func (l *Ledger) Fund(address string, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[address] += lamports
}

// Credit gives owner tokens, opening the token account if needed.
func (l *Ledger) Credit(owner string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[owner] += amount
}

// OpenTokenAccount creates an empty token account for owner.
func (l *Ledger) OpenTokenAccount(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[owner]; !ok {
		l.tokens[owner] = 0
	}
}

// Record stores an arbitrary transaction outcome, e.g. a failed burn.
func (l *Ledger) Record(info chain.TxInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[info.Signature] = &info
}

func (l *Ledger) NativeBalance(_ context.Context, address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.BalanceErr; err != nil {
		l.BalanceErr = nil
		return 0, err
	}
	return l.native[address], nil
}

func (l *Ledger) TokenBalance(_ context.Context, owner string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.tokens[owner]
	if !ok {
		return 0, chain.ErrAccountNotFound
	}
	return bal, nil
}

func (l *Ledger) TokenAccount(owner string) (string, error) {
	if owner == "" {
		return "", chain.ErrInvalidAddress
	}
	return "ata-" + owner, nil
}

func (l *Ledger) MintTo(_ context.Context, owner string, amount uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.MintCalls++
	if err := l.MintErr; err != nil {
		return "", err
	}
	l.tokens[owner] += amount
	return l.recordLocked(true, nil), nil
}

func (l *Ledger) BuildBurn(_ context.Context, owner string, amount uint64) (*chain.UnsignedTx, error) {
	ata, err := l.TokenAccount(owner)
	if err != nil {
		return nil, err
	}
	bh := uuid.NewString()
	raw, err := json.Marshal(burnPayload{Owner: owner, Amount: amount, Blockhash: bh})
	if err != nil {
		return nil, err
	}
	return &chain.UnsignedTx{
		Encoded:      base64.StdEncoding.EncodeToString(raw),
		TokenAccount: ata,
		Blockhash:    bh,
	}, nil
}

// SubmitBurn plays the holder: it decodes a transaction produced by
// BuildBurn and executes it. A burn exceeding the balance is recorded as a
// failed transaction, the way the on-chain instruction would fail.
func (l *Ledger) SubmitBurn(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode burn: %w", err)
	}
	var p burnPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode burn: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.tokens[p.Owner]
	if !ok || bal < p.Amount {
		return l.recordLocked(false, nil), nil
	}
	l.tokens[p.Owner] = bal - p.Amount
	return l.recordLocked(true, map[string]uint64{p.Owner: p.Amount}), nil
}

func (l *Ledger) Transaction(_ context.Context, signature string) (*chain.TxInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.LookupErr; err != nil {
		return nil, err
	}
	info, ok := l.txs[signature]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *info
	return &cp, nil
}

func (l *Ledger) Transfer(_ context.Context, to string, lamports uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.TransferCalls++
	if err := l.TransferErr; err != nil {
		return "", err
	}
	if l.native[l.platform] < lamports {
		return "", fmt.Errorf("%w: platform balance too low", chain.ErrNotSubmitted)
	}
	l.native[l.platform] -= lamports
	l.native[to] += lamports
	return l.recordLocked(true, nil), nil
}

func (l *Ledger) recordLocked(ok bool, burned map[string]uint64) string {
	sig := uuid.NewString()
	info := &chain.TxInfo{Signature: sig, Succeeded: ok, TokenBurned: burned}
	if !ok {
		info.Err = "instruction error: insufficient funds"
	}
	l.txs[sig] = info
	return sig
}
