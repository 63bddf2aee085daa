// Package chain defines what settlement and redemption need from a ledger:
// balance lookups, platform-signed mint and transfer, a burn builder for the
// holder to sign, and transaction lookup by signature.
package chain

import (
	"context"
	"errors"
)

var (
	// ErrAccountNotFound means the address has no token account for the platform mint.
	ErrAccountNotFound = errors.New("account not found")
	// ErrTxNotFound means no transaction is known under the signature.
	ErrTxNotFound = errors.New("transaction not found")
	// ErrNotSubmitted means the transaction was rejected before it could land,
	// so retrying with a fresh transaction cannot double apply.
	ErrNotSubmitted = errors.New("transaction not submitted")
	// ErrInvalidAddress means an address or signature could not be parsed.
	ErrInvalidAddress = errors.New("invalid address")
)

// UnsignedTx is a serialized transaction awaiting the holder's signature.
type UnsignedTx struct {
	Encoded      string
	TokenAccount string
	Blockhash    string
}

// TxInfo is the on-chain outcome of a transaction.
type TxInfo struct {
	Signature string
	Succeeded bool
	Err       string
	// TokenBurned is the reduction of each owner's platform-token balance.
	TokenBurned map[string]uint64
}

// Client is the chain collaborator. Every call is a suspension point.
type Client interface {
	PlatformAddress() string
	NativeBalance(ctx context.Context, address string) (uint64, error)
	TokenBalance(ctx context.Context, owner string) (uint64, error)
	TokenAccount(owner string) (string, error)
	MintTo(ctx context.Context, owner string, amount uint64) (string, error)
	BuildBurn(ctx context.Context, owner string, amount uint64) (*UnsignedTx, error)
	Transaction(ctx context.Context, signature string) (*TxInfo, error)
	Transfer(ctx context.Context, to string, lamports uint64) (string, error)
}
