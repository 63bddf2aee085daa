// Package solana implements chain.Client against a Solana JSON-RPC node.
package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lstapp/internal/chain"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTokenProgram = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"

	instructionMintTo byte = 7
	instructionBurn   byte = 8
	// CreateIdempotent on the associated token account program.
	instructionCreateATA byte = 1
)

type Config struct {
	Endpoint       string
	AuthorityKey   string
	Mint           string
	TokenProgram   string
	Commitment     string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type Client struct {
	rpc          *rpc.Client
	authority    sol.PrivateKey
	mint         sol.PublicKey
	tokenProgram sol.PublicKey
	commitment   rpc.CommitmentType
	timeout      time.Duration
	poll         time.Duration
	logger       *logrus.Logger
}

var _ chain.Client = (*Client)(nil)

func NewClient(cfg Config, logger *logrus.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("solana: rpc endpoint is required")
	}
	key, err := ParsePrivateKey(cfg.AuthorityKey)
	if err != nil {
		return nil, fmt.Errorf("solana: authority key: %w", err)
	}
	mint, err := sol.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("solana: mint: %w", err)
	}
	if cfg.TokenProgram == "" {
		cfg.TokenProgram = DefaultTokenProgram
	}
	program, err := sol.PublicKeyFromBase58(cfg.TokenProgram)
	if err != nil {
		return nil, fmt.Errorf("solana: token program: %w", err)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	commitment := rpc.CommitmentConfirmed
	if cfg.Commitment != "" {
		commitment = rpc.CommitmentType(cfg.Commitment)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		rpc:          rpc.New(cfg.Endpoint),
		authority:    key,
		mint:         mint,
		tokenProgram: program,
		commitment:   commitment,
		timeout:      cfg.ConfirmTimeout,
		poll:         cfg.PollInterval,
		logger:       logger,
	}, nil
}

// ParsePrivateKey accepts a base58 secret key or the JSON byte array
// written by solana-keygen.
func ParsePrivateKey(s string) (sol.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty key")
	}
	if strings.HasPrefix(s, "[") {
		var raw []int
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return nil, err
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("expected 64 bytes, got %d", len(raw))
		}
		key := make(sol.PrivateKey, len(raw))
		for i, b := range raw {
			if b < 0 || b > 255 {
				return nil, fmt.Errorf("byte %d out of range", i)
			}
			key[i] = byte(b)
		}
		return key, nil
	}
	return sol.PrivateKeyFromBase58(s)
}

func (c *Client) PlatformAddress() string { return c.authority.PublicKey().String() }

func (c *Client) NativeBalance(ctx context.Context, address string) (uint64, error) {
	pk, err := parseKey(address)
	if err != nil {
		return 0, err
	}
	out, err := c.rpc.GetBalance(ctx, pk, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return out.Value, nil
}

func (c *Client) TokenAccount(owner string) (string, error) {
	pk, err := parseKey(owner)
	if err != nil {
		return "", err
	}
	ata, err := c.associatedAccount(pk)
	if err != nil {
		return "", err
	}
	return ata.String(), nil
}

func (c *Client) TokenBalance(ctx context.Context, owner string) (uint64, error) {
	pk, err := parseKey(owner)
	if err != nil {
		return 0, err
	}
	ata, err := c.associatedAccount(pk)
	if err != nil {
		return 0, err
	}
	if _, err := c.rpc.GetAccountInfoWithOpts(ctx, ata, &rpc.GetAccountInfoOpts{Commitment: c.commitment}); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return 0, chain.ErrAccountNotFound
		}
		return 0, fmt.Errorf("get account info: %w", err)
	}
	out, err := c.rpc.GetTokenAccountBalance(ctx, ata, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("get token account balance: %w", err)
	}
	if out.Value == nil {
		return 0, chain.ErrAccountNotFound
	}
	return strconv.ParseUint(out.Value.Amount, 10, 64)
}

// MintTo mints amount to the owner's associated token account, creating the
// account first when it does not exist.
func (c *Client) MintTo(ctx context.Context, owner string, amount uint64) (string, error) {
	pk, err := parseKey(owner)
	if err != nil {
		return "", err
	}
	ata, err := c.associatedAccount(pk)
	if err != nil {
		return "", err
	}
	authority := c.authority.PublicKey()

	create := sol.NewInstruction(sol.SPLAssociatedTokenAccountProgramID, sol.AccountMetaSlice{
		sol.Meta(authority).WRITE().SIGNER(),
		sol.Meta(ata).WRITE(),
		sol.Meta(pk),
		sol.Meta(c.mint),
		sol.Meta(sol.SystemProgramID),
		sol.Meta(c.tokenProgram),
	}, []byte{instructionCreateATA})

	mint := sol.NewInstruction(c.tokenProgram, sol.AccountMetaSlice{
		sol.Meta(c.mint).WRITE(),
		sol.Meta(ata).WRITE(),
		sol.Meta(authority).SIGNER(),
	}, amountData(instructionMintTo, amount))

	return c.sendAndConfirm(ctx, "mint", create, mint)
}

// BuildBurn returns a burn transaction with the owner as fee payer and
// signer. Signature slots are left zeroed for the owner's wallet to fill.
func (c *Client) BuildBurn(ctx context.Context, owner string, amount uint64) (*chain.UnsignedTx, error) {
	pk, err := parseKey(owner)
	if err != nil {
		return nil, err
	}
	ata, err := c.associatedAccount(pk)
	if err != nil {
		return nil, err
	}
	bh, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}

	burn := sol.NewInstruction(c.tokenProgram, sol.AccountMetaSlice{
		sol.Meta(ata).WRITE(),
		sol.Meta(c.mint).WRITE(),
		sol.Meta(pk).SIGNER(),
	}, amountData(instructionBurn, amount))

	tx, err := sol.NewTransaction([]sol.Instruction{burn}, bh.Value.Blockhash, sol.TransactionPayer(pk))
	if err != nil {
		return nil, fmt.Errorf("build burn transaction: %w", err)
	}
	tx.Signatures = make([]sol.Signature, tx.Message.Header.NumRequiredSignatures)
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode burn transaction: %w", err)
	}

	return &chain.UnsignedTx{
		Encoded:      base64.StdEncoding.EncodeToString(raw),
		TokenAccount: ata.String(),
		Blockhash:    bh.Value.Blockhash.String(),
	}, nil
}

func (c *Client) Transaction(ctx context.Context, signature string) (*chain.TxInfo, error) {
	sig, err := sol.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidAddress, err)
	}
	version := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && out == nil) {
		return nil, chain.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}

	info := &chain.TxInfo{Signature: signature, Succeeded: true, TokenBurned: map[string]uint64{}}
	if out.Meta == nil {
		return nil, fmt.Errorf("get transaction: %s has no metadata", signature)
	}
	if out.Meta.Err != nil {
		info.Succeeded = false
		info.Err = fmt.Sprint(out.Meta.Err)
	}
	info.TokenBurned = c.burnedBy(out.Meta.PreTokenBalances, out.Meta.PostTokenBalances)
	return info, nil
}

func (c *Client) Transfer(ctx context.Context, to string, lamports uint64) (string, error) {
	pk, err := parseKey(to)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrNotSubmitted, err)
	}
	ix := system.NewTransferInstruction(lamports, c.authority.PublicKey(), pk).Build()
	return c.sendAndConfirm(ctx, "transfer", ix)
}

// sendAndConfirm signs with the authority, submits and polls until the
// configured commitment. Errors wrap chain.ErrNotSubmitted only when the
// transaction is known not to have taken effect.
func (c *Client) sendAndConfirm(ctx context.Context, op string, ixs ...sol.Instruction) (string, error) {
	authority := c.authority.PublicKey()
	bh, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("%w: get latest blockhash: %v", chain.ErrNotSubmitted, err)
	}
	tx, err := sol.NewTransaction(ixs, bh.Value.Blockhash, sol.TransactionPayer(authority))
	if err != nil {
		return "", fmt.Errorf("%w: build %s: %v", chain.ErrNotSubmitted, op, err)
	}
	if _, err := tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(authority) {
			return &c.authority
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("%w: sign %s: %v", chain.ErrNotSubmitted, op, err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %s rejected: %v", chain.ErrNotSubmitted, op, err)
		}
		return "", fmt.Errorf("send %s: %w", op, err)
	}

	entry := c.logger.WithFields(logrus.Fields{"op": op, "signature": sig.String()})
	entry.Debug("transaction submitted, awaiting confirmation")
	if err := c.confirm(ctx, sig); err != nil {
		entry.WithError(err).Warn("transaction not confirmed")
		return sig.String(), err
	}
	return sig.String(), nil
}

func (c *Client) confirm(ctx context.Context, sig sol.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("%w: transaction %s failed: %v", chain.ErrNotSubmitted, sig, st.Err)
			}
			if reached(st.ConfirmationStatus, c.commitment) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm %s: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return want != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return want == rpc.CommitmentProcessed
	}
	return false
}

// tokenDeltas returns pre minus post balance of the platform mint per owner.
func (c *Client) tokenDeltas(pre, post []rpc.TokenBalance) map[string]int64 {
	deltas := make(map[string]int64)
	add := func(balances []rpc.TokenBalance, sign int64) {
		for _, b := range balances {
			if !b.Mint.Equals(c.mint) || b.Owner == nil || b.UiTokenAmount == nil {
				continue
			}
			n, err := strconv.ParseInt(b.UiTokenAmount.Amount, 10, 64)
			if err != nil {
				continue
			}
			deltas[b.Owner.String()] += sign * n
		}
	}
	add(pre, 1)
	add(post, -1)
	return deltas
}

// burnedBy credits each owner whose platform balance fell, capped at the
// amount the transaction removed from supply. Tokens that moved to another
// account are not burned.
func (c *Client) burnedBy(pre, post []rpc.TokenBalance) map[string]uint64 {
	burned := make(map[string]uint64)
	destroyed := c.sumBalances(pre) - c.sumBalances(post)
	if destroyed <= 0 {
		return burned
	}
	for owner, delta := range c.tokenDeltas(pre, post) {
		if delta <= 0 {
			continue
		}
		burned[owner] = uint64(min(delta, destroyed))
	}
	return burned
}

// sumBalances totals the platform mint over every account the transaction
// touched, owned or not.
func (c *Client) sumBalances(balances []rpc.TokenBalance) int64 {
	var total int64
	for _, b := range balances {
		if !b.Mint.Equals(c.mint) || b.UiTokenAmount == nil {
			continue
		}
		n, err := strconv.ParseInt(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

func (c *Client) associatedAccount(owner sol.PublicKey) (sol.PublicKey, error) {
	addr, _, err := sol.FindProgramAddress([][]byte{
		owner[:],
		c.tokenProgram[:],
		c.mint[:],
	}, sol.SPLAssociatedTokenAccountProgramID)
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("derive token account: %w", err)
	}
	return addr, nil
}

func parseKey(s string) (sol.PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("%w: %q: %v", chain.ErrInvalidAddress, s, err)
	}
	return pk, nil
}

func amountData(op byte, amount uint64) []byte {
	data := make([]byte, 9)
	data[0] = op
	binary.LittleEndian.PutUint64(data[1:], amount)
	return data
}
