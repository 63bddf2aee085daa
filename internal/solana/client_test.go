package solana

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"

	"lstapp/internal/chain"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, sol.PrivateKey) {
	t.Helper()
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	mint, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)

	c, err := NewClient(Config{
		Endpoint:     "http://127.0.0.1:8899",
		AuthorityKey: key.String(),
		Mint:         mint.PublicKey().String(),
	}, nil)
	require.NoError(t, err)
	return c, key
}

func TestParsePrivateKey(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)

	fromBase58, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromBase58.PublicKey())

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	require.NoError(t, err)
	fromJSON, err := ParsePrivateKey(string(raw))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromJSON.PublicKey())

	_, err = ParsePrivateKey("")
	assert.Error(t, err)
	_, err = ParsePrivateKey("[1,2,3]")
	assert.Error(t, err)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)

	key, _ := sol.NewRandomPrivateKey()
	_, err = NewClient(Config{Endpoint: "http://x", AuthorityKey: key.String(), Mint: "not-a-key"}, nil)
	assert.Error(t, err)
}

func TestPlatformAddressIsAuthority(t *testing.T) {
	c, key := newTestClient(t)
	assert.Equal(t, key.PublicKey().String(), c.PlatformAddress())
}

func TestTokenAccountDerivation(t *testing.T) {
	c, _ := newTestClient(t)
	owner, _ := sol.NewRandomPrivateKey()

	a, err := c.TokenAccount(owner.PublicKey().String())
	require.NoError(t, err)
	b, err := c.TokenAccount(owner.PublicKey().String())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, owner.PublicKey().String(), a)

	want, _, err := sol.FindProgramAddress([][]byte{
		owner.PublicKey().Bytes(),
		c.tokenProgram.Bytes(),
		c.mint.Bytes(),
	}, sol.SPLAssociatedTokenAccountProgramID)
	require.NoError(t, err)
	assert.Equal(t, want.String(), a)

	_, err = c.TokenAccount("garbage!")
	assert.True(t, errors.Is(err, chain.ErrInvalidAddress))
}

func TestAmountData(t *testing.T) {
	data := amountData(instructionBurn, 1_600_000_000)
	require.Len(t, data, 9)
	assert.Equal(t, instructionBurn, data[0])
	assert.Equal(t, uint64(1_600_000_000), binary.LittleEndian.Uint64(data[1:]))
}

func TestReached(t *testing.T) {
	assert.True(t, reached(rpc.ConfirmationStatusFinalized, rpc.CommitmentFinalized))
	assert.False(t, reached(rpc.ConfirmationStatusConfirmed, rpc.CommitmentFinalized))
	assert.True(t, reached(rpc.ConfirmationStatusConfirmed, rpc.CommitmentConfirmed))
	assert.False(t, reached(rpc.ConfirmationStatusProcessed, rpc.CommitmentConfirmed))
	assert.True(t, reached(rpc.ConfirmationStatusProcessed, rpc.CommitmentProcessed))
}

func TestTokenDeltas(t *testing.T) {
	c, _ := newTestClient(t)
	holderKey, _ := sol.NewRandomPrivateKey()
	holder := holderKey.PublicKey()
	otherMint, _ := sol.NewRandomPrivateKey()

	bal := func(owner sol.PublicKey, mint sol.PublicKey, amount string) rpc.TokenBalance {
		return rpc.TokenBalance{Owner: &owner, Mint: mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: amount}}
	}
	pre := []rpc.TokenBalance{
		bal(holder, c.mint, "1000"),
		bal(holder, otherMint.PublicKey(), "50"),
	}
	post := []rpc.TokenBalance{
		bal(holder, c.mint, "400"),
		bal(holder, otherMint.PublicKey(), "0"),
	}

	deltas := c.tokenDeltas(pre, post)
	assert.Equal(t, int64(600), deltas[holder.String()], "only the platform mint counts")

	// a closed account has no post balance
	deltas = c.tokenDeltas(pre[:1], nil)
	assert.Equal(t, int64(1000), deltas[holder.String()])
}

func TestBurnedBy(t *testing.T) {
	c, _ := newTestClient(t)
	holderKey, _ := sol.NewRandomPrivateKey()
	holder := holderKey.PublicKey()
	otherKey, _ := sol.NewRandomPrivateKey()
	other := otherKey.PublicKey()

	bal := func(owner sol.PublicKey, amount string) rpc.TokenBalance {
		return rpc.TokenBalance{Owner: &owner, Mint: c.mint, UiTokenAmount: &rpc.UiTokenAmount{Amount: amount}}
	}

	t.Run("burn", func(t *testing.T) {
		burned := c.burnedBy([]rpc.TokenBalance{bal(holder, "1000")}, []rpc.TokenBalance{bal(holder, "400")})
		assert.Equal(t, uint64(600), burned[holder.String()])
	})

	t.Run("transfer is not a burn", func(t *testing.T) {
		pre := []rpc.TokenBalance{bal(holder, "1000"), bal(other, "0")}
		post := []rpc.TokenBalance{bal(holder, "0"), bal(other, "1000")}
		burned := c.burnedBy(pre, post)
		assert.Zero(t, burned[holder.String()])
		assert.Empty(t, burned)
	})

	t.Run("partial transfer with burn", func(t *testing.T) {
		pre := []rpc.TokenBalance{bal(holder, "1000"), bal(other, "0")}
		post := []rpc.TokenBalance{bal(holder, "0"), bal(other, "700")}
		burned := c.burnedBy(pre, post)
		assert.Equal(t, uint64(300), burned[holder.String()])
		assert.NotContains(t, burned, other.String())
	})
}
