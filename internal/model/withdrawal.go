package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PrepareUnstakeRequest is phase one of a redemption
type PrepareUnstakeRequest struct {
	WalletAddress string          `json:"walletAddress" binding:"required"`
	RsolAmount    uint64          `json:"rsolAmount" binding:"required"`
	Ratio         decimal.Decimal `json:"ratio"`
}

// ConfirmUnstakeRequest is phase two of a redemption. The payout amount is
// always recomputed server side.
type ConfirmUnstakeRequest struct {
	WalletAddress   string          `json:"walletAddress" binding:"required"`
	BurnTxSignature string          `json:"burnTxSignature" binding:"required"`
	RsolAmount      uint64          `json:"rsolAmount" binding:"required"`
	Ratio           decimal.Decimal `json:"ratio"`
}

// BurnPlan is the unsigned burn transaction handed to the holder
type BurnPlan struct {
	Transaction  string `json:"transaction"`
	TokenAccount string `json:"tokenAccount"`
	RsolToBurn   uint64 `json:"rsolToBurn"`
	SolToReceive uint64 `json:"solToReceive"`
	Ratio        string `json:"ratio"`
}

// PayoutResult reports a completed redemption
type PayoutResult struct {
	BurnTxSignature     string `json:"burnTxSignature"`
	TransferTxSignature string `json:"transferTxSignature"`
	RsolBurned          uint64 `json:"rsolBurned"`
	SolReturned         uint64 `json:"solReturned"`
	Ratio               string `json:"ratio"`
}

// TokenBalance is the holder's derivative token position
type TokenBalance struct {
	Balance      uint64 `json:"balance"`
	TokenAddress string `json:"tokenAddress"`
	Note         string `json:"note,omitempty"`
}

// RedemptionRecord is the journaled state of one burn/payout pair
type RedemptionRecord struct {
	BurnSignature string    `json:"burnTxSignature"`
	Holder        string    `json:"walletAddress"`
	TokenAmount   uint64    `json:"rsolAmount"`
	SolAmount     uint64    `json:"solAmount"`
	Ratio         string    `json:"ratio"`
	PayoutTx      string    `json:"transferTxSignature,omitempty"`
	State         string    `json:"state"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SettlementRecord is the journaled result of one settled deposit
type SettlementRecord struct {
	Signature string    `json:"signature"`
	Sender    string    `json:"sender"`
	SolAmount uint64    `json:"solAmount"`
	Ratio     string    `json:"ratio"`
	Issued    uint64    `json:"rsolAmount"`
	MintTx    string    `json:"mintTx"`
	CreatedAt time.Time `json:"createdAt"`
}
