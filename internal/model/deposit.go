package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// NativeTransfer is one movement of the native asset inside a transaction
type NativeTransfer struct {
	Amount          uint64 `json:"amount"`
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
}

// DepositNotification is one enhanced transaction as delivered by the deposit
// watcher. Fields the settlement does not read are kept verbatim in Extra.
type DepositNotification struct {
	Signature        string                     `json:"signature"`
	NativeTransfers  []NativeTransfer           `json:"nativeTransfers"`
	TransactionError json.RawMessage            `json:"transactionError,omitempty"`
	Timestamp        int64                      `json:"timestamp,omitempty"`
	Slot             uint64                     `json:"slot,omitempty"`
	Type             string                     `json:"type,omitempty"`
	Extra            map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps unknown chain metadata around for pass-through.
func (n *DepositNotification) UnmarshalJSON(data []byte) error {
	type plain DepositNotification
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"signature", "nativeTransfers", "transactionError", "timestamp", "slot", "type"} {
		delete(all, k)
	}
	p.Extra = all
	*n = DepositNotification(p)
	return nil
}

// Failed reports whether the chain marked the transaction as failed.
func (n *DepositNotification) Failed() bool {
	e := string(n.TransactionError)
	return e != "" && e != "null"
}

// OutcomeStatus is the settlement result for one notification
type OutcomeStatus string

const (
	OutcomeCompleted   OutcomeStatus = "completed"
	OutcomeNotRelevant OutcomeStatus = "not_relevant"
	OutcomeDuplicate   OutcomeStatus = "duplicate"
	OutcomeFailed      OutcomeStatus = "failed"
)

// SettlementOutcome is returned per notification by the webhook
type SettlementOutcome struct {
	Success       bool          `json:"success"`
	Status        OutcomeStatus `json:"status"`
	Signature     string        `json:"signature"`
	Reason        string        `json:"reason,omitempty"`
	SolAmount     uint64        `json:"solAmount,omitempty"`
	Recipient     string        `json:"recipient,omitempty"`
	Ratio         string        `json:"ratio,omitempty"`
	Issued        uint64        `json:"rsolAmount,omitempty"`
	MintTx        string        `json:"mintTransaction,omitempty"`
	IntentMatched bool          `json:"intentMatched"`
	Error         string        `json:"error,omitempty"`
}

// StakeRequest declares the ratio a wallet expects for its next deposit
type StakeRequest struct {
	WalletAddress string          `json:"walletAddress" binding:"required"`
	Ratio         decimal.Decimal `json:"ratio"`
	SolAmount     uint64          `json:"solAmount" binding:"required"`
}
