package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidArgument is returned when a request fails validation before any side effect.
var ErrInvalidArgument = errors.New("invalid argument")

// Response is the envelope every API endpoint answers with
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// Intent represents a user's declared staking preference prior to on-chain settlement
type Intent struct {
	WalletAddress    string          `json:"walletAddress"`
	Ratio            decimal.Decimal `json:"ratio"`
	SolAmount        uint64          `json:"solAmount"`
	ExpectedIssuance uint64          `json:"expectedRSOL"`
	CreatedAt        time.Time       `json:"timestamp"`
}

// EventKind is the lifecycle stage a settlement event records
type EventKind string

const (
	EventReceived   EventKind = "received"
	EventProcessing EventKind = "processing"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
)

// Flow tells stake and unstake events apart in the shared log
type Flow string

const (
	FlowStake   Flow = "stake"
	FlowUnstake Flow = "unstake"
)

// Event is an immutable record appended to the event log
type Event struct {
	ID               string                 `json:"id"`
	Timestamp        time.Time              `json:"timestamp"`
	Kind             EventKind              `json:"type"`
	Flow             Flow                   `json:"flow"`
	Signature        string                 `json:"signature,omitempty"`
	RequestID        string                 `json:"requestId,omitempty"`
	Amount           uint64                 `json:"amount,omitempty"`
	Recipient        string                 `json:"recipient,omitempty"`
	MintTx           string                 `json:"mintTx,omitempty"`
	PayoutTx         string                 `json:"payoutTx,omitempty"`
	Issued           uint64                 `json:"issued,omitempty"`
	Ratio            string                 `json:"ratio,omitempty"`
	IntentMatched    *bool                  `json:"intentMatched,omitempty"`
	ProcessingTimeMs int64                  `json:"processingTime,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
}
