package redemption

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// State is the position of one redemption in the burn/payout protocol.
type State string

const (
	StateRequested     State = "requested"
	StateBurnPrepared  State = "burn_prepared"
	StateBurnSubmitted State = "burn_submitted"
	StateBurnVerified  State = "burn_verified"
	StatePayoutSent    State = "payout_sent"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

var transitions = map[State]State{
	StateRequested:     StateBurnPrepared,
	StateBurnPrepared:  StateBurnSubmitted,
	StateBurnSubmitted: StateBurnVerified,
	StateBurnVerified:  StatePayoutSent,
	StatePayoutSent:    StateCompleted,
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// request tracks one redemption through a single phase call.
type request struct {
	holder      string
	burnSig     string
	tokenAmount uint64
	solAmount   uint64
	ratio       decimal.Decimal
	state       State
}

func (r *request) advance(to State) error {
	if r.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.state)
	}
	if to != StateFailed && transitions[r.state] != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, to)
	}
	r.state = to
	return nil
}
