package settlement

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/paygate/pkg/voucher"
)

// State is the claim state of one channel.
type State int

const (
	Idle State = iota
	ClaimInFlight
	Claimed
	ClaimFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ClaimInFlight:
		return "claim_in_flight"
	case Claimed:
		return "claimed"
	case ClaimFailed:
		return "claim_failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one claim attempt.
type Outcome string

const (
	// OutcomeClaimed means a claim transaction was confirmed and recorded.
	OutcomeClaimed Outcome = "claimed"
	// OutcomeReconciled means the amount was already settled on-chain and
	// was recorded without a new transaction.
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeSuperseded means the claim confirmed but a higher voucher
	// arrived meanwhile; the new voucher stays unclaimed.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeFailed means the claim will be retried on the next run.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means another run already had the channel in flight.
	OutcomeSkipped Outcome = "skipped"
)

// ClaimResult describes what happened to one candidate in a run.
type ClaimResult struct {
	ChannelID voucher.ChannelID `json:"channel_id"`
	Amount    *big.Int          `json:"amount"`
	Outcome   Outcome           `json:"outcome"`
	TxHash    *common.Hash      `json:"tx_hash,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// RunReport summarizes one selection-and-claim run.
type RunReport struct {
	ID         string        `json:"id"`
	Force      bool          `json:"force"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Candidates int           `json:"candidates"`
	Claimed    int           `json:"claimed"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Results    []ClaimResult `json:"results"`
}

func (r *RunReport) add(res ClaimResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeClaimed, OutcomeReconciled, OutcomeSuperseded:
		r.Claimed++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}
