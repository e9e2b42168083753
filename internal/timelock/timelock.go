// Package timelock implements the multi-stage timelock protocol used by the
// fusion escrow path, plus the immutable-parameter translation between chains.
package timelock

import (
	"errors"
	"fmt"
	"time"
)

// Stage is one phase of the escrow's time-gated lifecycle.
type Stage int

const (
	// StageWithdrawal: only the designated counterparty may claim with the secret.
	StageWithdrawal Stage = iota
	// StagePublicWithdrawal: anyone presenting the correct secret may claim.
	// This lets an external actor complete the swap for a stalled resolver.
	StagePublicWithdrawal
	// StageCancellation: the designated counterparty may reclaim escrowed
	// funds plus safety deposit.
	StageCancellation
	// StagePublicCancellation: anyone may trigger the reclaim.
	StagePublicCancellation
)

func (s Stage) String() string {
	switch s {
	case StageWithdrawal:
		return "withdrawal"
	case StagePublicWithdrawal:
		return "public_withdrawal"
	case StageCancellation:
		return "cancellation"
	case StagePublicCancellation:
		return "public_cancellation"
	default:
		return "unknown"
	}
}

// Offsets are the four ascending upper bounds of the stages, measured from
// escrow creation.
type Offsets [4]time.Duration

// DefaultOffsets mirror the deployed escrow configuration.
var DefaultOffsets = Offsets{30 * time.Minute, 2 * time.Hour, 6 * time.Hour, 12 * time.Hour}

var errOffsetsNotAscending = errors.New("timelock offsets must be strictly ascending and positive")

// Validate checks the offsets are strictly ascending and positive.
func (o Offsets) Validate() error {
	prev := time.Duration(0)
	for i, d := range o {
		if d <= prev {
			return fmt.Errorf("%w: offset %d = %s", errOffsetsNotAscending, i, d)
		}
		prev = d
	}
	return nil
}

// MaxWait returns the longest offset, used to bound secret monitoring.
func (o Offsets) MaxWait() time.Duration {
	return o[3]
}

// StageAt returns the stage for the elapsed time since escrow creation: the
// first stage whose upper bound has not yet passed. Once every bound has
// passed the escrow stays in public cancellation. Pure function of its inputs.
func StageAt(createdAt, now time.Time, offsets Offsets) Stage {
	elapsed := now.Sub(createdAt)
	for i, bound := range offsets {
		if elapsed <= bound {
			return Stage(i)
		}
	}
	return StagePublicCancellation
}

// CanClaim reports whether caller may claim (with a correct secret) in the
// given stage. counterparty is the escrow's designated claimant.
func CanClaim(stage Stage, caller, counterparty string) bool {
	switch stage {
	case StageWithdrawal:
		return caller == counterparty
	case StagePublicWithdrawal:
		return true
	default:
		return false
	}
}

// CanCancel reports whether caller may reclaim the escrow in the given stage.
func CanCancel(stage Stage, caller, counterparty string) bool {
	switch stage {
	case StageCancellation:
		return caller == counterparty
	case StagePublicCancellation:
		return true
	default:
		return false
	}
}
