package resolver

import (
	"context"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/timelock"
)

// cancelSweepInterval paces the reclaim scan. Cancellation stages open hours
// after escrow creation, so this needs no 10s cadence.
const cancelSweepInterval = time.Minute

// runCancelSweeps reclaims counter-escrows whose secret never showed up.
func (r *Resolver) runCancelSweeps(ctx context.Context) {
	ticker := time.NewTicker(cancelSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepCancellations(ctx, now)
		}
	}
}

// sweepCancellations cancels every held counter-escrow whose reclaim window
// has opened without a revealed secret, and marks the bridge refunded.
// The user's source escrow is left alone; reclaiming it is the user's own
// cancellation to make.
func (r *Resolver) sweepCancellations(ctx context.Context, now time.Time) {
	offsets := r.cfg.Timelock.Offsets()

	for _, b := range r.bridges.Active() {
		if b.DestEscrowID == "" {
			continue
		}
		if _, revealed := r.secrets.Lookup(b.Hashlock); revealed {
			// The secret exists; settlement owns this bridge.
			continue
		}

		client, err := r.client(b.Type.Destination())
		if err != nil {
			continue
		}
		if r.stagedSource(b) {
			stage := timelock.StageAt(b.CreatedAt, now, offsets)
			if !timelock.CanCancel(stage, client.SignerAccount(), client.SignerAccount()) {
				continue
			}
		} else if b.Timelock.IsZero() || now.Before(b.Timelock.Add(destTimelockMargin)) {
			// A plain counter-escrow refunds only after its own deadline,
			// which sits one margin past the source leg's.
			continue
		}

		result, err := cancelCounterEscrow(ctx, client, b.DestEscrowID)
		if err != nil {
			r.log.Warn("failed to cancel counter-escrow, will retry",
				"bridge_id", b.ID, "escrow_id", b.DestEscrowID, "error", err)
			continue
		}

		err = r.bridges.Transition(b.ID, bridge.StatusRefunded, func(b *bridge.Bridge) error {
			b.DestTxHash = result.TxHash
			return nil
		})
		if err != nil {
			r.log.Error("failed to mark bridge refunded", "bridge_id", b.ID, "error", err)
			continue
		}
		r.sched.drop(b.ID)
		r.log.Info("counter-escrow reclaimed", "bridge_id", b.ID,
			"escrow_id", b.DestEscrowID, "tx", result.TxHash)
	}
}
