package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/internal/timelock"
)

// Direction errors
var (
	ErrNoDestination        = errors.New("cannot resolve destination address")
	ErrInsufficientReserves = errors.New("insufficient reserves on destination chain")
)

func (r *Resolver) handleEvent(ctx context.Context, ev *bridge.ChainEvent) {
	switch ev.Kind {
	case bridge.EventEscrowCreated:
		r.handleEscrowCreated(ctx, ev)
	case bridge.EventLegCompleted:
		r.handleLegCompleted(ctx, ev)
	default:
		r.log.Warn("skipping event of unknown kind", "kind", ev.Kind)
	}
}

// handleEscrowCreated attaches a source escrow to its bridge, creating one
// when the direction can be derived, then drives the counter-leg. Either
// arrival order works: an initiate call may precede or follow the event.
func (r *Resolver) handleEscrowCreated(ctx context.Context, ev *bridge.ChainEvent) {
	hashlock := bridge.NormalizeHashlock(ev.Hashlock)
	if hashlock == "" {
		r.log.Warn("skipping escrow event without hashlock", "chain", ev.Chain)
		return
	}

	var id string
	switch ev.Chain {
	case bridge.ChainEthereum:
		// An Ethereum escrow does not say which chain it wants to reach; the
		// direction comes from an initiate call matched by hashlock. Without
		// one, the swap defaults to the NEAR pair and waits for a recipient.
		if existing, err := r.bridges.ByHashlock(hashlock); err == nil &&
			existing.Type.Source() == bridge.ChainEthereum {
			id = existing.ID
			r.attachSource(id, ev)
			break
		}
		b, isNew := r.bridges.GetOrCreate(bridge.ETHToNEAR, hashlock, func(b *bridge.Bridge) {
			r.initFromEvent(b, ev)
			b.DestRecipient = r.reverseAddressMap(ev.Sender)
		})
		id = b.ID
		if isNew {
			r.notify(r.created, b)
		} else {
			r.attachSource(id, ev)
		}

	case bridge.ChainNEAR:
		b, isNew := r.bridges.GetOrCreate(bridge.NEARToETH, hashlock, func(b *bridge.Bridge) {
			r.initFromEvent(b, ev)
		})
		id = b.ID
		if isNew {
			r.notify(r.created, b)
		} else {
			r.attachSource(id, ev)
		}

	case bridge.ChainAptos:
		b, isNew := r.bridges.GetOrCreate(bridge.AptosToETH, hashlock, func(b *bridge.Bridge) {
			r.initFromEvent(b, ev)
		})
		id = b.ID
		if isNew {
			r.notify(r.created, b)
		} else {
			r.attachSource(id, ev)
		}

	default:
		r.log.Warn("escrow event from unknown chain", "chain", ev.Chain)
		return
	}

	r.processBridge(ctx, id)
}

// initFromEvent seeds a fresh bridge from its source escrow event.
func (r *Resolver) initFromEvent(b *bridge.Bridge, ev *bridge.ChainEvent) {
	b.Amount = ev.Amount
	b.SourceSender = ev.Sender
	b.SourceEscrowID = ev.EscrowID
	b.SourceTxHash = sourceTxOf(ev)
	b.Timelock = ev.Timelock
	if common.IsHexAddress(ev.EmbeddedDest) && b.Type.Destination() == bridge.ChainEthereum {
		b.DestRecipient = ev.EmbeddedDest
	}
}

// attachSource merges escrow facts into a pre-initiated bridge.
func (r *Resolver) attachSource(id string, ev *bridge.ChainEvent) {
	err := r.bridges.Update(id, func(b *bridge.Bridge) error {
		if b.SourceEscrowID == "" {
			b.SourceEscrowID = ev.EscrowID
		}
		if b.SourceTxHash == "" {
			b.SourceTxHash = sourceTxOf(ev)
		}
		if b.SourceSender == "" {
			b.SourceSender = ev.Sender
		}
		if b.Amount == nil {
			b.Amount = ev.Amount
		}
		if b.Timelock.IsZero() {
			b.Timelock = ev.Timelock
		}
		return nil
	})
	if err != nil && !errors.Is(err, bridge.ErrBridgeTerminal) {
		r.log.Error("failed to attach source escrow", "bridge_id", id, "error", err)
	}
}

func sourceTxOf(ev *bridge.ChainEvent) string {
	// Reconciliation polls carry no transaction identity.
	if strings.Contains(ev.TxHash, "::") {
		return ""
	}
	return ev.TxHash
}

// handleLegCompleted settles the bridge waiting on a revealed secret. Claim
// feeds observed on a chain we never bridged through are ignored.
func (r *Resolver) handleLegCompleted(ctx context.Context, ev *bridge.ChainEvent) {
	hashlock := bridge.NormalizeHashlock(ev.Hashlock)
	if hashlock == "" && ev.Chain == bridge.ChainEthereum {
		// Ethereum claim logs carry only the escrow id, which this resolver
		// sets to the hashlock when creating escrows.
		hashlock = bridge.NormalizeHashlock(ev.EscrowID)
	}

	var b *bridge.Bridge
	if hashlock != "" {
		b, _ = r.bridges.ByHashlock(hashlock)
	} else {
		// On Aptos the module assigns the escrow id; correlate through the
		// bridge's recorded escrow references instead.
		found, err := r.bridges.ByEscrow(ev.Chain, ev.EscrowID)
		if err != nil {
			r.log.Debug("claim with no matching bridge",
				"chain", ev.Chain, "escrow_id", ev.EscrowID)
			return
		}
		b = found
		hashlock = b.Hashlock
	}

	secret := ev.Secret
	if secret != "" {
		if err := r.secrets.Register(hashlock, secret, string(ev.Chain)); err != nil {
			r.log.Warn("rejecting conflicting secret", "chain", ev.Chain, "hashlock", hashlock)
			return
		}
	} else {
		// NEAR state views report the claim but not the preimage.
		var ok bool
		if secret, ok = r.secrets.Lookup(hashlock); !ok {
			r.log.Debug("claim observed before secret known", "hashlock", hashlock)
			return
		}
	}

	if b == nil || b.Status.IsTerminal() {
		return
	}
	if err := r.settle(ctx, b.ID, secret); err != nil {
		r.log.Warn("settlement failed", "bridge_id", b.ID, "error", err)
	}
}

// ============================================================================
// Counter-leg execution
// ============================================================================

// processBridge attempts the counter-leg for a bridge that has both a funded
// source escrow and enough resolution to pay out. Anything missing leaves the
// bridge pending for the next event or initiate call; failures below are per
// direction.
func (r *Resolver) processBridge(ctx context.Context, id string) {
	b, err := r.bridges.Get(id)
	if err != nil {
		r.log.Error("cannot process unknown bridge", "bridge_id", id)
		return
	}
	if b.Status != bridge.StatusPending && b.Status != bridge.StatusProcessing {
		return
	}
	if b.SourceEscrowID == "" && b.SourceTxHash == "" {
		// No funds observed on the source chain yet.
		return
	}
	if b.DestTxHash != "" || b.DestEscrowID != "" {
		// Counter-leg already placed.
		return
	}

	switch b.Type {
	case bridge.ETHToNEAR:
		r.openCounterEscrow(ctx, b)
	case bridge.ETHToAptos:
		if r.cfg.FusionEnabled() {
			r.openCounterEscrow(ctx, b)
		} else {
			r.releaseDirect(ctx, b, true)
		}
	case bridge.NEARToETH, bridge.AptosToETH:
		r.releaseDirect(ctx, b, false)
	}
}

// openCounterEscrow funds an HTLC on the destination chain with the same
// hashlock. Failure leaves the bridge pending, retried on the next event for
// this hashlock rather than on a timer.
func (r *Resolver) openCounterEscrow(ctx context.Context, b *bridge.Bridge) {
	recipient := b.DestRecipient
	if b.Type == bridge.ETHToAptos {
		// The fusion escrow is addressed to the resolver itself; funds reach
		// the user in redistribution after the secret reveal.
		recipient = r.cfg.Aptos.SignerAddress
	}
	if recipient == "" {
		r.log.Info("bridge waiting for a destination recipient", "bridge_id", b.ID)
		return
	}
	recipient, err := timelock.CanonicalAddress(b.Type.Destination(), recipient)
	if err != nil {
		r.fail(b.ID, err)
		return
	}

	client, err := r.client(b.Type.Destination())
	if err != nil {
		r.fail(b.ID, err)
		return
	}
	amount, err := r.convert(ctx, b.Amount, b.Type.Source(), b.Type.Destination())
	if err != nil {
		r.log.Warn("cannot price counter-leg, leaving pending", "bridge_id", b.ID, "error", err)
		return
	}

	deadline := b.Timelock
	if deadline.IsZero() {
		deadline = time.Now()
	}
	result, err := client.CreateEscrow(ctx, &chainclient.EscrowParams{
		Hashlock:  b.Hashlock,
		Recipient: recipient,
		Amount:    amount,
		Timelock:  deadline.Add(destTimelockMargin),
	})
	if err != nil {
		r.log.Warn("counter-escrow failed, bridge stays pending", "bridge_id", b.ID, "error", err)
		return
	}
	if result.EscrowID == "" {
		// Without the escrow reference the held funds can be neither
		// claimed nor reclaimed later.
		r.log.Warn("counter-escrow id unknown, bridge stays pending",
			"bridge_id", b.ID, "tx", result.TxHash)
		return
	}

	err = r.bridges.Transition(b.ID, bridge.StatusActive, func(b *bridge.Bridge) error {
		b.DestAmount = amount
		b.DestEscrowID = result.EscrowID
		b.DestTxHash = result.TxHash
		return nil
	})
	if err != nil {
		r.log.Error("failed to record counter-escrow", "bridge_id", b.ID, "error", err)
		return
	}

	r.sched.watch(b.ID, b.Hashlock, time.Now().Add(r.cfg.Timelock.Offsets().MaxWait()))
	r.log.Info("counter-escrow opened", "bridge_id", b.ID,
		"chain", b.Type.Destination(), "escrow_id", result.EscrowID)
}

// releaseDirect pays the user straight from reserves. On the toward-ETH legs
// this deliberately happens before the secret reveal: the resolver is the
// escrow's unique counterparty, and the secret later proves completion rather
// than gating payment. toCompleted short-circuits the simple ETH->Aptos path.
func (r *Resolver) releaseDirect(ctx context.Context, b *bridge.Bridge, toCompleted bool) {
	dest := b.Type.Destination()
	recipient := b.DestRecipient
	if dest == bridge.ChainEthereum {
		// Resolution order: static map, then the escrow-embedded address.
		if mapped, ok := r.cfg.AddressMap[b.SourceSender]; ok {
			recipient = mapped
		}
	}
	if recipient == "" {
		r.fail(b.ID, fmt.Errorf("%w for sender %q", ErrNoDestination, b.SourceSender))
		return
	}
	recipient, err := timelock.CanonicalAddress(dest, recipient)
	if err != nil {
		r.fail(b.ID, fmt.Errorf("%w: %v", ErrNoDestination, err))
		return
	}

	client, err := r.client(dest)
	if err != nil {
		r.fail(b.ID, err)
		return
	}
	amount, err := r.convert(ctx, b.Amount, b.Type.Source(), dest)
	if err != nil {
		r.log.Warn("cannot price release, leaving pending", "bridge_id", b.ID, "error", err)
		return
	}

	if err := r.bridges.Transition(b.ID, bridge.StatusProcessing, func(b *bridge.Bridge) error {
		b.DestAmount = amount
		b.DestRecipient = recipient
		return nil
	}); err != nil {
		r.log.Error("failed to mark bridge processing", "bridge_id", b.ID, "error", err)
		return
	}

	if reserveAccount := client.SignerAccount(); reserveAccount != "" {
		balance, err := client.Balance(ctx, reserveAccount)
		if err != nil {
			r.log.Warn("reserve check failed, retrying on next event", "bridge_id", b.ID, "error", err)
			return
		}
		if balance.Cmp(amount) < 0 {
			r.fail(b.ID, fmt.Errorf("%w: have %s, need %s", ErrInsufficientReserves, balance, amount))
			return
		}
	}

	result, err := client.Transfer(ctx, recipient, amount)
	if err != nil {
		r.log.Warn("release failed, bridge stays processing", "bridge_id", b.ID, "error", err)
		return
	}

	if toCompleted {
		err = r.bridges.Transition(b.ID, bridge.StatusCompleted, func(b *bridge.Bridge) error {
			b.DestTxHash = result.TxHash
			return nil
		})
		if err != nil {
			r.log.Error("failed to complete bridge", "bridge_id", b.ID, "error", err)
			return
		}
		if done, err := r.bridges.Get(b.ID); err == nil {
			r.log.Info("bridge completed", "bridge_id", b.ID, "type", done.Type)
			r.notify(r.completed, done)
		}
		return
	}

	err = r.bridges.Transition(b.ID, bridge.StatusActive, func(b *bridge.Bridge) error {
		b.DestTxHash = result.TxHash
		return nil
	})
	if err != nil {
		r.log.Error("failed to record release", "bridge_id", b.ID, "error", err)
		return
	}

	// The source escrow is claimed once the user reveals the secret.
	r.sched.watch(b.ID, b.Hashlock, time.Now().Add(r.cfg.Timelock.Offsets().MaxWait()))
	r.log.Info("released funds ahead of secret", "bridge_id", b.ID,
		"chain", dest, "tx", result.TxHash)
}

// reverseAddressMap finds the NEAR account mapped to an Ethereum sender, for
// escrows that cannot embed a NEAR destination.
func (r *Resolver) reverseAddressMap(ethSender string) string {
	for near, eth := range r.cfg.AddressMap {
		if strings.EqualFold(eth, ethSender) {
			return near
		}
	}
	return ""
}
