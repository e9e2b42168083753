// Package resolver is the bridge state machine. It consumes normalized chain
// events, runs the per-direction swap protocols against the chain clients,
// and owns all cross-goroutine bridge state through the bridge store and the
// secret registry.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/internal/rates"
	"github.com/crosslock-exchange/crosslockd/internal/timelock"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

// destTimelockMargin pads the counter-escrow deadline past the source leg's,
// so the resolver can always reclaim its own funds after the user's window.
const destTimelockMargin = 24 * time.Hour

// Resolver errors
var (
	ErrInvalidRequest = errors.New("invalid bridge request")
	ErrInvalidSecret  = errors.New("secret does not match hashlock")
	ErrPairDisabled   = errors.New("bridge direction not configured")
)

// chainAssets maps chains to their priced asset.
var chainAssets = map[bridge.Chain]rates.Asset{
	bridge.ChainEthereum: rates.AssetETH,
	bridge.ChainNEAR:     rates.AssetNEAR,
	bridge.ChainAptos:    rates.AssetAPT,
}

// BridgeRequest is the caller-facing initiation payload.
type BridgeRequest struct {
	Type     bridge.Type
	Amount   *big.Int
	Hashlock string

	// Timelock is the absolute source-escrow deadline.
	Timelock time.Time

	// DestRecipient is the payout address on the destination chain.
	DestRecipient string

	// SourceSender is the funding account on the source chain. Required for
	// the non-EVM source directions, where it keys address resolution.
	SourceSender string
}

// Resolver drives bridges from observed escrow to settled swap.
type Resolver struct {
	cfg     *config.Config
	log     *logging.Logger
	bridges *bridge.Store
	secrets *SecretRegistry
	rates   *rates.Service
	clients map[bridge.Chain]chainclient.Client
	sched   *scheduler

	created   chan *bridge.Bridge
	completed chan *bridge.Bridge
	failed    chan *bridge.Bridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the resolver. clients may omit chains; directions touching a
// missing chain fail with ErrPairDisabled.
func New(cfg *config.Config, bridges *bridge.Store, secrets *SecretRegistry, rateSvc *rates.Service, clients map[bridge.Chain]chainclient.Client, log *logging.Logger) *Resolver {
	r := &Resolver{
		cfg:       cfg,
		log:       log,
		bridges:   bridges,
		secrets:   secrets,
		rates:     rateSvc,
		clients:   clients,
		created:   make(chan *bridge.Bridge, 16),
		completed: make(chan *bridge.Bridge, 16),
		failed:    make(chan *bridge.Bridge, 16),
	}
	r.sched = newScheduler(defaultMonitorInterval, secrets.Lookup, r.onSecretFound, log)
	return r
}

// Start launches the secret scheduler and the cancellation sweep. Call
// before Consume.
func (r *Resolver) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.sched.run(r.ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.runCancelSweeps(r.ctx)
	}()

	// Bridges restored from storage resume their secret monitoring.
	for _, b := range r.bridges.Active() {
		if b.Status == bridge.StatusActive {
			r.sched.watch(b.ID, b.Hashlock, b.CreatedAt.Add(r.cfg.Timelock.Offsets().MaxWait()))
		}
	}
}

// Consume drains one listener's event channel until it closes.
func (r *Resolver) Consume(events <-chan *bridge.ChainEvent) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.handleEvent(r.ctx, ev)
			}
		}
	}()
}

// Stop cancels all loops and waits for them.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// BridgeCreated notifies each newly created bridge.
func (r *Resolver) BridgeCreated() <-chan *bridge.Bridge { return r.created }

// BridgeCompleted notifies each completed bridge.
func (r *Resolver) BridgeCompleted() <-chan *bridge.Bridge { return r.completed }

// BridgeFailed notifies each failed bridge.
func (r *Resolver) BridgeFailed() <-chan *bridge.Bridge { return r.failed }

// ============================================================================
// Public API
// ============================================================================

// InitiateBridge validates a request and creates a pending bridge. When the
// source escrow has already been observed, the counter-leg is attempted
// synchronously; its failure never fails the call.
func (r *Resolver) InitiateBridge(ctx context.Context, req *BridgeRequest) (*bridge.Bridge, error) {
	if err := r.validateRequest(req); err != nil {
		return nil, err
	}
	hashlock := bridge.NormalizeHashlock(req.Hashlock)

	b, isNew := r.bridges.GetOrCreate(req.Type, hashlock, func(b *bridge.Bridge) {
		b.Amount = req.Amount
		b.Timelock = req.Timelock
		b.DestRecipient = req.DestRecipient
		b.SourceSender = req.SourceSender
	})
	if isNew {
		r.log.Info("bridge initiated", "bridge_id", b.ID, "type", b.Type)
		r.notify(r.created, b)
	} else {
		// The escrow event may have arrived first; fill what it could not know.
		err := r.bridges.Update(b.ID, func(b *bridge.Bridge) error {
			if b.DestRecipient == "" {
				b.DestRecipient = req.DestRecipient
			}
			if b.SourceSender == "" {
				b.SourceSender = req.SourceSender
			}
			if b.Timelock.IsZero() {
				b.Timelock = req.Timelock
			}
			return nil
		})
		if err != nil && !errors.Is(err, bridge.ErrBridgeTerminal) {
			return nil, err
		}
	}

	r.processBridge(ctx, b.ID)
	out, err := r.bridges.Get(b.ID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) validateRequest(req *BridgeRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if bridge.NormalizeHashlock(req.Hashlock) == "" {
		return fmt.Errorf("%w: hashlock is required", ErrInvalidRequest)
	}
	if req.Timelock.IsZero() || !req.Timelock.After(time.Now()) {
		return fmt.Errorf("%w: timelock must be in the future", ErrInvalidRequest)
	}
	if req.DestRecipient == "" {
		return fmt.Errorf("%w: destination recipient is required", ErrInvalidRequest)
	}
	if req.Type.Destination() == bridge.ChainEthereum && !common.IsHexAddress(req.DestRecipient) {
		return fmt.Errorf("%w: %q is not an ethereum address", ErrInvalidRequest, req.DestRecipient)
	}
	if src := req.Type.Source(); src != bridge.ChainEthereum && req.SourceSender == "" {
		return fmt.Errorf("%w: %s sender account is required", ErrInvalidRequest, src)
	}
	return nil
}

// CompleteBridge finishes a swap with a caller-supplied secret. The secret is
// verified against the bridge's hashlock before any state changes.
func (r *Resolver) CompleteBridge(ctx context.Context, id, secret string) error {
	b, err := r.bridges.Get(id)
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return bridge.ErrBridgeTerminal
	}
	if !bridge.VerifySecret(secret, b.Hashlock, b.Type) {
		return ErrInvalidSecret
	}
	return r.settle(ctx, id, secret)
}

// RegisterSecret records an externally revealed secret and settles any bridge
// waiting on it. The HTTP boundary verifies hash(secret) == hashlock before
// calling; a registered value is trusted here.
func (r *Resolver) RegisterSecret(ctx context.Context, hashlock, secret string) error {
	if err := r.secrets.Register(hashlock, secret, "external"); err != nil {
		return err
	}

	b, err := r.bridges.ByHashlock(bridge.NormalizeHashlock(hashlock))
	if err != nil {
		return nil
	}
	if b.Status.IsTerminal() {
		return nil
	}
	if err := r.settle(ctx, b.ID, secret); err != nil {
		r.log.Warn("settlement after secret registration failed",
			"bridge_id", b.ID, "error", err)
	}
	return nil
}

// Status reports bridge counts per status.
func (r *Resolver) Status() map[bridge.Status]int {
	out := make(map[bridge.Status]int)
	for _, b := range r.bridges.All() {
		out[b.Status]++
	}
	return out
}

// AllBridges returns every bridge, completed ones included.
func (r *Resolver) AllBridges() []*bridge.Bridge { return r.bridges.All() }

// ActiveBridges returns bridges still awaiting a counter-leg.
func (r *Resolver) ActiveBridges() []*bridge.Bridge { return r.bridges.Active() }

// BridgeByID is a pure read.
func (r *Resolver) BridgeByID(id string) (*bridge.Bridge, error) { return r.bridges.Get(id) }

// ============================================================================
// Internals shared by the direction handlers
// ============================================================================

func (r *Resolver) client(chain bridge.Chain) (chainclient.Client, error) {
	c, ok := r.clients[chain]
	if !ok || c == nil {
		return nil, fmt.Errorf("%w: no %s client", ErrPairDisabled, chain)
	}
	return c, nil
}

// convert prices a source-leg amount into destination base units.
func (r *Resolver) convert(ctx context.Context, amount *big.Int, from, to bridge.Chain) (*big.Int, error) {
	return r.rates.Convert(ctx, amount, chainAssets[from], chainAssets[to])
}

func (r *Resolver) notify(ch chan *bridge.Bridge, b *bridge.Bridge) {
	select {
	case ch <- b:
	default:
	}
}

// fail moves a bridge to failed with a recorded cause.
func (r *Resolver) fail(id string, cause error) {
	err := r.bridges.Transition(id, bridge.StatusFailed, func(b *bridge.Bridge) error {
		b.Error = cause.Error()
		return nil
	})
	if err != nil {
		r.log.Error("failed to mark bridge failed", "bridge_id", id, "error", err)
		return
	}
	r.sched.drop(id)
	if b, err := r.bridges.Get(id); err == nil {
		r.log.Warn("bridge failed", "bridge_id", id, "cause", cause)
		r.notify(r.failed, b)
	}
}

// onSecretFound is the scheduler callback.
func (r *Resolver) onSecretFound(ctx context.Context, bridgeID, secret string) {
	if err := r.settle(ctx, bridgeID, secret); err != nil {
		r.log.Warn("settlement on revealed secret failed",
			"bridge_id", bridgeID, "error", err)
	}
}

// settle claims what the resolver is owed and finalizes the bridge. Safe to
// call repeatedly; a terminal bridge is a no-op and racing finalizers are
// serialized by the store.
func (r *Resolver) settle(ctx context.Context, id, secret string) error {
	b, err := r.bridges.Get(id)
	if err != nil {
		return err
	}
	if b.Status.IsTerminal() {
		return nil
	}
	if !bridge.VerifySecret(secret, b.Hashlock, b.Type) {
		return ErrInvalidSecret
	}
	if err := r.secrets.Register(b.Hashlock, secret, string(b.Type.Destination())); err != nil {
		return err
	}

	var sourceTx string
	if b.SourceEscrowID != "" {
		client, err := r.client(b.Type.Source())
		if err != nil {
			return err
		}
		if r.stagedSource(b) {
			// Staged escrows stop honoring the secret past the withdrawal
			// stages; the sweep reclaims the counter-leg instead.
			stage := timelock.StageAt(b.CreatedAt, time.Now(), r.cfg.Timelock.Offsets())
			if !timelock.CanClaim(stage, client.SignerAccount(), client.SignerAccount()) {
				return fmt.Errorf("claim window closed at stage %s", stage)
			}
		} else if !b.Timelock.IsZero() && !time.Now().Before(b.Timelock) {
			// Plain HTLCs accept the secret until their own timelock.
			return fmt.Errorf("source escrow expired at %s", b.Timelock)
		}
		result, err := client.Claim(ctx, b.SourceEscrowID, secret)
		if err != nil {
			return fmt.Errorf("failed to claim source escrow: %w", err)
		}
		sourceTx = result.TxHash
	}

	// The fusion path still holds the destination escrow; claim it and pass
	// the funds on to the user.
	if b.Type == bridge.ETHToAptos && b.DestEscrowID != "" {
		if err := r.redistributeAptos(ctx, b, secret); err != nil {
			return err
		}
	}

	err = r.bridges.Transition(id, bridge.StatusCompleted, func(b *bridge.Bridge) error {
		b.Secret = secret
		if sourceTx != "" {
			b.SourceTxHash = sourceTx
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.sched.drop(id)
	if done, err := r.bridges.Get(id); err == nil {
		r.log.Info("bridge completed", "bridge_id", id, "type", done.Type)
		r.notify(r.completed, done)
	}
	return nil
}

// stagedSource reports whether the bridge's source escrow follows the
// multi-stage fusion schedule rather than a single timelock.
func (r *Resolver) stagedSource(b *bridge.Bridge) bool {
	return b.Type == bridge.ETHToAptos && r.cfg.FusionEnabled()
}

// claimCounterEscrow claims a resolver-held escrow through the client's
// counter-escrow surface when it has one.
func claimCounterEscrow(ctx context.Context, c chainclient.Client, escrowID, secret string) (*chainclient.TxResult, error) {
	if cc, ok := c.(chainclient.CounterEscrowClient); ok {
		return cc.ClaimCounterEscrow(ctx, escrowID, secret)
	}
	return c.Claim(ctx, escrowID, secret)
}

// cancelCounterEscrow is the reclaim counterpart of claimCounterEscrow.
func cancelCounterEscrow(ctx context.Context, c chainclient.Client, escrowID string) (*chainclient.TxResult, error) {
	if cc, ok := c.(chainclient.CounterEscrowClient); ok {
		return cc.CancelCounterEscrow(ctx, escrowID)
	}
	return c.Cancel(ctx, escrowID)
}

// redistributeAptos claims the resolver's own fusion escrow and forwards the
// proceeds to the user.
func (r *Resolver) redistributeAptos(ctx context.Context, b *bridge.Bridge, secret string) error {
	client, err := r.client(bridge.ChainAptos)
	if err != nil {
		return err
	}
	if _, err := claimCounterEscrow(ctx, client, b.DestEscrowID, secret); err != nil {
		return fmt.Errorf("failed to claim fusion escrow: %w", err)
	}
	recipient, err := timelock.CanonicalAddress(bridge.ChainAptos, b.DestRecipient)
	if err != nil {
		return err
	}
	if _, err := client.Transfer(ctx, recipient, b.DestAmount); err != nil {
		return fmt.Errorf("failed to redistribute: %w", err)
	}
	return nil
}
