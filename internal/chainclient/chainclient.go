// Package chainclient provides per-chain escrow clients. Each client wraps
// one chain's RPC surface behind a common interface so the resolver never
// touches transport details.
package chainclient

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
)

// Client errors
var (
	ErrEscrowNotFound   = errors.New("escrow not found")
	ErrContractNotSet   = errors.New("contract address not configured")
	ErrTxFailed         = errors.New("transaction failed")
	ErrInvalidRecipient = errors.New("invalid recipient address")
)

// EscrowParams describes an escrow to create on the destination chain.
type EscrowParams struct {
	// EscrowID is the chain-specific identifier. Clients that derive IDs
	// themselves (NEAR, Aptos) ignore it; on Ethereum an empty ID defaults
	// to the hashlock.
	EscrowID string

	// Hashlock is normalized hex, no 0x.
	Hashlock string

	Recipient string
	Amount    *big.Int

	// Timelock is the absolute refund deadline.
	Timelock time.Time
}

// TxResult is the outcome of a submitted transaction.
type TxResult struct {
	TxHash string

	// EscrowID of the created escrow, when the call created one.
	EscrowID string
}

// Client is one chain's escrow operations. All methods honor ctx
// cancellation; submissions return once the chain accepts the transaction.
type Client interface {
	Chain() bridge.Chain

	// SignerAccount is the resolver's own account on this chain, empty when
	// the client is read-only.
	SignerAccount() string

	// CreateEscrow locks funds under a hashlock.
	CreateEscrow(ctx context.Context, p *EscrowParams) (*TxResult, error)

	// Claim withdraws an escrow by revealing the secret (normalized hex).
	Claim(ctx context.Context, escrowID, secret string) (*TxResult, error)

	// Cancel refunds an escrow after its timelock.
	Cancel(ctx context.Context, escrowID string) (*TxResult, error)

	// Transfer sends funds from the resolver's reserves directly, outside
	// any escrow.
	Transfer(ctx context.Context, recipient string, amount *big.Int) (*TxResult, error)

	// Balance returns an account's native balance in base units.
	Balance(ctx context.Context, account string) (*big.Int, error)

	// HeadBlock returns the latest finalized height the chain reports.
	HeadBlock(ctx context.Context) (uint64, error)
}

// CounterEscrowClient is implemented by clients whose resolver-held
// counter-escrows live on a different contract than user escrows. Claim and
// Cancel keep targeting user escrows; these target the resolver's own.
type CounterEscrowClient interface {
	ClaimCounterEscrow(ctx context.Context, escrowID, secret string) (*TxResult, error)
	CancelCounterEscrow(ctx context.Context, escrowID string) (*TxResult, error)
}
