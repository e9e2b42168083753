// Package bridge - normalized chain events emitted by the listeners.
package bridge

import (
	"fmt"
	"math/big"
	"time"
)

// EventKind distinguishes the two observable swap events.
type EventKind string

const (
	// EventEscrowCreated fires when a new swap leg is funded on a chain.
	EventEscrowCreated EventKind = "escrow_created"
	// EventLegCompleted fires when a claim revealing the secret is observed.
	EventLegCompleted EventKind = "leg_completed"
)

// ChainEvent is the canonical event shape every listener normalizes into.
// The same physical event can surface twice (live subscription plus
// reconciliation poll); DedupeKey identifies redeliveries.
type ChainEvent struct {
	Chain Chain
	Kind  EventKind

	// Transaction identity on the source chain.
	TxHash   string
	LogIndex uint
	Block    uint64

	// Escrow contents.
	EscrowID string
	Hashlock string // normalized
	Secret   string // set for leg_completed
	Amount   *big.Int
	Sender   string
	Receiver string

	// EmbeddedDest is a destination address carried inside the escrow payload
	// (the NEAR contract records the sender's eth_address, for example).
	EmbeddedDest string

	// Timelock is the escrow's absolute deadline, when the chain reports one.
	Timelock time.Time

	ObservedAt time.Time
}

// DedupeKey returns the event-identity key used for at-most-once forwarding.
// Transaction identity is preferred; listeners that only see escrow state
// fall back to the escrow id plus kind.
func (e *ChainEvent) DedupeKey() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s#%d", e.TxHash, e.LogIndex)
	}
	return fmt.Sprintf("%s@%s", e.EscrowID, e.Kind)
}
