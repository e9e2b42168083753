// Package bridge defines the cross-chain swap domain model: the Bridge record,
// its status machine, normalized chain events, and the shared bridge store.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Bridge errors
var (
	ErrBridgeNotFound    = errors.New("bridge not found")
	ErrBridgeTerminal    = errors.New("bridge is in a terminal state")
	ErrBackwardStatus    = errors.New("status transition would move backward")
	ErrUnknownBridgeType = errors.New("unknown bridge type")
)

// Chain identifies one of the three supported ledgers.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainNEAR     Chain = "near"
	ChainAptos    Chain = "aptos"
)

// Type is the direction of a bridge: source chain to destination chain.
type Type string

const (
	ETHToNEAR  Type = "eth_to_near"
	NEARToETH  Type = "near_to_eth"
	ETHToAptos Type = "eth_to_aptos"
	AptosToETH Type = "aptos_to_eth"
)

// AllTypes lists every supported bridge direction.
var AllTypes = []Type{ETHToNEAR, NEARToETH, ETHToAptos, AptosToETH}

// Source returns the chain on which the user funds the swap.
func (t Type) Source() Chain {
	switch t {
	case ETHToNEAR, ETHToAptos:
		return ChainEthereum
	case NEARToETH:
		return ChainNEAR
	case AptosToETH:
		return ChainAptos
	}
	return ""
}

// Destination returns the chain on which the counter-leg pays out.
func (t Type) Destination() Chain {
	switch t {
	case ETHToNEAR:
		return ChainNEAR
	case ETHToAptos:
		return ChainAptos
	case NEARToETH, AptosToETH:
		return ChainEthereum
	}
	return ""
}

// Valid reports whether t is a supported direction.
func (t Type) Valid() bool {
	return t.Source() != "" && t.Destination() != ""
}

// Status is the lifecycle state of a bridge.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// statusRank orders the forward progression. Terminal alternates are handled
// separately in CanTransition.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusActive:     2,
	StatusCompleted:  3,
}

// IsTerminal reports whether no further mutation is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRefunded
}

// CanTransition reports whether moving from s to next is allowed.
// Transitions are monotonic: never backward, never out of a terminal state.
// Failed and refunded are reachable from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusRefunded {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Bridge is the unit of work for one atomic swap. It is created by the
// resolver on the first observed event for a hashlock and direction, mutated
// only through the Store, and retained after completion for status queries.
type Bridge struct {
	ID     string
	Type   Type
	Status Status

	// Hashlock is normalized hex (lowercase, no 0x prefix). If Secret is set,
	// the leg's hash of the secret equals Hashlock.
	Hashlock string
	Secret   string

	// Amount is the source-leg amount in that chain's base units.
	// DestAmount is the converted counter-leg amount, set once computed.
	Amount     *big.Int
	DestAmount *big.Int

	// Participants. SourceSender funded the source escrow; DestRecipient
	// receives the counter-leg payout.
	SourceSender  string
	DestRecipient string

	// Escrow references and transaction hashes per leg.
	SourceEscrowID string
	DestEscrowID   string
	SourceTxHash   string
	DestTxHash     string

	// Timelock is the absolute deadline of the source escrow.
	Timelock time.Time

	CreatedAt   time.Time
	CompletedAt *time.Time

	// Error is set only when Status is failed.
	Error string
}

// NewID builds a bridge id from the direction, a hashlock prefix for log
// greppability, and a random suffix for uniqueness across restarts.
func NewID(t Type, hashlock string) string {
	prefix := hashlock
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s-%s", t, prefix, uuid.NewString()[:8])
}

// Clone returns a deep copy so readers never share mutable state with the store.
func (b *Bridge) Clone() *Bridge {
	c := *b
	if b.Amount != nil {
		c.Amount = new(big.Int).Set(b.Amount)
	}
	if b.DestAmount != nil {
		c.DestAmount = new(big.Int).Set(b.DestAmount)
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// bridgeJSON is the wire form of a Bridge. Base-unit amounts exceed float64
// precision, so they are serialized as decimal strings.
type bridgeJSON struct {
	ID             string `json:"id"`
	Type           Type   `json:"type"`
	Status         Status `json:"status"`
	Hashlock       string `json:"hashlock"`
	Secret         string `json:"secret,omitempty"`
	Amount         string `json:"amount,omitempty"`
	DestAmount     string `json:"dest_amount,omitempty"`
	SourceSender   string `json:"source_sender,omitempty"`
	DestRecipient  string `json:"dest_recipient,omitempty"`
	SourceEscrowID string `json:"source_escrow_id,omitempty"`
	DestEscrowID   string `json:"dest_escrow_id,omitempty"`
	SourceTxHash   string `json:"source_tx_hash,omitempty"`
	DestTxHash     string `json:"dest_tx_hash,omitempty"`
	Timelock       int64  `json:"timelock,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	CompletedAt    int64  `json:"completed_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (b *Bridge) MarshalJSON() ([]byte, error) {
	out := bridgeJSON{
		ID:             b.ID,
		Type:           b.Type,
		Status:         b.Status,
		Hashlock:       b.Hashlock,
		Secret:         b.Secret,
		SourceSender:   b.SourceSender,
		DestRecipient:  b.DestRecipient,
		SourceEscrowID: b.SourceEscrowID,
		DestEscrowID:   b.DestEscrowID,
		SourceTxHash:   b.SourceTxHash,
		DestTxHash:     b.DestTxHash,
		CreatedAt:      b.CreatedAt.Unix(),
		Error:          b.Error,
	}
	if b.Amount != nil {
		out.Amount = b.Amount.String()
	}
	if b.DestAmount != nil {
		out.DestAmount = b.DestAmount.String()
	}
	if !b.Timelock.IsZero() {
		out.Timelock = b.Timelock.Unix()
	}
	if b.CompletedAt != nil {
		out.CompletedAt = b.CompletedAt.Unix()
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bridge) UnmarshalJSON(data []byte) error {
	var in bridgeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*b = Bridge{
		ID:             in.ID,
		Type:           in.Type,
		Status:         in.Status,
		Hashlock:       in.Hashlock,
		Secret:         in.Secret,
		SourceSender:   in.SourceSender,
		DestRecipient:  in.DestRecipient,
		SourceEscrowID: in.SourceEscrowID,
		DestEscrowID:   in.DestEscrowID,
		SourceTxHash:   in.SourceTxHash,
		DestTxHash:     in.DestTxHash,
		CreatedAt:      time.Unix(in.CreatedAt, 0).UTC(),
		Error:          in.Error,
	}
	if in.Amount != "" {
		amt, ok := new(big.Int).SetString(in.Amount, 10)
		if !ok {
			return fmt.Errorf("invalid amount %q", in.Amount)
		}
		b.Amount = amt
	}
	if in.DestAmount != "" {
		amt, ok := new(big.Int).SetString(in.DestAmount, 10)
		if !ok {
			return fmt.Errorf("invalid dest_amount %q", in.DestAmount)
		}
		b.DestAmount = amt
	}
	if in.Timelock != 0 {
		b.Timelock = time.Unix(in.Timelock, 0).UTC()
	}
	if in.CompletedAt != 0 {
		t := time.Unix(in.CompletedAt, 0).UTC()
		b.CompletedAt = &t
	}
	return nil
}
