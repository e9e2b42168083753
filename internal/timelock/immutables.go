// Package timelock - translation of escrow immutables between chains.
//
// Each chain records amounts in its own base unit and timestamps in its own
// resolution, so the parameters committed on the source leg have to be
// translated before they can be mirrored on the counterparty chain.
package timelock

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
)

var (
	ErrInvalidAddress = errors.New("invalid address for chain")
	ErrUnknownChain   = errors.New("unknown chain")
)

// Decimals returns the base-unit exponent of a chain's native asset
// (wei 1e18, yoctoNEAR 1e24, octa 1e8).
func Decimals(c bridge.Chain) (int, error) {
	switch c {
	case bridge.ChainEthereum:
		return 18, nil
	case bridge.ChainNEAR:
		return 24, nil
	case bridge.ChainAptos:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownChain, c)
}

// RescaleAmount converts an amount between base units of different exponents.
// Downscaling truncates toward zero; precision below the coarser unit is not
// representable on-chain anyway.
func RescaleAmount(amount *big.Int, fromDecimals, toDecimals int) *big.Int {
	if amount == nil {
		return nil
	}
	out := new(big.Int).Set(amount)
	switch {
	case toDecimals > fromDecimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(toDecimals-fromDecimals)), nil)
		out.Mul(out, exp)
	case toDecimals < fromDecimals:
		exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals-toDecimals)), nil)
		out.Quo(out, exp)
	}
	return out
}

// ToChainTimestamp converts an absolute deadline to the unit the chain's
// escrow contract expects: seconds on Ethereum, milliseconds on NEAR,
// microseconds on Aptos.
func ToChainTimestamp(t time.Time, c bridge.Chain) (int64, error) {
	switch c {
	case bridge.ChainEthereum:
		return t.Unix(), nil
	case bridge.ChainNEAR:
		return t.UnixMilli(), nil
	case bridge.ChainAptos:
		return t.UnixMicro(), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownChain, c)
}

// FromChainTimestamp converts a chain-native timestamp back to time.Time.
func FromChainTimestamp(ts int64, c bridge.Chain) (time.Time, error) {
	switch c {
	case bridge.ChainEthereum:
		return time.Unix(ts, 0).UTC(), nil
	case bridge.ChainNEAR:
		return time.UnixMilli(ts).UTC(), nil
	case bridge.ChainAptos:
		return time.UnixMicro(ts).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownChain, c)
}

// NEAR account ids: lowercase alphanumeric segments joined by . _ or -,
// 2 to 64 characters (implicit 64-hex accounts included).
var nearAccountRe = regexp.MustCompile(`^([a-z0-9]+([._-][a-z0-9]+)*)$`)

var aptosAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// ValidAddress reports whether addr is well-formed for the chain.
func ValidAddress(c bridge.Chain, addr string) bool {
	switch c {
	case bridge.ChainEthereum:
		return common.IsHexAddress(addr)
	case bridge.ChainNEAR:
		return len(addr) >= 2 && len(addr) <= 64 && nearAccountRe.MatchString(addr)
	case bridge.ChainAptos:
		return aptosAddressRe.MatchString(addr)
	}
	return false
}

// CanonicalAddress normalizes an address into the form used for on-chain
// submission and comparison.
func CanonicalAddress(c bridge.Chain, addr string) (string, error) {
	if !ValidAddress(c, addr) {
		return "", fmt.Errorf("%w: %q on %s", ErrInvalidAddress, addr, c)
	}
	switch c {
	case bridge.ChainEthereum:
		return common.HexToAddress(addr).Hex(), nil
	case bridge.ChainNEAR:
		return addr, nil
	case bridge.ChainAptos:
		hexPart := strings.ToLower(strings.TrimPrefix(addr, "0x"))
		return "0x" + strings.Repeat("0", 64-len(hexPart)) + hexPart, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownChain, c)
}

// Immutables are the parameters fixed at escrow creation.
type Immutables struct {
	Chain         bridge.Chain
	Hashlock      string
	Maker         string
	Taker         string
	Amount        *big.Int
	SafetyDeposit *big.Int
	Deadline      time.Time
}

// Translate converts immutables committed on one chain into the equivalent
// set for the destination chain: amounts rescaled to the destination base
// unit, addresses swapped for the destination-side parties, deadline carried
// over unchanged (the caller adds any safety margin).
func (im Immutables) Translate(dest bridge.Chain, destMaker, destTaker string) (Immutables, error) {
	fromDec, err := Decimals(im.Chain)
	if err != nil {
		return Immutables{}, err
	}
	toDec, err := Decimals(dest)
	if err != nil {
		return Immutables{}, err
	}

	maker, err := CanonicalAddress(dest, destMaker)
	if err != nil {
		return Immutables{}, err
	}
	taker, err := CanonicalAddress(dest, destTaker)
	if err != nil {
		return Immutables{}, err
	}

	return Immutables{
		Chain:         dest,
		Hashlock:      bridge.NormalizeHashlock(im.Hashlock),
		Maker:         maker,
		Taker:         taker,
		Amount:        RescaleAmount(im.Amount, fromDec, toDec),
		SafetyDeposit: RescaleAmount(im.SafetyDeposit, fromDec, toDec),
		Deadline:      im.Deadline,
	}, nil
}
