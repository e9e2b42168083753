package chainclient

import (
	"math/big"
	"strings"
	"testing"
	"time"
)

func testEscrowParams(t *testing.T) *EscrowParams {
	t.Helper()
	return &EscrowParams{
		Hashlock:  strings.Repeat("ab", 32),
		Recipient: "0xb0b0000000000000000000000000000000000000000000000000000000000002",
		Amount:    big.NewInt(150_000_000),
		Timelock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
