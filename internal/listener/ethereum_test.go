package listener

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

type stubEthBackend struct {
	code    []byte
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
}

func (s *stubEthBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return s.code, nil
}

func (s *stubEthBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return s.head, nil
}

func (s *stubEthBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.queries = append(s.queries, q)
	return s.logs, nil
}

func escrowABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(chainclient.EscrowABI))
	if err != nil {
		t.Fatalf("failed to parse ABI: %v", err)
	}
	return parsed
}

func newTestEthListener(t *testing.T, backend *stubEthBackend) *EthereumListener {
	t.Helper()
	return &EthereumListener{
		emitter:       newEmitter(bridge.ChainEthereum, newTestStore(t), testListenerConfig(16), logging.Default()),
		backend:       backend,
		contract:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		contractABI:   escrowABI(t),
		confirmations: 5,
		pollInterval:  time.Second,
		maxBlockRange: 50,
	}
}

func TestEthereumInitializeRequiresContract(t *testing.T) {
	l := newTestEthListener(t, &stubEthBackend{})

	if err := l.Initialize(context.Background()); err == nil {
		t.Fatal("expected an error for a codeless address")
	}

	l = newTestEthListener(t, &stubEthBackend{code: []byte{0x60}})
	if err := l.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
}

func TestEthereumStartRequiresInitialize(t *testing.T) {
	l := newTestEthListener(t, &stubEthBackend{code: []byte{0x60}})

	if err := l.StartListening(context.Background()); err != ErrNotInitialized {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
}

func TestEthereumScanWindow(t *testing.T) {
	backend := &stubEthBackend{head: 1000}
	l := newTestEthListener(t, backend)

	// First scan anchors the cursor at the safe head without filtering.
	if err := l.scanOnce(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(backend.queries) != 0 {
		t.Fatalf("first scan should not filter, got %d queries", len(backend.queries))
	}
	cursor, err := l.store.GetScanCursor(string(bridge.ChainEthereum))
	if err != nil {
		t.Fatalf("cursor read failed: %v", err)
	}
	if cursor != 995 {
		t.Fatalf("cursor = %d, want head minus confirmations", cursor)
	}

	// A lagging cursor scans a window capped by maxBlockRange.
	if err := l.store.SetScanCursor(string(bridge.ChainEthereum), 900); err != nil {
		t.Fatalf("cursor write failed: %v", err)
	}
	if err := l.scanOnce(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(backend.queries) != 1 {
		t.Fatalf("got %d queries, want 1", len(backend.queries))
	}
	q := backend.queries[0]
	if q.FromBlock.Uint64() != 901 || q.ToBlock.Uint64() != 950 {
		t.Errorf("window = [%s, %s], want [901, 950]", q.FromBlock, q.ToBlock)
	}
	cursor, _ = l.store.GetScanCursor(string(bridge.ChainEthereum))
	if cursor != 950 {
		t.Errorf("cursor = %d, want 950", cursor)
	}
}

func createdLog(t *testing.T, parsed abi.ABI) types.Log {
	t.Helper()
	var hashlock [32]byte
	copy(hashlock[:], mustHex(t, strings.Repeat("ab", 32)))

	data, err := parsed.Events["EscrowCreated"].Inputs.NonIndexed().Pack(
		common.HexToAddress("0xb0b0000000000000000000000000000000000002"),
		big.NewInt(1_000_000),
		hashlock,
		big.NewInt(1767225600),
	)
	if err != nil {
		t.Fatalf("failed to pack log data: %v", err)
	}

	return types.Log{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Topics: []common.Hash{
			parsed.Events["EscrowCreated"].ID,
			common.HexToHash("0x01"),
			common.HexToHash("0x000000000000000000000000a11ce00000000000000000000000000000000001"),
		},
		Data:        data,
		BlockNumber: 910,
		TxHash:      common.HexToHash("0xdead"),
		Index:       3,
	}
}

func TestEthereumDecodeCreatedLog(t *testing.T) {
	l := newTestEthListener(t, &stubEthBackend{})
	lg := createdLog(t, l.contractABI)

	ev, err := l.decodeLog(&lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != bridge.EventEscrowCreated {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.Amount.Int64() != 1_000_000 {
		t.Errorf("amount = %s", ev.Amount)
	}
	if ev.Hashlock != strings.Repeat("ab", 32) {
		t.Errorf("hashlock = %q", ev.Hashlock)
	}
	if ev.Sender != common.HexToAddress("0xa11ce00000000000000000000000000000000001").Hex() {
		t.Errorf("sender = %q", ev.Sender)
	}
	if !ev.Timelock.Equal(time.Unix(1767225600, 0)) {
		t.Errorf("timelock = %v", ev.Timelock)
	}
	if ev.TxHash == "" || ev.LogIndex != 3 {
		t.Errorf("tx identity = %s#%d", ev.TxHash, ev.LogIndex)
	}
}

func TestEthereumDecodeClaimedLog(t *testing.T) {
	l := newTestEthListener(t, &stubEthBackend{})
	parsed := l.contractABI

	var secret [32]byte
	copy(secret[:], mustHex(t, strings.Repeat("7f", 32)))
	data, err := parsed.Events["EscrowClaimed"].Inputs.NonIndexed().Pack(secret)
	if err != nil {
		t.Fatalf("failed to pack log data: %v", err)
	}
	lg := types.Log{
		Topics: []common.Hash{parsed.Events["EscrowClaimed"].ID, common.HexToHash("0x01")},
		Data:   data,
		TxHash: common.HexToHash("0xbeef"),
	}

	ev, err := l.decodeLog(&lg)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.Kind != bridge.EventLegCompleted {
		t.Errorf("kind = %s", ev.Kind)
	}
	if ev.Secret != strings.Repeat("7f", 32) {
		t.Errorf("secret = %q", ev.Secret)
	}
}

func TestEthereumIgnoresForeignLog(t *testing.T) {
	l := newTestEthListener(t, &stubEthBackend{})
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}}

	ev, err := l.decodeLog(&lg)
	if err != nil || ev != nil {
		t.Fatalf("foreign log should decode to nothing, got %+v, %v", ev, err)
	}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return raw
}
