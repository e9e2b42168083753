package listener

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/internal/storage"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

// ethBackend is the slice of ethclient.Client the listener uses.
type ethBackend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EthereumListener scans escrow contract logs. The poll loop is the source
// of truth; an optional websocket subscription shortens latency but every
// log it sees is re-scanned by the next poll window anyway.
type EthereumListener struct {
	*emitter

	backend       ethBackend
	ws            *ethclient.Client
	contract      common.Address
	contractABI   abi.ABI
	confirmations uint64
	pollInterval  time.Duration
	maxBlockRange uint64

	initialized bool
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// NewEthereumListener wires the listener to an existing escrow client.
func NewEthereumListener(client *chainclient.Ethereum, cfg *config.Config, store *storage.Storage, log *logging.Logger) *EthereumListener {
	l := &EthereumListener{
		emitter:       newEmitter(bridge.ChainEthereum, store, cfg.Listener, log),
		backend:       client.RPC(),
		contract:      client.ContractAddress(),
		contractABI:   client.ABI(),
		confirmations: cfg.Ethereum.Confirmations,
		pollInterval:  cfg.Listener.PollInterval,
		maxBlockRange: cfg.Listener.MaxBlockRange,
	}
	if cfg.Ethereum.WSURL != "" {
		if ws, err := ethclient.Dial(cfg.Ethereum.WSURL); err != nil {
			log.Warn("websocket dial failed, falling back to polling only", "error", err)
		} else {
			l.ws = ws
		}
	}
	return l
}

// Chain implements Listener.
func (l *EthereumListener) Chain() bridge.Chain {
	return bridge.ChainEthereum
}

// Initialize implements Listener. A contract address with no code behind
// it is a configuration error, not something to retry.
func (l *EthereumListener) Initialize(ctx context.Context) error {
	code, err := l.backend.CodeAt(ctx, l.contract, nil)
	if err != nil {
		return fmt.Errorf("failed to check contract: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContract, l.contract.Hex())
	}
	if err := l.warm(); err != nil {
		return err
	}
	l.initialized = true
	l.log.Info("ethereum listener initialized", "contract", l.contract.Hex())
	return nil
}

// StartListening implements Listener.
func (l *EthereumListener) StartListening(ctx context.Context) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.pollLoop(ctx)

	if l.ws != nil {
		l.wg.Add(1)
		go l.subscribeLoop(ctx)
	}
	return nil
}

// StopListening implements Listener.
func (l *EthereumListener) StopListening() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	if l.ws != nil {
		l.ws.Close()
	}
	l.stopAndClose()
}

func (l *EthereumListener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		if err := l.scanOnce(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("log scan failed, retrying next tick", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanOnce advances the persisted cursor through one confirmed window.
func (l *EthereumListener) scanOnce(ctx context.Context) error {
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if head <= l.confirmations {
		return nil
	}
	safe := head - l.confirmations

	cursor, err := l.store.GetScanCursor(string(l.chain))
	if err != nil {
		return err
	}
	if cursor == 0 {
		// First run starts at the safe head; history predating the
		// resolver is not ours to replay.
		return l.store.SetScanCursor(string(l.chain), safe)
	}
	if cursor >= safe {
		return nil
	}

	from := cursor + 1
	to := safe
	if l.maxBlockRange > 0 && to-from+1 > l.maxBlockRange {
		to = from + l.maxBlockRange - 1
	}

	logs, err := l.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.contract},
	})
	if err != nil {
		return err
	}
	for i := range logs {
		l.handleLog(&logs[i])
	}
	return l.store.SetScanCursor(string(l.chain), to)
}

func (l *EthereumListener) subscribeLoop(ctx context.Context) {
	defer l.wg.Done()

	for ctx.Err() == nil {
		logs := make(chan types.Log, 64)
		sub, err := l.ws.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
			Addresses: []common.Address{l.contract},
		}, logs)
		if err != nil {
			l.log.Warn("log subscription failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.pollInterval):
				continue
			}
		}

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err := <-sub.Err():
				l.log.Warn("log subscription dropped", "error", err)
				break recv
			case lg := <-logs:
				l.handleLog(&lg)
			}
		}
	}
}

// handleLog normalizes one contract log. Unknown or malformed logs are
// skipped, never fatal.
func (l *EthereumListener) handleLog(lg *types.Log) {
	if lg.Removed || len(lg.Topics) == 0 {
		return
	}

	ev, err := l.decodeLog(lg)
	if err != nil {
		l.log.Warn("skipping malformed log", "tx", lg.TxHash.Hex(), "error", err)
		return
	}
	if ev != nil {
		l.emit(ev)
	}
}

func (l *EthereumListener) decodeLog(lg *types.Log) (*bridge.ChainEvent, error) {
	event, err := l.contractABI.EventByID(lg.Topics[0])
	if err != nil {
		// Not one of ours.
		return nil, nil
	}

	ev := &bridge.ChainEvent{
		Chain:    bridge.ChainEthereum,
		TxHash:   lg.TxHash.Hex(),
		LogIndex: lg.Index,
		Block:    lg.BlockNumber,
	}

	switch event.Name {
	case "EscrowCreated":
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("EscrowCreated wants 3 topics, got %d", len(lg.Topics))
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, err
		}
		if len(values) != 4 {
			return nil, fmt.Errorf("EscrowCreated wants 4 data fields, got %d", len(values))
		}
		// Non-indexed order: recipient, amount, hashlock, timelock.
		hashlock := values[2].([32]byte)
		timelock := values[3].(*big.Int)

		ev.Kind = bridge.EventEscrowCreated
		ev.EscrowID = lg.Topics[1].Hex()
		ev.Sender = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		ev.Receiver = values[0].(common.Address).Hex()
		ev.Amount = values[1].(*big.Int)
		ev.Hashlock = hex.EncodeToString(hashlock[:])
		ev.Timelock = time.Unix(timelock.Int64(), 0)

	case "EscrowClaimed":
		if len(lg.Topics) < 2 {
			return nil, fmt.Errorf("EscrowClaimed wants 2 topics, got %d", len(lg.Topics))
		}
		values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, err
		}
		secret := values[0].([32]byte)

		ev.Kind = bridge.EventLegCompleted
		ev.EscrowID = lg.Topics[1].Hex()
		ev.Secret = hex.EncodeToString(secret[:])

	case "EscrowCancelled":
		// Refunds are driven by our own timelock scheduler; a third-party
		// cancel only shows up here, and logging it is enough.
		l.log.Info("observed escrow cancellation", "escrow_id", lg.Topics[1].Hex())
		return nil, nil

	default:
		return nil, nil
	}
	return ev, nil
}
