package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/chainclient"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/internal/storage"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

const aptosEventPageSize = 100

// aptosSource is the slice of the Aptos client the listener uses.
type aptosSource interface {
	Module() string
	FusionModule() string
	ModuleAddress() string
	HeadBlock(ctx context.Context) (uint64, error)
	Events(ctx context.Context, account, handleStruct, field string, start uint64, limit int) ([]*chainclient.AptosEvent, error)
}

// aptosHandle is one event stream to page through. The cursor key keeps
// each stream's sequence position in scan_state.
type aptosHandle struct {
	account      string
	handleStruct string
	field        string
	cursorKey    string
	kind         bridge.EventKind
}

// AptosListener pages each module's event handles by sequence number.
type AptosListener struct {
	*emitter

	source       aptosSource
	handles      []aptosHandle
	pollInterval time.Duration

	initialized bool
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

// NewAptosListener wires the listener to an existing escrow client.
func NewAptosListener(client *chainclient.Aptos, cfg *config.Config, store *storage.Storage, log *logging.Logger) *AptosListener {
	l := &AptosListener{
		emitter:      newEmitter(bridge.ChainAptos, store, cfg.Listener, log),
		source:       client,
		pollInterval: cfg.Listener.PollInterval,
	}
	l.handles = moduleHandles(client.Module(), client.ModuleAddress(), "aptos")
	if fusion := client.FusionModule(); fusion != "" {
		addr, _, _ := strings.Cut(fusion, "::")
		l.handles = append(l.handles, moduleHandles(fusion, addr, "aptos-fusion")...)
	}
	return l
}

func moduleHandles(module, address, cursorPrefix string) []aptosHandle {
	return []aptosHandle{
		{
			account:      address,
			handleStruct: module + "::EscrowEvents",
			field:        "created_events",
			cursorKey:    cursorPrefix + ":created",
			kind:         bridge.EventEscrowCreated,
		},
		{
			account:      address,
			handleStruct: module + "::EscrowEvents",
			field:        "claimed_events",
			cursorKey:    cursorPrefix + ":claimed",
			kind:         bridge.EventLegCompleted,
		},
	}
}

// Chain implements Listener.
func (l *AptosListener) Chain() bridge.Chain {
	return bridge.ChainAptos
}

// Initialize implements Listener.
func (l *AptosListener) Initialize(ctx context.Context) error {
	// The module account must exist and answer; a missing module surfaces
	// as a resource_not_found on the first event page.
	if _, err := l.source.HeadBlock(ctx); err != nil {
		return fmt.Errorf("failed to reach aptos node: %w", err)
	}
	if err := l.warm(); err != nil {
		return err
	}
	l.initialized = true
	l.log.Info("aptos listener initialized", "module", l.source.Module())
	return nil
}

// StartListening implements Listener.
func (l *AptosListener) StartListening(ctx context.Context) error {
	if !l.initialized {
		return ErrNotInitialized
	}
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.pollLoop(ctx)
	return nil
}

// StopListening implements Listener.
func (l *AptosListener) StopListening() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.stopAndClose()
}

func (l *AptosListener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		for _, h := range l.handles {
			if err := l.scanHandle(ctx, h); err != nil && ctx.Err() == nil {
				l.log.Warn("event scan failed, retrying next tick",
					"field", h.field, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scanHandle pages one event stream from its persisted sequence cursor.
func (l *AptosListener) scanHandle(ctx context.Context, h aptosHandle) error {
	start, err := l.store.GetScanCursor(h.cursorKey)
	if err != nil {
		return err
	}

	for {
		events, err := l.source.Events(ctx, h.account, h.handleStruct, h.field,
			start, aptosEventPageSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, raw := range events {
			ev, err := l.decodeEvent(h, raw)
			if err != nil {
				l.log.Warn("skipping malformed event",
					"field", h.field, "sequence", raw.SequenceNumber, "error", err)
				continue
			}
			l.emit(ev)
		}

		last, err := strconv.ParseUint(events[len(events)-1].SequenceNumber, 10, 64)
		if err != nil {
			return fmt.Errorf("bad event sequence number: %w", err)
		}
		start = last + 1
		if err := l.store.SetScanCursor(h.cursorKey, start); err != nil {
			return err
		}
		if len(events) < aptosEventPageSize {
			return nil
		}
	}
}

func (l *AptosListener) decodeEvent(h aptosHandle, raw *chainclient.AptosEvent) (*bridge.ChainEvent, error) {
	version, err := strconv.ParseUint(raw.Version, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad event version: %w", err)
	}

	ev := &bridge.ChainEvent{
		Chain: bridge.ChainAptos,
		Kind:  h.kind,
		Block: version,
	}

	switch h.kind {
	case bridge.EventEscrowCreated:
		var data struct {
			EscrowID  string `json:"escrow_id"`
			Sender    string `json:"sender"`
			Recipient string `json:"recipient"`
			Amount    string `json:"amount"`
			Hashlock  string `json:"hashlock"`
			Timelock  string `json:"timelock"`
		}
		if err := decodeEventData(raw.Data, &data); err != nil {
			return nil, err
		}
		amount, ok := new(big.Int).SetString(data.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("bad amount %q", data.Amount)
		}
		timelock, err := strconv.ParseInt(data.Timelock, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timelock %q", data.Timelock)
		}
		ev.EscrowID = data.EscrowID
		ev.Sender = data.Sender
		ev.Receiver = data.Recipient
		ev.Amount = amount
		ev.Hashlock = bridge.NormalizeHashlock(data.Hashlock)
		ev.Timelock = time.UnixMicro(timelock)

	case bridge.EventLegCompleted:
		var data struct {
			EscrowID string `json:"escrow_id"`
			Secret   string `json:"secret"`
		}
		if err := decodeEventData(raw.Data, &data); err != nil {
			return nil, err
		}
		ev.EscrowID = data.EscrowID
		ev.Secret = strings.TrimPrefix(data.Secret, "0x")
	}

	// Event handles have no tx identity; sequence position fills in for
	// the dedupe key's log index.
	seq, err := strconv.ParseUint(raw.SequenceNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad event sequence number: %w", err)
	}
	ev.TxHash = fmt.Sprintf("%s:%s", h.handleStruct, h.field)
	ev.LogIndex = uint(seq)

	return ev, nil
}

func decodeEventData(data map[string]json.RawMessage, dst any) error {
	buf, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}
