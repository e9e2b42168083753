package chainclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

const (
	aptosMaxGas       = "20000"
	aptosGasUnitPrice = "100"
	aptosTxExpiry     = 10 * time.Minute
	aptosCommitPoll   = time.Second
	aptosCommitWait   = 30 * time.Second
)

// AptosTransaction is the REST API's JSON transaction shape.
type AptosTransaction struct {
	Sender                  string                  `json:"sender"`
	SequenceNumber          string                  `json:"sequence_number"`
	MaxGasAmount            string                  `json:"max_gas_amount"`
	GasUnitPrice            string                  `json:"gas_unit_price"`
	ExpirationTimestampSecs string                  `json:"expiration_timestamp_secs"`
	Payload                 *AptosPayload           `json:"payload"`
	Signature               *AptosSignature         `json:"signature,omitempty"`
}

// AptosPayload is an entry function call.
type AptosPayload struct {
	Type          string   `json:"type"`
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []any    `json:"arguments"`
}

// AptosSignature is the single-key ed25519 authenticator.
type AptosSignature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// AptosEvent is one entry from an account's event handle.
type AptosEvent struct {
	Version        string                     `json:"version"`
	SequenceNumber string                     `json:"sequence_number"`
	Type           string                     `json:"type"`
	Data           map[string]json.RawMessage `json:"data"`
}

// Aptos is the escrow client for the Aptos leg.
type Aptos struct {
	restURL string
	http    *http.Client
	module  string // "0xaddr::module"
	fusion  string // staged module, may be empty
	address string
	key     ed25519.PrivateKey
	log     *logging.Logger
}

// NewAptos builds the client. A missing signer key leaves the client
// read-only; mutating calls then fail.
func NewAptos(cfg config.AptosConfig, log *logging.Logger) (*Aptos, error) {
	if cfg.HTLCModule == "" {
		return nil, ErrContractNotSet
	}

	key, err := cfg.Key()
	if err != nil && err != config.ErrNoSignerKey {
		return nil, err
	}

	return &Aptos{
		restURL: strings.TrimSuffix(cfg.RESTURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		module:  cfg.HTLCModule,
		fusion:  cfg.FusionModule,
		address: cfg.SignerAddress,
		key:     key,
		log:     log,
	}, nil
}

// Chain implements Client.
func (a *Aptos) Chain() bridge.Chain {
	return bridge.ChainAptos
}

// SignerAccount implements Client.
func (a *Aptos) SignerAccount() string {
	if a.key == nil {
		return ""
	}
	return a.address
}

// Module returns the simple escrow module.
func (a *Aptos) Module() string {
	return a.module
}

// FusionModule returns the staged escrow module, empty when not configured.
func (a *Aptos) FusionModule() string {
	return a.fusion
}

// ModuleAddress returns the account that hosts the escrow modules.
func (a *Aptos) ModuleAddress() string {
	addr, _, _ := strings.Cut(a.module, "::")
	return addr
}

// counterModule is where resolver-created escrows live: the fusion module
// when configured, the simple escrow module otherwise.
func (a *Aptos) counterModule() string {
	if a.fusion != "" {
		return a.fusion
	}
	return a.module
}

// CreateEscrow implements Client. The module assigns a sequential escrow ID
// that only surfaces through the creation event, so the committed
// transaction is read back to learn it.
func (a *Aptos) CreateEscrow(ctx context.Context, p *EscrowParams) (*TxResult, error) {
	hashlock, err := hex.DecodeString(p.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("invalid hashlock: %w", err)
	}

	module := a.counterModule()
	txHash, err := a.submitEntryFunction(ctx, module+"::create_htlc", nil, []any{
		p.Recipient,
		p.Amount.String(),
		"0x" + hex.EncodeToString(hashlock),
		strconv.FormatInt(p.Timelock.UnixMicro(), 10),
	})
	if err != nil {
		return nil, err
	}

	escrowID, err := a.escrowIDFromTx(ctx, txHash, module)
	if err != nil {
		return nil, fmt.Errorf("escrow created in %s but id unknown: %w", txHash, err)
	}

	a.log.Info("created aptos escrow", "escrow_id", escrowID, "tx", txHash, "amount", p.Amount)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// escrowIDFromTx waits for the creation transaction to commit and reads the
// module-assigned escrow id from its creation event.
func (a *Aptos) escrowIDFromTx(ctx context.Context, txHash, module string) (string, error) {
	deadline := time.Now().Add(aptosCommitWait)
	for {
		var tx struct {
			Type     string `json:"type"`
			Success  bool   `json:"success"`
			VMStatus string `json:"vm_status"`
			Events   []struct {
				Type string                     `json:"type"`
				Data map[string]json.RawMessage `json:"data"`
			} `json:"events"`
		}
		// 404 until the node sees the hash, pending_transaction until commit.
		err := a.get(ctx, "/transactions/by_hash/"+txHash, &tx)
		if err == nil && tx.Type == "user_transaction" {
			if !tx.Success {
				return "", fmt.Errorf("%w: %s", ErrTxFailed, tx.VMStatus)
			}
			for _, ev := range tx.Events {
				if !strings.HasPrefix(ev.Type, module+"::") {
					continue
				}
				var escrowID string
				if raw, ok := ev.Data["escrow_id"]; ok {
					if json.Unmarshal(raw, &escrowID) == nil && escrowID != "" {
						return escrowID, nil
					}
				}
			}
			return "", fmt.Errorf("no creation event in transaction %s", txHash)
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("transaction %s not committed in time", txHash)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(aptosCommitPoll):
		}
	}
}

// Claim implements Client.
func (a *Aptos) Claim(ctx context.Context, escrowID, secret string) (*TxResult, error) {
	txHash, err := a.submitEntryFunction(ctx, a.module+"::withdraw", nil, []any{
		escrowID,
		"0x" + hex.EncodeToString(bridge.SecretBytes(secret)),
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("claimed aptos escrow", "escrow_id", escrowID, "tx", txHash)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// Cancel implements Client.
func (a *Aptos) Cancel(ctx context.Context, escrowID string) (*TxResult, error) {
	txHash, err := a.submitEntryFunction(ctx, a.module+"::refund", nil, []any{escrowID})
	if err != nil {
		return nil, err
	}

	a.log.Info("cancelled aptos escrow", "escrow_id", escrowID, "tx", txHash)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// Transfer implements Client using the framework's account transfer.
func (a *Aptos) Transfer(ctx context.Context, recipient string, amount *big.Int) (*TxResult, error) {
	txHash, err := a.submitEntryFunction(ctx, "0x1::aptos_account::transfer", nil, []any{
		recipient,
		amount.String(),
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("sent aptos transfer", "to", recipient, "amount", amount, "tx", txHash)
	return &TxResult{TxHash: txHash}, nil
}

// ClaimCounterEscrow implements CounterEscrowClient against the module
// holding the resolver's own escrows.
func (a *Aptos) ClaimCounterEscrow(ctx context.Context, escrowID, secret string) (*TxResult, error) {
	txHash, err := a.submitEntryFunction(ctx, a.counterModule()+"::withdraw", nil, []any{
		escrowID,
		"0x" + hex.EncodeToString(bridge.SecretBytes(secret)),
	})
	if err != nil {
		return nil, err
	}

	a.log.Info("claimed counter-escrow", "escrow_id", escrowID, "tx", txHash)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// CancelCounterEscrow implements CounterEscrowClient.
func (a *Aptos) CancelCounterEscrow(ctx context.Context, escrowID string) (*TxResult, error) {
	txHash, err := a.submitEntryFunction(ctx, a.counterModule()+"::refund", nil, []any{escrowID})
	if err != nil {
		return nil, err
	}

	a.log.Info("cancelled counter-escrow", "escrow_id", escrowID, "tx", txHash)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// Balance implements Client via the coin store resource.
func (a *Aptos) Balance(ctx context.Context, account string) (*big.Int, error) {
	var resource struct {
		Data struct {
			Coin struct {
				Value string `json:"value"`
			} `json:"coin"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/accounts/%s/resource/%s", account,
		"0x1::coin::CoinStore<0x1::aptos_coin::AptosCoin>")
	if err := a.get(ctx, path, &resource); err != nil {
		return nil, err
	}

	balance, ok := new(big.Int).SetString(resource.Data.Coin.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", resource.Data.Coin.Value)
	}
	return balance, nil
}

// HeadBlock implements Client with the ledger version, the chain's finest
// ordering unit.
func (a *Aptos) HeadBlock(ctx context.Context) (uint64, error) {
	var ledger struct {
		LedgerVersion string `json:"ledger_version"`
	}
	if err := a.get(ctx, "/", &ledger); err != nil {
		return 0, err
	}
	return strconv.ParseUint(ledger.LedgerVersion, 10, 64)
}

// Events reads an account's event handle starting at sequence start.
func (a *Aptos) Events(ctx context.Context, account, handleStruct, field string, start uint64, limit int) ([]*AptosEvent, error) {
	path := fmt.Sprintf("/accounts/%s/events/%s/%s?start=%d&limit=%d",
		account, handleStruct, field, start, limit)
	var events []*AptosEvent
	if err := a.get(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// ============================================================================
// Transaction submission
// ============================================================================

// submitEntryFunction builds, signs via encode_submission and submits.
func (a *Aptos) submitEntryFunction(ctx context.Context, function string, typeArgs []string, args []any) (string, error) {
	if a.key == nil {
		return "", fmt.Errorf("no signing key configured")
	}
	if typeArgs == nil {
		typeArgs = []string{}
	}

	var account struct {
		SequenceNumber string `json:"sequence_number"`
	}
	if err := a.get(ctx, "/accounts/"+a.address, &account); err != nil {
		return "", fmt.Errorf("failed to get account: %w", err)
	}

	tx := &AptosTransaction{
		Sender:                  a.address,
		SequenceNumber:          account.SequenceNumber,
		MaxGasAmount:            aptosMaxGas,
		GasUnitPrice:            aptosGasUnitPrice,
		ExpirationTimestampSecs: strconv.FormatInt(time.Now().Add(aptosTxExpiry).Unix(), 10),
		Payload: &AptosPayload{
			Type:          "entry_function_payload",
			Function:      function,
			TypeArguments: typeArgs,
			Arguments:     args,
		},
	}

	// The node produces the BCS signing message; we only sign it.
	var signingMessage string
	if err := a.post(ctx, "/transactions/encode_submission", tx, &signingMessage); err != nil {
		return "", fmt.Errorf("failed to encode submission: %w", err)
	}
	message, err := hex.DecodeString(strings.TrimPrefix(signingMessage, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signing message: %w", err)
	}

	pub := a.key.Public().(ed25519.PublicKey)
	tx.Signature = &AptosSignature{
		Type:      "ed25519_signature",
		PublicKey: "0x" + hex.EncodeToString(pub),
		Signature: "0x" + hex.EncodeToString(ed25519.Sign(a.key, message)),
	}

	var submitted struct {
		Hash string `json:"hash"`
	}
	if err := a.post(ctx, "/transactions", tx, &submitted); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTxFailed, err)
	}
	return submitted.Hash, nil
}

func (a *Aptos) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.restURL+path, nil)
	if err != nil {
		return err
	}
	return a.do(req, result)
}

func (a *Aptos) post(ctx context.Context, path string, body, result any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.restURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, result)
}

func (a *Aptos) do(req *http.Request, result any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("aptos rpc failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var aptErr struct {
			Message   string `json:"message"`
			ErrorCode string `json:"error_code"`
		}
		if json.Unmarshal(body, &aptErr) == nil && aptErr.ErrorCode != "" {
			return fmt.Errorf("aptos rpc %s: %s (%s)", req.URL.Path, aptErr.Message, aptErr.ErrorCode)
		}
		return fmt.Errorf("aptos rpc %s: status %d", req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
