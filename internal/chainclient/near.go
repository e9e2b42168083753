package chainclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/mr-tron/base58"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

const nearDefaultGas uint64 = 70_000_000_000_000 // 70 Tgas

// NEARHTLC is the contract's escrow record as its views report it.
type NEARHTLC struct {
	ID         string
	Sender     string
	Receiver   string
	Amount     *big.Int
	Hashlock   string // hex, as the contract encodes it
	TimelockMs uint64
	Withdrawn  bool
	Refunded   bool
	EthAddress string
}

// NEAR is the escrow client for the NEAR leg.
type NEAR struct {
	rpcURL    string
	http      *http.Client
	contract  string
	accountID string
	key       ed25519.PrivateKey
	log       *logging.Logger
}

// NewNEAR builds the client. A missing signer key leaves the client
// read-only; mutating calls then fail.
func NewNEAR(cfg config.NEARConfig, log *logging.Logger) (*NEAR, error) {
	if cfg.HTLCContract == "" {
		return nil, ErrContractNotSet
	}

	key, err := cfg.Key()
	if err != nil && err != config.ErrNoSignerKey {
		return nil, err
	}

	return &NEAR{
		rpcURL:    cfg.RPCURL,
		http:      &http.Client{Timeout: 60 * time.Second},
		contract:  cfg.HTLCContract,
		accountID: cfg.SignerAccountID,
		key:       key,
		log:       log,
	}, nil
}

// Chain implements Client.
func (n *NEAR) Chain() bridge.Chain {
	return bridge.ChainNEAR
}

// Contract returns the escrow contract account ID.
func (n *NEAR) Contract() string {
	return n.contract
}

// SignerAccount implements Client.
func (n *NEAR) SignerAccount() string {
	if n.key == nil {
		return ""
	}
	return n.accountID
}

// CreateEscrow implements Client. The contract assigns the escrow ID and
// returns it as the call result.
func (n *NEAR) CreateEscrow(ctx context.Context, p *EscrowParams) (*TxResult, error) {
	hashlock, err := hex.DecodeString(p.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("invalid hashlock: %w", err)
	}

	args, err := json.Marshal(map[string]any{
		"receiver":    p.Recipient,
		"hashlock":    base64.StdEncoding.EncodeToString(hashlock),
		"timelock":    p.Timelock.UnixMilli(),
		"eth_address": "",
	})
	if err != nil {
		return nil, err
	}

	txHash, value, err := n.signAndSend(ctx, n.contract,
		functionCallAction("create_htlc", args, nearDefaultGas, p.Amount))
	if err != nil {
		return nil, err
	}

	// The success value is the JSON-encoded contract ID string.
	var escrowID string
	if err := json.Unmarshal(value, &escrowID); err != nil {
		return nil, fmt.Errorf("unexpected create_htlc result %q: %w", value, err)
	}

	n.log.Info("created near escrow", "escrow_id", escrowID, "tx", txHash, "amount", p.Amount)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// Claim implements Client. The contract verifies sha256(preimage) itself.
func (n *NEAR) Claim(ctx context.Context, escrowID, secret string) (*TxResult, error) {
	args, err := json.Marshal(map[string]any{
		"contract_id": escrowID,
		"preimage":    base64.StdEncoding.EncodeToString(bridge.SecretBytes(secret)),
	})
	if err != nil {
		return nil, err
	}

	txHash, _, err := n.signAndSend(ctx, n.contract,
		functionCallAction("withdraw", args, nearDefaultGas, big.NewInt(0)))
	if err != nil {
		return nil, err
	}

	n.log.Info("claimed near escrow", "escrow_id", escrowID, "tx", txHash)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// Cancel implements Client.
func (n *NEAR) Cancel(ctx context.Context, escrowID string) (*TxResult, error) {
	args, err := json.Marshal(map[string]any{"contract_id": escrowID})
	if err != nil {
		return nil, err
	}

	txHash, _, err := n.signAndSend(ctx, n.contract,
		functionCallAction("refund", args, nearDefaultGas, big.NewInt(0)))
	if err != nil {
		return nil, err
	}

	n.log.Info("cancelled near escrow", "escrow_id", escrowID, "tx", txHash)
	return &TxResult{TxHash: txHash, EscrowID: escrowID}, nil
}

// Transfer implements Client.
func (n *NEAR) Transfer(ctx context.Context, recipient string, amount *big.Int) (*TxResult, error) {
	txHash, _, err := n.signAndSend(ctx, recipient, transferAction(amount))
	if err != nil {
		return nil, err
	}

	n.log.Info("sent near transfer", "to", recipient, "amount", amount, "tx", txHash)
	return &TxResult{TxHash: txHash}, nil
}

// Balance implements Client.
func (n *NEAR) Balance(ctx context.Context, account string) (*big.Int, error) {
	var result struct {
		Amount string `json:"amount"`
	}
	err := n.rpc(ctx, "query", map[string]string{
		"request_type": "view_account",
		"finality":     "final",
		"account_id":   account,
	}, &result)
	if err != nil {
		return nil, err
	}

	balance, ok := new(big.Int).SetString(result.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %q", result.Amount)
	}
	return balance, nil
}

// HeadBlock implements Client.
func (n *NEAR) HeadBlock(ctx context.Context) (uint64, error) {
	header, err := n.latestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return header.Height, nil
}

// GetHTLC returns one escrow record, ErrEscrowNotFound if absent.
func (n *NEAR) GetHTLC(ctx context.Context, escrowID string) (*NEARHTLC, error) {
	args, _ := json.Marshal(map[string]string{"contract_id": escrowID})
	raw, err := n.viewFunction(ctx, "get_contract", args)
	if err != nil {
		return nil, err
	}

	var tuple *nearHTLCTuple
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return nil, fmt.Errorf("failed to decode escrow: %w", err)
	}
	if tuple == nil {
		return nil, ErrEscrowNotFound
	}
	return tuple.toHTLC(escrowID)
}

// AllHTLCs returns every escrow the contract holds. The listener walks this
// on each reconciliation poll.
func (n *NEAR) AllHTLCs(ctx context.Context) ([]*NEARHTLC, error) {
	raw, err := n.viewFunction(ctx, "get_all_contracts", []byte("{}"))
	if err != nil {
		return nil, err
	}

	var rows [][2]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode escrow list: %w", err)
	}

	out := make([]*NEARHTLC, 0, len(rows))
	for _, row := range rows {
		var id string
		var tuple nearHTLCTuple
		if err := json.Unmarshal(row[0], &id); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(row[1], &tuple); err != nil {
			return nil, err
		}
		htlc, err := tuple.toHTLC(id)
		if err != nil {
			return nil, err
		}
		out = append(out, htlc)
	}
	return out, nil
}

// nearHTLCTuple is the contract's positional view encoding:
// (sender, receiver, amount, hashlock_hex, timelock_ms, withdrawn, refunded, eth_address).
type nearHTLCTuple [8]json.RawMessage

func (t nearHTLCTuple) toHTLC(id string) (*NEARHTLC, error) {
	htlc := &NEARHTLC{ID: id}
	var amount string
	fields := []any{
		&htlc.Sender, &htlc.Receiver, &amount, &htlc.Hashlock,
		&htlc.TimelockMs, &htlc.Withdrawn, &htlc.Refunded, &htlc.EthAddress,
	}
	for i, f := range fields {
		if err := json.Unmarshal(t[i], f); err != nil {
			return nil, fmt.Errorf("bad escrow field %d: %w", i, err)
		}
	}
	var ok bool
	htlc.Amount, ok = new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid escrow amount %q", amount)
	}
	return htlc, nil
}

// ============================================================================
// Transaction submission
// ============================================================================

type nearBlockHeader struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
}

type nearTxStatus struct {
	SuccessValue *string `json:"SuccessValue,omitempty"`
	Failure      any     `json:"Failure,omitempty"`
}

type nearTxResult struct {
	Status      nearTxStatus `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

func (n *NEAR) signAndSend(ctx context.Context, receiverID string, actions ...nearAction) (txHash string, successValue []byte, err error) {
	if n.key == nil {
		return "", nil, fmt.Errorf("no signing key configured")
	}
	pubKey := nearPublicKeyFromPrivate(n.key)

	nonce, err := n.accessKeyNonce(ctx, pubKey)
	if err != nil {
		return "", nil, err
	}
	header, err := n.latestBlock(ctx)
	if err != nil {
		return "", nil, err
	}
	blockHash, err := base58.Decode(header.Hash)
	if err != nil {
		return "", nil, fmt.Errorf("invalid block hash: %w", err)
	}

	tx := &nearRawTransaction{
		SignerID:   n.accountID,
		PublicKey:  pubKey,
		Nonce:      nonce + 1,
		ReceiverID: receiverID,
		Actions:    actions,
	}
	copy(tx.BlockHash[:], blockHash)

	payload, txHash, err := signNearTransaction(tx, n.key)
	if err != nil {
		return "", nil, err
	}

	var result nearTxResult
	err = n.rpc(ctx, "broadcast_tx_commit",
		[]string{base64.StdEncoding.EncodeToString(payload)}, &result)
	if err != nil {
		return "", nil, err
	}
	if result.Status.Failure != nil {
		detail, _ := json.Marshal(result.Status.Failure)
		return "", nil, fmt.Errorf("%w: %s", ErrTxFailed, detail)
	}

	if result.Status.SuccessValue != nil && *result.Status.SuccessValue != "" {
		successValue, err = base64.StdEncoding.DecodeString(*result.Status.SuccessValue)
		if err != nil {
			return "", nil, fmt.Errorf("invalid success value: %w", err)
		}
	}
	return txHash, successValue, nil
}

func (n *NEAR) accessKeyNonce(ctx context.Context, pubKey nearPublicKey) (uint64, error) {
	var result struct {
		Nonce uint64 `json:"nonce"`
	}
	err := n.rpc(ctx, "query", map[string]string{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   n.accountID,
		"public_key":   pubKey.String(),
	}, &result)
	if err != nil {
		return 0, fmt.Errorf("failed to get access key nonce: %w", err)
	}
	return result.Nonce, nil
}

func (n *NEAR) latestBlock(ctx context.Context) (*nearBlockHeader, error) {
	var result struct {
		Header nearBlockHeader `json:"header"`
	}
	err := n.rpc(ctx, "block", map[string]string{"finality": "final"}, &result)
	if err != nil {
		return nil, err
	}
	return &result.Header, nil
}

func (n *NEAR) viewFunction(ctx context.Context, method string, args []byte) ([]byte, error) {
	// The RPC reports view results as an array of byte values.
	var result struct {
		Result []int  `json:"result"`
		Error  string `json:"error,omitempty"`
	}
	err := n.rpc(ctx, "query", map[string]string{
		"request_type": "call_function",
		"finality":     "final",
		"account_id":   n.contract,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(args),
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Result == nil {
		return nil, fmt.Errorf("view %s failed: %s", method, result.Error)
	}
	out := make([]byte, len(result.Result))
	for i, b := range result.Result {
		out[i] = byte(b)
	}
	return out, nil
}

// rpc performs one JSON-RPC 2.0 call.
func (n *NEAR) rpc(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      time.Now().UnixNano(),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return fmt.Errorf("near rpc %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("near rpc %s: bad response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("near rpc %s: %s %s", method, envelope.Error.Message, envelope.Error.Data)
	}
	return json.Unmarshal(envelope.Result, result)
}
