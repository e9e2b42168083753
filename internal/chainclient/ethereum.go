package chainclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-exchange/crosslockd/internal/bridge"
	"github.com/crosslock-exchange/crosslockd/internal/config"
	"github.com/crosslock-exchange/crosslockd/pkg/logging"
)

// EscrowABI is the hashlock escrow contract interface. The same contract
// backs both hash functions; the hashlock is opaque bytes32 on chain.
const EscrowABI = `[
	{"type":"function","name":"newEscrow","stateMutability":"payable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"recipient","type":"address"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[{"name":"escrowId","type":"bytes32"}],"outputs":[{"name":"sender","type":"address"},{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"}]},
	{"type":"event","name":"EscrowCreated","inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"hashlock","type":"bytes32","indexed":false},{"name":"timelock","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"EscrowClaimed","inputs":[{"name":"escrowId","type":"bytes32","indexed":true},{"name":"secret","type":"bytes32","indexed":false}],"anonymous":false},
	{"type":"event","name":"EscrowCancelled","inputs":[{"name":"escrowId","type":"bytes32","indexed":true}],"anonymous":false}
]`

// EscrowState mirrors the contract's state enum.
type EscrowState uint8

const (
	EscrowStateEmpty     EscrowState = 0
	EscrowStateActive    EscrowState = 1
	EscrowStateClaimed   EscrowState = 2
	EscrowStateCancelled EscrowState = 3
)

// EthEscrow is the on-chain escrow record.
type EthEscrow struct {
	Sender    common.Address
	Recipient common.Address
	Amount    *big.Int
	Hashlock  [32]byte
	Timelock  *big.Int
	State     EscrowState
}

// Ethereum is the escrow client for the EVM leg.
type Ethereum struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	contractAddr common.Address
	parsedABI    abi.ABI
	key          *ecdsa.PrivateKey
	chainID      *big.Int
	log          *logging.Logger
}

// NewEthereum builds the client. The private key may be empty for read-only
// use; mutating calls then fail.
func NewEthereum(cfg config.EthereumConfig, log *logging.Logger) (*Ethereum, error) {
	if cfg.HTLCContract == "" {
		return nil, ErrContractNotSet
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	addr := common.HexToAddress(cfg.HTLCContract)
	contract := bind.NewBoundContract(addr, parsed, client, client, client)

	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(context.Background())
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}
	}

	var key *ecdsa.PrivateKey
	if cfg.PrivateKey != "" {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
	}

	return &Ethereum{
		client:       client,
		contract:     contract,
		contractAddr: addr,
		parsedABI:    parsed,
		key:          key,
		chainID:      chainID,
		log:          log,
	}, nil
}

// Close closes the underlying RPC connection.
func (e *Ethereum) Close() {
	e.client.Close()
}

// Chain implements Client.
func (e *Ethereum) Chain() bridge.Chain {
	return bridge.ChainEthereum
}

// RPC exposes the underlying connection for the event listener.
func (e *Ethereum) RPC() *ethclient.Client {
	return e.client
}

// ContractAddress returns the escrow contract address.
func (e *Ethereum) ContractAddress() common.Address {
	return e.contractAddr
}

// ABI returns the parsed escrow ABI.
func (e *Ethereum) ABI() abi.ABI {
	return e.parsedABI
}

// SignerAddress returns the resolver's address, zero when read-only.
func (e *Ethereum) SignerAddress() common.Address {
	if e.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(e.key.PublicKey)
}

// SignerAccount implements Client.
func (e *Ethereum) SignerAccount() string {
	if e.key == nil {
		return ""
	}
	return e.SignerAddress().Hex()
}

// CreateEscrow implements Client. An empty EscrowID defaults to the hashlock.
func (e *Ethereum) CreateEscrow(ctx context.Context, p *EscrowParams) (*TxResult, error) {
	if !common.IsHexAddress(p.Recipient) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, p.Recipient)
	}
	hashlock, err := toBytes32(p.Hashlock)
	if err != nil {
		return nil, fmt.Errorf("invalid hashlock: %w", err)
	}
	escrowID := hashlock
	if p.EscrowID != "" {
		escrowID, err = toBytes32(p.EscrowID)
		if err != nil {
			return nil, fmt.Errorf("invalid escrow id: %w", err)
		}
	}

	auth, err := e.newTransactor(ctx)
	if err != nil {
		return nil, err
	}
	auth.Value = p.Amount

	tx, err := e.contract.Transact(auth, "newEscrow",
		escrowID, common.HexToAddress(p.Recipient), hashlock, big.NewInt(p.Timelock.Unix()))
	if err != nil {
		return nil, fmt.Errorf("newEscrow failed: %w", err)
	}

	e.log.Info("created ethereum escrow",
		"escrow_id", hex.EncodeToString(escrowID[:]), "tx", tx.Hash().Hex(), "amount", p.Amount)
	return &TxResult{TxHash: tx.Hash().Hex(), EscrowID: hex.EncodeToString(escrowID[:])}, nil
}

// Claim implements Client.
func (e *Ethereum) Claim(ctx context.Context, escrowID, secret string) (*TxResult, error) {
	id, err := toBytes32(escrowID)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow id: %w", err)
	}
	sec, err := secretBytes32(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid secret: %w", err)
	}

	auth, err := e.newTransactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := e.contract.Transact(auth, "claim", id, sec)
	if err != nil {
		return nil, fmt.Errorf("claim failed: %w", err)
	}

	e.log.Info("claimed ethereum escrow", "escrow_id", escrowID, "tx", tx.Hash().Hex())
	return &TxResult{TxHash: tx.Hash().Hex(), EscrowID: escrowID}, nil
}

// Cancel implements Client.
func (e *Ethereum) Cancel(ctx context.Context, escrowID string) (*TxResult, error) {
	id, err := toBytes32(escrowID)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow id: %w", err)
	}

	auth, err := e.newTransactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := e.contract.Transact(auth, "cancel", id)
	if err != nil {
		return nil, fmt.Errorf("cancel failed: %w", err)
	}

	e.log.Info("cancelled ethereum escrow", "escrow_id", escrowID, "tx", tx.Hash().Hex())
	return &TxResult{TxHash: tx.Hash().Hex(), EscrowID: escrowID}, nil
}

// Transfer implements Client with a plain value transaction.
func (e *Ethereum) Transfer(ctx context.Context, recipient string, amount *big.Int) (*TxResult, error) {
	if e.key == nil {
		return nil, fmt.Errorf("no signing key configured")
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRecipient, recipient)
	}
	from := crypto.PubkeyToAddress(e.key.PublicKey)

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(recipient), amount, 21000, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	e.log.Info("sent ethereum transfer", "to", recipient, "amount", amount, "tx", signedTx.Hash().Hex())
	return &TxResult{TxHash: signedTx.Hash().Hex()}, nil
}

// Balance implements Client.
func (e *Ethereum) Balance(ctx context.Context, account string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("invalid account %q", account)
	}
	return e.client.BalanceAt(ctx, common.HexToAddress(account), nil)
}

// HeadBlock implements Client.
func (e *Ethereum) HeadBlock(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// GetEscrow returns the on-chain escrow record.
func (e *Ethereum) GetEscrow(ctx context.Context, escrowID string) (*EthEscrow, error) {
	id, err := toBytes32(escrowID)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow id: %w", err)
	}

	var out []any
	opts := &bind.CallOpts{Context: ctx}
	if err := e.contract.Call(opts, &out, "getEscrow", id); err != nil {
		return nil, fmt.Errorf("getEscrow failed: %w", err)
	}

	esc := &EthEscrow{
		Sender:    out[0].(common.Address),
		Recipient: out[1].(common.Address),
		Amount:    out[2].(*big.Int),
		Hashlock:  out[3].([32]byte),
		Timelock:  out[4].(*big.Int),
		State:     EscrowState(out[5].(uint8)),
	}
	if esc.State == EscrowStateEmpty {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Ethereum) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	if e.key == nil {
		return nil, fmt.Errorf("no signing key configured")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// toBytes32 decodes 32 bytes of hex, 0x prefix optional.
func toBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// secretBytes32 accepts hex or raw-string secrets, as escrow creators on
// the non-EVM legs sometimes lock against hashes of raw strings.
func secretBytes32(secret string) ([32]byte, error) {
	var out [32]byte
	raw := bridge.SecretBytes(secret)
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 byte secret, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
