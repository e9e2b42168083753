package chainclient

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
)

// NEAR protocol transaction encoding. The borsh layout mirrors nearcore's
// Transaction type; field and variant order is consensus-critical.

const nearKeyTypeED25519 uint8 = 0

// nearPublicKey encodes a NEAR public key.
type nearPublicKey struct {
	KeyType uint8
	Data    [32]byte
}

// String renders the RPC form, "ed25519:<base58>".
func (pk nearPublicKey) String() string {
	return "ed25519:" + base58.Encode(pk.Data[:])
}

// nearAction is the protocol's action enum. Unused variants must stay in
// place to keep the borsh variant indices aligned.
type nearAction struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  borsh.Enum
	DeployContract nearDeployContract
	FunctionCall   nearFunctionCall
	Transfer       nearTransfer
	Stake          nearStake
	AddKey         nearAddKey
	DeleteKey      nearDeleteKey
	DeleteAccount  nearDeleteAccount
}

const (
	nearActionFunctionCall = 2
	nearActionTransfer     = 3
)

type nearDeployContract struct {
	Code []byte
}

type nearFunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int // u128
}

type nearTransfer struct {
	Deposit big.Int // u128
}

type nearStake struct {
	Stake     big.Int // u128
	PublicKey nearPublicKey
}

type nearAddKey struct {
	PublicKey nearPublicKey
	AccessKey nearAccessKey
}

type nearAccessKey struct {
	Nonce      uint64
	Permission nearAccessKeyPermission
}

type nearAccessKeyPermission struct {
	Enum         borsh.Enum `borsh_enum:"true"`
	FunctionCall nearFunctionCallPermission
	FullAccess   borsh.Enum
}

type nearFunctionCallPermission struct {
	Allowance   *big.Int
	ReceiverID  string
	MethodNames []string
}

type nearDeleteKey struct {
	PublicKey nearPublicKey
}

type nearDeleteAccount struct {
	BeneficiaryID string
}

// nearRawTransaction encodes an unsigned NEAR transaction.
type nearRawTransaction struct {
	SignerID   string
	PublicKey  nearPublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []nearAction
}

type nearSignature struct {
	KeyType uint8
	Data    [64]byte
}

type nearSignedTransaction struct {
	Transaction nearRawTransaction
	Signature   nearSignature
}

// functionCallAction builds a FunctionCall action with the enum index set.
func functionCallAction(method string, args []byte, gas uint64, deposit *big.Int) nearAction {
	return nearAction{
		Enum: nearActionFunctionCall,
		FunctionCall: nearFunctionCall{
			MethodName: method,
			Args:       args,
			Gas:        gas,
			Deposit:    *deposit,
		},
	}
}

// transferAction builds a Transfer action with the enum index set.
func transferAction(deposit *big.Int) nearAction {
	return nearAction{
		Enum:     nearActionTransfer,
		Transfer: nearTransfer{Deposit: *deposit},
	}
}

// signNearTransaction serializes, hashes and signs a transaction. The tx
// hash is the base58 sha256 of the borsh payload, matching what the RPC
// reports back.
func signNearTransaction(tx *nearRawTransaction, key ed25519.PrivateKey) (payload []byte, txHash string, err error) {
	buf, err := borsh.Serialize(*tx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	hash := sha256.Sum256(buf)

	var sig nearSignature
	sig.KeyType = nearKeyTypeED25519
	copy(sig.Data[:], ed25519.Sign(key, hash[:]))

	signed := nearSignedTransaction{Transaction: *tx, Signature: sig}
	payload, err = borsh.Serialize(signed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize signed transaction: %w", err)
	}

	return payload, base58.Encode(hash[:]), nil
}

// nearPublicKeyFromPrivate extracts the protocol form of the key.
func nearPublicKeyFromPrivate(key ed25519.PrivateKey) nearPublicKey {
	var pk nearPublicKey
	pk.KeyType = nearKeyTypeED25519
	copy(pk.Data[:], key.Public().(ed25519.PublicKey))
	return pk
}
