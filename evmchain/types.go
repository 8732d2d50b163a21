// Package evmchain holds the facilitator-side chain primitives the rest of
// this module needs: EIP-712 typed-data hashing, universal (EOA /
// EIP-1271 / ERC-6492) signature verification, and an RPC-backed Signer
// used by both the gas estimator and the settlement executor.
package evmchain

import (
	"context"
	"math/big"
)

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is one field in an EIP-712 struct type.
type TypedDataField struct {
	Name string
	Type string
}

// Receipt is the subset of a mined transaction's receipt the facilitator
// needs to decide success/failure.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// Signer is the facilitator-side chain adapter: it can read/write
// contracts, wait for receipts, and answer balance/code/gas-price queries
// for exactly one network. One Signer wraps one *ethclient.Client bound to
// one account (one signerpool worker owns one Signer).
type Signer interface {
	Address() string

	ReadContract(ctx context.Context, address string, abiJSON []byte, function string, args ...interface{}) (interface{}, error)
	WriteContract(ctx context.Context, address string, abiJSON []byte, function string, gasLimit uint64, args ...interface{}) (string, error)
	SendRawCalldata(ctx context.Context, to string, data []byte) (string, error)
	EstimateGas(ctx context.Context, to string, abiJSON []byte, function string, args ...interface{}) (uint64, error)
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)

	GetBalance(ctx context.Context, owner, token string) (*big.Int, error)
	GetCode(ctx context.Context, address string) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)

	VerifyTypedData(ctx context.Context, signer string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, *ERC6492SignatureData, error)
}

// ERC6492SignatureData is the parsed form of a (possibly ERC-6492-wrapped)
// signature.
type ERC6492SignatureData struct {
	Factory         [20]byte
	FactoryCalldata []byte
	InnerSignature  []byte
}
