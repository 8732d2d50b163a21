package evmchain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP1271MagicValue is returned by a deployed wallet's isValidSignature on
// success.
var EIP1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const eip1271ABI = `[{
	"inputs": [
		{"type": "bytes32", "name": "hash"},
		{"type": "bytes", "name": "signature"}
	],
	"name": "isValidSignature",
	"outputs": [{"type": "bytes4", "name": "magicValue"}],
	"stateMutability": "view",
	"type": "function"
}]`

// ErrUndeployedSmartWallet is returned when a counterfactual wallet's
// signature is otherwise valid but deployment is not permitted at this
// point in the flow.
var ErrUndeployedSmartWallet = errors.New("undeployed_smart_wallet")

// ContractReader is the narrow slice of Signer that signature verification
// needs: checking whether a wallet is deployed and calling its
// isValidSignature. Any Signer satisfies it.
type ContractReader interface {
	GetCode(ctx context.Context, address string) ([]byte, error)
	ReadContract(ctx context.Context, address string, abiJSON []byte, function string, args ...interface{}) (interface{}, error)
}

// VerifyEOASignature recovers the signer from a 65-byte ECDSA signature and
// compares it against expectedAddress.
func VerifyEOASignature(hash []byte, signature []byte, expectedAddress common.Address) (bool, error) {
	if len(signature) != 65 {
		return false, errors.New("invalid EOA signature length: expected 65 bytes")
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}
	return crypto.PubkeyToAddress(*pubKey) == expectedAddress, nil
}

// VerifyEIP1271Signature calls isValidSignature(hash, signature) on a
// deployed smart-contract wallet and checks for the EIP-1271 magic value.
func VerifyEIP1271Signature(ctx context.Context, signer ContractReader, wallet string, hash [32]byte, signature []byte) (bool, error) {
	result, err := signer.ReadContract(ctx, wallet, []byte(eip1271ABI), "isValidSignature", hash, signature)
	if err != nil {
		return false, err
	}

	var resultBytes []byte
	switch v := result.(type) {
	case []byte:
		resultBytes = v
	case [4]byte:
		resultBytes = v[:]
	default:
		return false, errors.New("invalid return type from isValidSignature: expected bytes4")
	}
	if len(resultBytes) < 4 {
		return false, errors.New("invalid return value from isValidSignature: too short")
	}
	var magic [4]byte
	copy(magic[:], resultBytes[:4])
	return magic == EIP1271MagicValue, nil
}

// VerifyUniversalSignature verifies a signature that may come from an EOA,
// a deployed EIP-1271 wallet, or an undeployed ERC-6492-wrapped
// counterfactual wallet. allowUndeployed controls whether an undeployed
// wallet with valid deployment info is accepted; actual deployment, if
// enabled, happens later in settlement — verification never deploys
// anything itself.
func VerifyUniversalSignature(
	ctx context.Context,
	contractReader ContractReader,
	signerAddress string,
	hash [32]byte,
	signature []byte,
	allowUndeployed bool,
) (bool, *ERC6492SignatureData, error) {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return false, nil, err
	}

	zeroFactory := [20]byte{}
	isEOASignature := len(sigData.InnerSignature) == 65 && sigData.Factory == zeroFactory
	if isEOASignature {
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, common.HexToAddress(signerAddress))
		return valid, sigData, err
	}

	code, err := contractReader.GetCode(ctx, signerAddress)
	if err != nil {
		return false, nil, err
	}
	isDeployed := len(code) > 0

	if !isDeployed {
		hasDeploymentInfo := sigData.Factory != zeroFactory && len(sigData.FactoryCalldata) > 0
		if hasDeploymentInfo {
			if !allowUndeployed {
				return false, nil, ErrUndeployedSmartWallet
			}
			return true, sigData, nil
		}
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, common.HexToAddress(signerAddress))
		return valid, sigData, err
	}

	valid, err := VerifyEIP1271Signature(ctx, contractReader, signerAddress, hash, sigData.InnerSignature)
	return valid, sigData, err
}
