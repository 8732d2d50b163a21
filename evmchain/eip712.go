package evmchain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// HashTypedData hashes EIP-712 typed data as keccak256("\x19\x01" ||
// domainSeparator || structHash).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, f := range fields {
			typedFields[i] = apitypes.Type{Name: f.Name, Type: f.Type}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, ok := typedData.Types["EIP712Domain"]; !ok {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}

	raw := []byte{0x19, 0x01}
	raw = append(raw, domainSeparator...)
	raw = append(raw, dataHash...)
	return crypto.Keccak256(raw), nil
}

// TransferWithAuthorizationTypes is the EIP-3009 TransferWithAuthorization
// EIP-712 type set used by the verifier's signature check in both standard
// and router mode. The commitment codec does not use it; it hashes its own
// SettlementCommitment type.
func TransferWithAuthorizationTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}

// HashTransferWithAuthorization hashes a TransferWithAuthorization message
// from already-parsed big.Int/[]byte fields, so the verifier's signature
// check (standard and router mode alike) can hash values it has already
// parsed once.
func HashTransferWithAuthorization(
	chainID *big.Int,
	verifyingContract string,
	tokenName, tokenVersion string,
	from, to string,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
) ([]byte, error) {
	domain := TypedDataDomain{Name: tokenName, Version: tokenVersion, ChainID: chainID, VerifyingContract: verifyingContract}
	message := map[string]interface{}{
		"from":        from,
		"to":          to,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce,
	}
	return HashTypedData(domain, TransferWithAuthorizationTypes(), "TransferWithAuthorization", message)
}
