// Package commitment implements the router-mode settlement commitment: a
// second EIP-712 typed structure, bound to the same authorization nonce,
// that pins the facilitator down to a specific payTo/fee/hook/hookData
// combination before it ever submits a transaction. Hashing goes through
// evmchain.HashTypedData, the same path the signature check uses.
package commitment

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/ethereum/go-ethereum/common"

	"x402x-facilitator/evmchain"
)

// Params is every field that goes into the commitment hash, already parsed
// into chain-native types. Every parameter of the settlement plan is
// present — chainId and the router ("hub") live in the
// EIP-712 domain; the rest are hashed in the SettlementCommitment message
// itself, including the transfer fields (Token/From/Value/ValidAfter/
// ValidBefore) that also appear directly in the authorization: duplicating
// them into the commitment is what lets the on-chain router recompute and
// check the full settlement plan from a single nonce equality, rather than
// trusting the facilitator's own re-derivation of it.
type Params struct {
	ChainID           *big.Int
	VerifyingContract string // the SettlementRouter address ("hub")
	Token             string // the payment asset
	From              string
	Value             *big.Int
	ValidAfter        *big.Int
	ValidBefore       *big.Int
	Salt              [32]byte
	PayTo             string
	FacilitatorFee    *big.Int
	Hook              string
	HookData          []byte
}

// commitmentTypes is the EIP-712 type set for SettlementCommitment. Domain
// name/version are fixed per-router ("x402x-router"/"1"), unlike
// TransferWithAuthorization's domain which borrows the token's own
// name/version.
func commitmentTypes() map[string][]evmchain.TypedDataField {
	return map[string][]evmchain.TypedDataField{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"SettlementCommitment": {
			{Name: "token", Type: "address"},
			{Name: "from", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "salt", Type: "bytes32"},
			{Name: "payTo", Type: "address"},
			{Name: "facilitatorFee", Type: "uint256"},
			{Name: "hook", Type: "address"},
			{Name: "hookData", Type: "bytes"},
		},
	}
}

const (
	domainName    = "x402x-router"
	domainVersion = "1"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validate rejects Params whose required fields are absent, whose salt is
// unset, or whose addresses are not 20-byte hex. Callers run it before
// Hash so a malformed request fails as bad input rather than producing a
// commitment over mangled zero values.
func Validate(p Params) error {
	if p.ChainID == nil || p.ChainID.Sign() <= 0 {
		return errors.New("commitment: chain id is required")
	}
	for field, addr := range map[string]string{
		"settlementRouter": p.VerifyingContract,
		"token":            p.Token,
		"from":             p.From,
		"payTo":            p.PayTo,
		"hook":             p.Hook,
	} {
		if !addressPattern.MatchString(addr) {
			return fmt.Errorf("commitment: %s is not a valid address: %q", field, addr)
		}
	}
	if p.Value == nil || p.ValidAfter == nil || p.ValidBefore == nil || p.FacilitatorFee == nil {
		return errors.New("commitment: value, validAfter, validBefore and facilitatorFee are required")
	}
	if p.Salt == ([32]byte{}) {
		return errors.New("commitment: salt is required")
	}
	return nil
}

// Hash computes the SettlementCommitment digest a router-mode nonce is
// bound to, over every settlement parameter: (chainId, hub, token, from,
// value, validAfter, validBefore, salt, payTo, facilitatorFee, hook,
// hookData).
func Hash(p Params) ([]byte, error) {
	domain := evmchain.TypedDataDomain{
		Name:              domainName,
		Version:           domainVersion,
		ChainID:           p.ChainID,
		VerifyingContract: p.VerifyingContract,
	}
	value := p.Value
	if value == nil {
		value = big.NewInt(0)
	}
	validAfter := p.ValidAfter
	if validAfter == nil {
		validAfter = big.NewInt(0)
	}
	validBefore := p.ValidBefore
	if validBefore == nil {
		validBefore = big.NewInt(0)
	}
	message := map[string]interface{}{
		"token":          p.Token,
		"from":           p.From,
		"value":          value,
		"validAfter":     validAfter,
		"validBefore":    validBefore,
		"salt":           p.Salt,
		"payTo":          p.PayTo,
		"facilitatorFee": p.FacilitatorFee,
		"hook":           p.Hook,
		"hookData":       p.HookData,
	}
	return evmchain.HashTypedData(domain, commitmentTypes(), "SettlementCommitment", message)
}

// GenerateSalt returns 32 cryptographically random bytes.
func GenerateSalt() ([32]byte, error) {
	var salt [32]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("commitment: generate salt: %w", err)
	}
	return salt, nil
}

// NonceFromSalt derives the EIP-3009 authorization nonce a router-mode
// payment must use: the nonce IS the commitment hash, which is what binds
// the signed authorization to this exact payTo/fee/hook/hookData tuple.
func NonceFromSalt(commitmentHash []byte) [32]byte {
	var nonce [32]byte
	copy(nonce[:], commitmentHash)
	return nonce
}
