// Package verify implements the facilitator's payment verification
// pipeline: given a signed payload and the requirements it claims to
// satisfy, decide whether settlement should be attempted at all, without
// ever submitting a transaction.
package verify

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xeipuuv/gojsonschema"

	"x402x-facilitator/commitment"
	"x402x-facilitator/evmchain"
	"x402x-facilitator/feepolicy"
	"x402x-facilitator/protocol"
	"x402x-facilitator/registry"
)

// BalanceReader is the narrow slice of evmchain.Signer a balance check
// needs; any network's Signer satisfies it.
type BalanceReader interface {
	GetBalance(ctx context.Context, owner, token string) (*big.Int, error)
}

// SignatureVerifier is the narrow slice needed to check a payload's
// signature; satisfied by evmchain.Signer.
type SignatureVerifier interface {
	GetCode(ctx context.Context, address string) ([]byte, error)
	ReadContract(ctx context.Context, address string, abiJSON []byte, function string, args ...interface{}) (interface{}, error)
}

// NonceChecker asks the chain whether a nonce/commitment has already been
// consumed (authorizationState for standard mode, isSettled for router
// mode).
type NonceChecker interface {
	ReadContract(ctx context.Context, address string, abiJSON []byte, function string, args ...interface{}) (interface{}, error)
}

// Deps bundles everything the pipeline needs beyond the request itself.
type Deps struct {
	Registry      *registry.Registry
	Chain         interface {
		BalanceReader
		SignatureVerifier
		NonceChecker
	}
	HookAllowlist *feepolicy.HookAllowlist
	// AllowedRouters lists, per canonical network, the settlementRouter
	// addresses (lowercase) this facilitator will submit through. A
	// network with no entry allows any router (no restriction configured).
	AllowedRouters map[string]map[string]bool
	Now            func() time.Time
}

var paymentPayloadSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer"},
		"scheme": {"type": "string"},
		"network": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["signature", "authorization"],
			"properties": {
				"signature": {"type": "string"},
				"authorization": {
					"type": "object",
					"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
					"properties": {
						"from": {"type": "string"},
						"to": {"type": "string"},
						"value": {"type": "string"},
						"validAfter": {"type": "string"},
						"validBefore": {"type": "string"},
						"nonce": {"type": "string"}
					}
				}
			}
		}
	}
}`)

// ValidateSchema checks raw against the PaymentPayload JSON shape before
// any typed field is trusted.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(paymentPayloadSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("verify: schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("verify: schema invalid: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Run executes the full verification pipeline and returns the payer
// address on success. Every failure is a *protocol.VerifyError with a
// closed-taxonomy reason.
func Run(ctx context.Context, deps Deps, raw []byte, payload protocol.PaymentPayload, req protocol.PaymentRequirements) (string, error) {
	network := string(req.Network)
	now := time.Now
	if deps.Now != nil {
		now = deps.Now
	}

	// Step 1: schema.
	if err := ValidateSchema(raw); err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, "", req.Network, err)
	}

	// Step 2: network support.
	canonical, err := deps.Registry.Canonicalize(network)
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, err)
	}
	netCfg, err := deps.Registry.Lookup(canonical)
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, err)
	}

	auth := payload.Payload.Authorization
	payer := auth.From
	isRouter := req.IsRouterMode()

	// Step 2 (cont'd): mainnet policy — standard mode is never allowed on a
	// mainnet network.
	if !isRouter {
		mainnet, err := deps.Registry.IsMainnet(canonical)
		if err != nil {
			return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, payer, req.Network, err)
		}
		if mainnet {
			return "", protocol.NewVerifyError(protocol.ReasonStandardModeNotAllowed, payer, req.Network, fmt.Errorf("standard mode is not allowed on mainnet network %s", canonical))
		}
	}

	// Step 3: recipient match. In router mode the authorization's "to" is
	// the SettlementRouter (the router pulls the funds), not payTo.
	expectedTo := req.PayTo
	if isRouter {
		expectedTo = req.Extra.SettlementRouter
	}
	if !strings.EqualFold(auth.To, expectedTo) {
		return "", protocol.NewVerifyError(protocol.ReasonBadSignature, payer, req.Network, fmt.Errorf("authorization recipient %s does not match expected %s", auth.To, expectedTo))
	}

	// Step 4: amount sufficiency.
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, fmt.Errorf("invalid authorization value %q", auth.Value))
	}
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, fmt.Errorf("invalid maxAmountRequired %q", req.MaxAmountRequired))
	}
	if value.Cmp(required) < 0 {
		return "", protocol.NewVerifyError(protocol.ReasonInsufficientBalance, payer, req.Network, fmt.Errorf("authorization value %s below required %s", value, required))
	}

	// Step 5: validity window.
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, fmt.Errorf("invalid validAfter %q", auth.ValidAfter))
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, fmt.Errorf("invalid validBefore %q", auth.ValidBefore))
	}
	nowUnix := big.NewInt(now().Unix())
	if nowUnix.Cmp(validAfter) < 0 {
		return "", protocol.NewVerifyError(protocol.ReasonNotYetValid, payer, req.Network, nil)
	}
	// A small buffer (6s) keeps a payload from expiring mid-flight.
	if new(big.Int).Add(nowUnix, big.NewInt(6)).Cmp(validBefore) > 0 {
		return "", protocol.NewVerifyError(protocol.ReasonExpiredAuthorization, payer, req.Network, nil)
	}

	var nonce [32]byte
	nonceBytes := common.FromHex(auth.Nonce)
	copy(nonce[:], nonceBytes)

	if isRouter {
		// Step 6: the settlementRouter itself must be on the network's
		// allow-list, independent of the hook it will invoke.
		if allowed, ok := deps.AllowedRouters[canonical]; ok && !allowed[strings.ToLower(req.Extra.SettlementRouter)] {
			return "", protocol.NewVerifyError(protocol.ReasonRouterNotAllowed, payer, req.Network, fmt.Errorf("settlementRouter %s not allow-listed on %s", req.Extra.SettlementRouter, canonical))
		}

		// Hook allow-list.
		if err := deps.HookAllowlist.Check(canonical, strings.ToLower(req.Extra.Hook)); err != nil {
			return "", protocol.NewVerifyError(protocol.ReasonHookNotAllowed, payer, req.Network, err)
		}

		// Step 7: commitment recomputation — the signed nonce must equal
		// the commitment hash over the full settlement plan, which is what
		// binds the authorization to this exact payTo/fee/hook/hookData.
		fee, ok := new(big.Int).SetString(req.Extra.FacilitatorFee, 10)
		if !ok {
			return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, fmt.Errorf("invalid facilitatorFee %q", req.Extra.FacilitatorFee))
		}
		var salt [32]byte
		copy(salt[:], common.FromHex(req.Extra.Salt))
		params := commitment.Params{
			ChainID:           netCfg.ChainID,
			VerifyingContract: req.Extra.SettlementRouter,
			Token:             req.Asset,
			From:              auth.From,
			Value:             value,
			ValidAfter:        validAfter,
			ValidBefore:       validBefore,
			Salt:              salt,
			PayTo:             req.Extra.PayTo,
			FacilitatorFee:    fee,
			Hook:              req.Extra.Hook,
			HookData:          common.FromHex(req.Extra.HookData),
		}
		if err := commitment.Validate(params); err != nil {
			return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, err)
		}
		hash, err := commitment.Hash(params)
		if err != nil {
			return "", protocol.NewVerifyError(protocol.ReasonCommitmentMismatch, payer, req.Network, err)
		}
		expectedNonce := commitment.NonceFromSalt(hash)
		if expectedNonce != nonce {
			return "", protocol.NewVerifyError(protocol.ReasonCommitmentMismatch, payer, req.Network, fmt.Errorf("authorization nonce does not match commitment hash"))
		}
	} else if req.Extra != nil {
		return "", protocol.NewVerifyError(protocol.ReasonStandardModeNotAllowed, payer, req.Network, fmt.Errorf("router extra present but settlementRouter missing"))
	}

	// Step 8: signature verification (EOA / EIP-1271 / ERC-6492).
	tokenName, tokenVersion := netCfg.DefaultAsset.Name, netCfg.DefaultAsset.Version
	if req.Extra != nil && req.Extra.Name != "" {
		tokenName = req.Extra.Name
	}
	if req.Extra != nil && req.Extra.Version != "" {
		tokenVersion = req.Extra.Version
	}
	digest, err := evmchain.HashTransferWithAuthorization(
		netCfg.ChainID, req.Asset, tokenName, tokenVersion,
		auth.From, auth.To, value, validAfter, validBefore, nonce,
	)
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonBadSignature, payer, req.Network, err)
	}
	var hash32 [32]byte
	copy(hash32[:], digest)
	valid, _, err := evmchain.VerifyUniversalSignature(ctx, deps.Chain, auth.From, hash32, common.FromHex(payload.Payload.Signature), true)
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonBadSignature, payer, req.Network, err)
	}
	if !valid {
		return "", protocol.NewVerifyError(protocol.ReasonBadSignature, payer, req.Network, fmt.Errorf("signature did not recover to %s", auth.From))
	}

	// Step 9: replay check. Runs before the balance check so a replayed
	// payload reports AlreadySettled even when the earlier settlement
	// drained the payer below value.
	if isRouter {
		var salt [32]byte
		copy(salt[:], common.FromHex(req.Extra.Salt))
		result, err := deps.Chain.ReadContract(ctx, req.Extra.SettlementRouter, evmchain.IsSettledABI, evmchain.FunctionIsSettled, salt)
		if err != nil {
			return "", protocol.NewVerifyError(protocol.ReasonAlreadySettled, payer, req.Network, err)
		}
		if settled, ok := result.(bool); ok && settled {
			return "", protocol.NewVerifyError(protocol.ReasonAlreadySettled, payer, req.Network, nil)
		}
	} else {
		result, err := deps.Chain.ReadContract(ctx, req.Asset, evmchain.AuthorizationStateABI, "authorizationState", common.HexToAddress(auth.From), nonce)
		if err != nil {
			return "", protocol.NewVerifyError(protocol.ReasonAlreadySettled, payer, req.Network, err)
		}
		if used, ok := result.(bool); ok && used {
			return "", protocol.NewVerifyError(protocol.ReasonAlreadySettled, payer, req.Network, nil)
		}
	}

	// Step 10: balance check.
	balance, err := deps.Chain.GetBalance(ctx, auth.From, req.Asset)
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonInsufficientBalance, payer, req.Network, err)
	}
	if balance.Cmp(value) < 0 {
		return "", protocol.NewVerifyError(protocol.ReasonInsufficientBalance, payer, req.Network, fmt.Errorf("balance %s below required %s", balance, value))
	}

	return auth.From, nil
}
