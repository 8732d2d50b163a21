// Package settle implements the settlement executor: re-verify, submit the
// transaction through the signer pool, wait for its receipt, and interpret
// the result. Standard mode calls transferWithAuthorization directly on the
// token; router mode calls settleAndExecute on the SettlementRouter.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"x402x-facilitator/evmchain"
	"x402x-facilitator/feepolicy"
	"x402x-facilitator/gasestimate"
	"x402x-facilitator/protocol"
	"x402x-facilitator/registry"
)

// Verifier re-runs the verification pipeline immediately before
// submission, so nothing settles on a stale verify result.
type Verifier func(ctx context.Context, raw []byte, payload protocol.PaymentPayload, req protocol.PaymentRequirements) (string, error)

// NativePriceSource supplies the current USD price of a network's native
// gas token, for the fee-policy effective-gas-limit cap. Satisfied by
// *oracle.PriceOracle.
type NativePriceSource interface {
	Price(network string) float64
}

// GasPriceSource supplies the current gas price (wei) for a network, for
// the same cap. Satisfied by *oracle.GasPriceOracle.
type GasPriceSource interface {
	Price(network string) *big.Int
}

// Deps bundles everything Settle needs.
type Deps struct {
	Registry           *registry.Registry
	Verify             Verifier
	Estimator          gasestimate.Estimator
	Prices             NativePriceSource
	GasPrice           GasPriceSource
	MinGasLimit        uint64
	MaxGasLimit        uint64
	SafetyMultiplier   float64
	GasLimitMargin     float64
	ReceiptTimeout     time.Duration // 0 leaves the caller's deadline as the only bound
	DeploySmartWallets bool
}

// Executor submits a verified payment through a signer and returns the
// transaction result. The caller (the signer pool's job function) supplies
// the concrete evmchain.Signer; Executor itself is pool-agnostic.
type Executor struct {
	deps Deps
}

func New(deps Deps) *Executor {
	return &Executor{deps: deps}
}

// Settle re-verifies raw/payload/req, then submits the appropriate
// transaction via signer and waits for its receipt.
func (x *Executor) Settle(ctx context.Context, signer evmchain.Signer, raw []byte, payload protocol.PaymentPayload, req protocol.PaymentRequirements) (*protocol.SettleResponse, error) {
	payer, err := x.deps.Verify(ctx, raw, payload, req)
	if err != nil {
		var ve *protocol.VerifyError
		if errors.As(err, &ve) {
			return nil, protocol.NewSettleError(ve.Reason, ve.Payer, ve.Network, "", ve.Err)
		}
		return nil, protocol.NewSettleError(protocol.ReasonInternal, "", req.Network, "", err)
	}

	auth := payload.Payload.Authorization
	signatureBytes := common.FromHex(payload.Payload.Signature)

	sigData, err := evmchain.ParseERC6492Signature(signatureBytes)
	if err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonBadSignature, payer, req.Network, "", err)
	}
	if err := x.deployIfNeeded(ctx, signer, auth.From, sigData); err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonInternal, payer, req.Network, "", err)
	}

	if req.IsRouterMode() {
		return x.settleRouter(ctx, signer, payer, auth, signatureBytes, req)
	}
	return x.settleStandard(ctx, signer, payer, auth, signatureBytes, req)
}

func (x *Executor) deployIfNeeded(ctx context.Context, signer evmchain.Signer, from string, sigData *evmchain.ERC6492SignatureData) error {
	zeroFactory := [20]byte{}
	if sigData.Factory == zeroFactory || len(sigData.FactoryCalldata) == 0 {
		return nil
	}
	code, err := signer.GetCode(ctx, from)
	if err != nil {
		return fmt.Errorf("check deployment: %w", err)
	}
	if len(code) > 0 {
		return nil
	}
	if !x.deps.DeploySmartWallets {
		return evmchain.ErrUndeployedSmartWallet
	}

	factoryAddr := common.BytesToAddress(sigData.Factory[:]).Hex()
	txHash, err := signer.SendRawCalldata(ctx, factoryAddr, sigData.FactoryCalldata)
	if err != nil {
		return fmt.Errorf("factory deployment transaction: %w", err)
	}
	receipt, err := signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("wait for deployment: %w", err)
	}
	if receipt.Status != evmchain.TxStatusSuccess {
		return fmt.Errorf("deployment transaction reverted")
	}
	return nil
}

func (x *Executor) settleStandard(ctx context.Context, signer evmchain.Signer, payer string, auth protocol.Authorization, signatureBytes []byte, req protocol.PaymentRequirements) (*protocol.SettleResponse, error) {
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	var nonce [32]byte
	copy(nonce[:], common.FromHex(auth.Nonce))

	gasLimit, err := x.deps.Estimator.Estimate(ctx, gasestimate.Call{
		Network: string(req.Network), To: req.Asset, ABIJSON: evmchain.TransferWithAuthorizationBytesABI,
		Function: evmchain.FunctionTransferWithAuthorization,
		Args: []interface{}{common.HexToAddress(auth.From), common.HexToAddress(auth.To),
			value, validAfter, validBefore, nonce, signatureBytes},
	})
	if err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonGasEstimationFailed, payer, req.Network, "", err)
	}
	gasLimit = gasestimate.Clamp(gasLimit, x.deps.SafetyMultiplier, x.deps.MinGasLimit, x.deps.MaxGasLimit)

	txHash, err := signer.WriteContract(ctx, req.Asset, evmchain.TransferWithAuthorizationBytesABI, evmchain.FunctionTransferWithAuthorization, gasLimit,
		common.HexToAddress(auth.From), common.HexToAddress(auth.To), value, validAfter, validBefore, nonce, signatureBytes)
	if err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonTxReverted, payer, req.Network, "", err)
	}

	return x.awaitReceipt(ctx, signer, payer, txHash, req.Network)
}

func (x *Executor) settleRouter(ctx context.Context, signer evmchain.Signer, payer string, auth protocol.Authorization, signatureBytes []byte, req protocol.PaymentRequirements) (*protocol.SettleResponse, error) {
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	var nonce [32]byte
	copy(nonce[:], common.FromHex(auth.Nonce))
	var salt [32]byte
	copy(salt[:], common.FromHex(req.Extra.Salt))
	fee, _ := new(big.Int).SetString(req.Extra.FacilitatorFee, 10)

	gasLimit, err := x.deps.Estimator.Estimate(ctx, gasestimate.Call{
		Network: string(req.Network), To: req.Extra.SettlementRouter, ABIJSON: evmchain.SettleAndExecuteABI,
		Function: evmchain.FunctionSettleAndExecute, Hook: req.Extra.Hook, HookData: common.FromHex(req.Extra.HookData),
		Args: []interface{}{common.HexToAddress(req.Asset), common.HexToAddress(auth.From),
			value, validAfter, validBefore, nonce, signatureBytes,
			salt, common.HexToAddress(req.Extra.PayTo), fee, common.HexToAddress(req.Extra.Hook), common.FromHex(req.Extra.HookData)},
	})
	if err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonGasEstimationFailed, payer, req.Network, "", err)
	}
	gasLimit = gasestimate.Clamp(gasLimit, x.deps.SafetyMultiplier, x.deps.MinGasLimit, x.deps.MaxGasLimit)

	// Take the minimum of the estimator's result and what the declared
	// facilitatorFee can actually afford, then
	// re-clamp to the configured bounds so the fee-policy cap can never
	// push the limit below MinGasLimit either.
	if feeCap := x.feePolicyCap(req); feeCap < gasLimit {
		gasLimit = feeCap
	}
	gasLimit = gasestimate.Clamp(gasLimit, 1, x.deps.MinGasLimit, x.deps.MaxGasLimit)

	txHash, err := signer.WriteContract(ctx, req.Extra.SettlementRouter, evmchain.SettleAndExecuteABI, evmchain.FunctionSettleAndExecute, gasLimit,
		common.HexToAddress(req.Asset), common.HexToAddress(auth.From), value, validAfter, validBefore, nonce, signatureBytes,
		salt, common.HexToAddress(req.Extra.PayTo), fee, common.HexToAddress(req.Extra.Hook), common.FromHex(req.Extra.HookData))
	if err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonTxReverted, payer, req.Network, "", err)
	}

	return x.awaitReceipt(ctx, signer, payer, txHash, req.Network)
}

// feePolicyCap asks the fee policy for the largest gas limit the declared
// facilitatorFee can afford. Any missing dependency or malformed input
// falls back to MinGasLimit.
func (x *Executor) feePolicyCap(req protocol.PaymentRequirements) uint64 {
	if x.deps.Registry == nil || x.deps.Prices == nil || x.deps.GasPrice == nil || req.Extra == nil {
		return x.deps.MinGasLimit
	}
	canonical, err := x.deps.Registry.Canonicalize(string(req.Network))
	if err != nil {
		return x.deps.MinGasLimit
	}
	netCfg, err := x.deps.Registry.Lookup(canonical)
	if err != nil {
		return x.deps.MinGasLimit
	}
	declaredFee, ok := new(big.Int).SetString(req.Extra.FacilitatorFee, 10)
	if !ok {
		return x.deps.MinGasLimit
	}

	limit, err := feepolicy.EffectiveGasLimit(feepolicy.Params{
		FeeUSD:              atomicToUSD(declaredFee, netCfg.DefaultAsset.Decimals),
		NativeTokenPriceUSD: x.deps.Prices.Price(canonical),
		GasPriceWei:         x.deps.GasPrice.Price(canonical),
		Margin:              x.deps.GasLimitMargin,
	})
	if err != nil {
		return x.deps.MinGasLimit
	}
	return limit
}

func atomicToUSD(amount *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(amount)
	f.Quo(f, big.NewFloat(math.Pow10(decimals)))
	v, _ := f.Float64()
	return v
}

func (x *Executor) awaitReceipt(ctx context.Context, signer evmchain.Signer, payer, txHash string, network protocol.Network) (*protocol.SettleResponse, error) {
	if x.deps.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.deps.ReceiptTimeout)
		defer cancel()
	}
	receipt, err := signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return nil, protocol.NewSettleError(protocol.ReasonReceiptTimeout, payer, network, txHash, err)
	}
	if receipt.Status != evmchain.TxStatusSuccess {
		return nil, protocol.NewSettleError(protocol.ReasonTxReverted, payer, network, txHash, nil)
	}
	return &protocol.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     network,
		Payer:       payer,
	}, nil
}
