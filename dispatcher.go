// Package x402x is the root wiring package: it owns the Facilitator type
// that the HTTP surface drives, dispatching every request to the
// (version, mode) pipeline the request asks for — one of (v1,standard),
// (v1,router), (v2,router).
package x402x

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"x402x-facilitator/evmchain"
	"x402x-facilitator/feepolicy"
	"x402x-facilitator/gasestimate"
	"x402x-facilitator/oracle"
	"x402x-facilitator/protocol"
	"x402x-facilitator/registry"
	"x402x-facilitator/settle"
	"x402x-facilitator/signerpool"
	"x402x-facilitator/verify"
)

// Facilitator ties every component together behind the five operations the
// HTTP surface needs: Verify, Settle, CalculateFee, GetSupported, Ready.
type Facilitator struct {
	cfg      *Config
	registry *registry.Registry
	pools    *signerpool.Registry

	prices   *oracle.PriceOracle
	gasPrice *oracle.GasPriceOracle

	estimators map[string]gasestimate.Estimator // per network
	chains     map[string]evmchain.Signer       // per network; satisfies verify.{BalanceReader,SignatureVerifier,NonceChecker}
	allowlist  *feepolicy.HookAllowlist

	verifyDeps verify.Deps
	executors  map[string]*settle.Executor // per network
}

// NewFacilitator wires every dependency built at startup into one
// Facilitator. Callers (cmd/facilitatord) construct registry, pools,
// oracles and estimators first, per network, and hand them in here. chains
// carries one RPC-backed signer per network so verification reads the
// correct chain instead of a single network's client for every request.
func NewFacilitator(
	cfg *Config,
	reg *registry.Registry,
	pools *signerpool.Registry,
	prices *oracle.PriceOracle,
	gasPrice *oracle.GasPriceOracle,
	estimators map[string]gasestimate.Estimator,
	chains map[string]evmchain.Signer,
) *Facilitator {
	allowedHooks := StringKeyed(cfg.Gas.AllowedHooks)
	allowedRouters := StringKeyed(cfg.AllowedRouters)
	// Networks with no explicit allow-list entry fall back to the
	// registry's default router and built-in hooks. A network with
	// neither stays unrestricted.
	for _, n := range reg.ListSupported() {
		if _, ok := allowedRouters[n.CAIP2]; !ok && n.DefaultRouter != "" {
			allowedRouters[n.CAIP2] = map[string]bool{strings.ToLower(n.DefaultRouter): true}
		}
		if _, ok := allowedHooks[n.CAIP2]; !ok && len(n.DefaultHooks) > 0 {
			hooks := make(map[string]bool, len(n.DefaultHooks))
			for _, addr := range n.DefaultHooks {
				hooks[strings.ToLower(addr)] = true
			}
			allowedHooks[n.CAIP2] = hooks
		}
	}
	allowlist := feepolicy.NewHookAllowlist(cfg.Gas.HookWhitelistEnabled, allowedHooks)

	f := &Facilitator{
		cfg:        cfg,
		registry:   reg,
		pools:      pools,
		prices:     prices,
		gasPrice:   gasPrice,
		estimators: estimators,
		chains:     chains,
		allowlist:  allowlist,
	}

	f.verifyDeps = verify.Deps{
		Registry:       reg,
		HookAllowlist:  allowlist,
		AllowedRouters: allowedRouters,
	}

	f.executors = make(map[string]*settle.Executor, len(estimators))
	for network, est := range estimators {
		f.executors[network] = settle.New(settle.Deps{
			Registry:           reg,
			Verify:             f.runVerify,
			Estimator:          est,
			Prices:             prices,
			GasPrice:           gasPrice,
			MinGasLimit:        cfg.Gas.MinGasLimit,
			MaxGasLimit:        cfg.Gas.MaxGasLimit,
			SafetyMultiplier:   cfg.Gas.SafetyMultiplier,
			GasLimitMargin:     cfg.Gas.DynamicGasLimitMargin,
			ReceiptTimeout:     cfg.Gas.ReceiptTimeout,
			DeploySmartWallets: true,
		})
	}

	return f
}

// dispatchResult carries the (version, mode) a request resolved to, for
// logging/metrics at the HTTP boundary.
type dispatchResult struct {
	version   int
	mode      protocol.Mode
	canonical string
}

// dispatch infers version/mode, enforces version policy, and canonicalizes
// the network. It does not itself validate the payload
// shape; that is the verifier's job (step 1).
func (f *Facilitator) dispatch(req protocol.VerifyRequest) (dispatchResult, error) {
	version := req.X402Version
	if version == 0 {
		version = req.PaymentPayload.X402Version
	}
	if version == 0 {
		version = 1
	}
	if version != 1 && version != 2 {
		return dispatchResult{}, protocol.NewVerifyError(protocol.ReasonUnsupportedVersion, "", req.PaymentRequirements.Network, fmt.Errorf("unrecognized x402Version %d", version))
	}
	if version == 2 && !f.cfg.EnableV2 {
		return dispatchResult{}, protocol.NewVerifyError(protocol.ReasonUnsupportedVersion, "", req.PaymentRequirements.Network, fmt.Errorf("v2 disabled on this deployment"))
	}
	if version == 1 && f.cfg.RejectV1 {
		return dispatchResult{}, protocol.NewVerifyError(protocol.ReasonUnsupportedVersion, "", req.PaymentRequirements.Network, fmt.Errorf("v1 rejected on this deployment"))
	}

	mode := protocol.ModeStandard
	if req.PaymentRequirements.IsRouterMode() {
		mode = protocol.ModeRouter
	}
	// v1 standard-mode-on-mainnet is disallowed by the verifier's own
	// network policy step (step 2); the dispatcher only records the
	// (version, mode) pair it resolved to.

	canonical, err := f.registry.Canonicalize(string(req.PaymentRequirements.Network))
	if err != nil {
		return dispatchResult{}, protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.PaymentRequirements.Network, err)
	}

	return dispatchResult{version: version, mode: mode, canonical: canonical}, nil
}

// runVerify adapts verify.Run to settle.Verifier's signature, supplying the
// per-request gas price / fee-policy check the settlement executor's
// re-verify pass also needs.
func (f *Facilitator) runVerify(ctx context.Context, raw []byte, payload protocol.PaymentPayload, req protocol.PaymentRequirements) (string, error) {
	canonical, err := f.registry.Canonicalize(string(req.Network))
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, err)
	}
	chain, ok := f.chains[canonical]
	if !ok {
		return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, fmt.Errorf("no chain client configured for %s", canonical))
	}
	deps := f.verifyDeps
	deps.Chain = chain

	payer, err := verify.Run(ctx, deps, raw, payload, req)
	if err != nil {
		return "", err
	}
	if !req.IsRouterMode() {
		return payer, nil
	}

	gasPriceWei := f.gasPrice.Price(canonical)
	nativePrice := f.prices.Price(canonical)
	netCfg, err := f.registry.Lookup(canonical)
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, payer, req.Network, err)
	}
	estimator := f.estimators[canonical]
	if estimator == nil {
		return "", protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, payer, req.Network, fmt.Errorf("no gas estimator configured for %s", canonical))
	}
	declaredFee, ok := new(big.Int).SetString(req.Extra.FacilitatorFee, 10)
	if !ok {
		return "", protocol.NewVerifyError(protocol.ReasonSchemaInvalid, payer, req.Network, fmt.Errorf("invalid facilitatorFee %q", req.Extra.FacilitatorFee))
	}

	auth := payload.Payload.Authorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	var nonce, salt [32]byte
	copy(nonce[:], common.FromHex(auth.Nonce))
	copy(salt[:], common.FromHex(req.Extra.Salt))
	hookData := common.FromHex(req.Extra.HookData)

	gasLimit, err := estimator.Estimate(ctx, gasestimate.Call{
		Network: canonical, To: req.Extra.SettlementRouter, ABIJSON: evmchain.SettleAndExecuteABI,
		Function: evmchain.FunctionSettleAndExecute, Hook: req.Extra.Hook, HookData: hookData,
		Args: []interface{}{common.HexToAddress(req.Asset), common.HexToAddress(auth.From),
			value, validAfter, validBefore, nonce, common.FromHex(payload.Payload.Signature),
			salt, common.HexToAddress(req.Extra.PayTo), declaredFee, common.HexToAddress(req.Extra.Hook), hookData},
	})
	if err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonGasEstimationFailed, payer, req.Network, fmt.Errorf("estimate gas for fee check: %w", err))
	}
	gasLimit = gasestimate.Clamp(gasLimit, f.cfg.Gas.SafetyMultiplier, f.cfg.Gas.MinGasLimit, f.cfg.Gas.MaxGasLimit)
	if err := feepolicy.ValidateFee(declaredFee, netCfg.DefaultAsset.Decimals, gasLimit, gasPriceWei, nativePrice, f.cfg.Gas.ValidationTolerance); err != nil {
		return "", protocol.NewVerifyError(protocol.ReasonFeeTooLow, payer, req.Network, err)
	}

	return payer, nil
}

// Verify runs the dispatch + verification pipeline and reports the outcome
// without submitting a transaction.
func (f *Facilitator) Verify(ctx context.Context, raw []byte, req protocol.VerifyRequest) (*protocol.VerifyResponse, error) {
	disp, err := f.dispatch(req)
	if err != nil {
		return responseFromVerifyErr(req, err), err
	}

	payer, err := f.runVerify(ctx, raw, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		return responseFromVerifyErr(req, err), err
	}
	return &protocol.VerifyResponse{X402Version: disp.version, IsValid: true, Payer: payer}, nil
}

func responseFromVerifyErr(req protocol.VerifyRequest, err error) *protocol.VerifyResponse {
	version := req.X402Version
	if version == 0 {
		version = 1
	}
	var ve *protocol.VerifyError
	if errors.As(err, &ve) {
		return &protocol.VerifyResponse{X402Version: version, IsValid: false, Payer: ve.Payer, InvalidReason: ve.Reason}
	}
	return &protocol.VerifyResponse{X402Version: version, IsValid: false, InvalidReason: protocol.ReasonInternal}
}

// Settle runs the dispatch + re-verify + submission pipeline, selecting a
// signer from the network's pool and gating on the payer guard.
func (f *Facilitator) Settle(ctx context.Context, raw []byte, req protocol.VerifyRequest) (*protocol.SettleResponse, error) {
	disp, err := f.dispatch(req)
	if err != nil {
		return responseFromSettleErr(req, err), err
	}

	pool, ok := f.pools.Get(disp.canonical)
	if !ok {
		settleErr := protocol.NewSettleError(protocol.ReasonUnsupportedNetwork, "", req.PaymentRequirements.Network, "", fmt.Errorf("no signer pool configured for %s", disp.canonical))
		return responseFromSettleErr(req, settleErr), settleErr
	}
	executor, ok := f.executors[disp.canonical]
	if !ok {
		settleErr := protocol.NewSettleError(protocol.ReasonUnsupportedNetwork, "", req.PaymentRequirements.Network, "", fmt.Errorf("no gas estimator configured for %s", disp.canonical))
		return responseFromSettleErr(req, settleErr), settleErr
	}

	payer := req.PaymentPayload.Payload.Authorization.From
	result, err := pool.Submit(ctx, payer, func(ctx context.Context, signer evmchain.Signer) (interface{}, error) {
		return executor.Settle(ctx, signer, raw, req.PaymentPayload, req.PaymentRequirements)
	})
	if err != nil {
		settleErr := poolErrToSettleError(err, payer, req.PaymentRequirements.Network)
		return responseFromSettleErr(req, settleErr), settleErr
	}

	resp := result.(*protocol.SettleResponse)
	resp.X402Version = disp.version
	return resp, nil
}

func poolErrToSettleError(err error, payer string, network protocol.Network) error {
	var se *protocol.SettleError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, signerpool.ErrDuplicatePayer):
		return protocol.NewSettleError(protocol.ReasonDuplicatePayer, payer, network, "", err)
	case errors.Is(err, signerpool.ErrQueueOverload):
		return protocol.NewSettleError(protocol.ReasonQueueOverload, payer, network, "", err)
	case errors.Is(err, signerpool.ErrShuttingDown):
		return protocol.NewSettleError(protocol.ReasonShutting, payer, network, "", err)
	default:
		return protocol.NewSettleError(protocol.ReasonInternal, payer, network, "", err)
	}
}

func responseFromSettleErr(req protocol.VerifyRequest, err error) *protocol.SettleResponse {
	version := req.X402Version
	if version == 0 {
		version = 1
	}
	resp := &protocol.SettleResponse{X402Version: version, Success: false, Network: req.PaymentRequirements.Network}
	var se *protocol.SettleError
	if errors.As(err, &se) {
		resp.Payer = se.Payer
		resp.Transaction = se.Transaction
		resp.ErrorReason = se.Reason
		return resp
	}
	resp.ErrorReason = protocol.ReasonInternal
	return resp
}

// CalculateFee quotes the facilitatorFee a payer would need to declare for
// a router-mode settlement on network invoking hook, without requiring a
// signed authorization.
func (f *Facilitator) CalculateFee(ctx context.Context, req protocol.CalculateFeeRequest) (*protocol.CalculateFeeResponse, error) {
	canonical, err := f.registry.Canonicalize(string(req.Network))
	if err != nil {
		return nil, protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, err)
	}

	hookAllowed := f.allowlist.Check(canonical, req.Hook) == nil

	estimator := f.estimators[canonical]
	if estimator == nil {
		return nil, protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, fmt.Errorf("no gas estimator configured for %s", canonical))
	}
	router, err := f.registry.DefaultRouter(canonical)
	if err != nil {
		return nil, protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, err)
	}

	gasLimit, err := estimator.Estimate(ctx, gasestimate.Call{
		Network: canonical, To: router, ABIJSON: evmchain.SettleAndExecuteABI,
		Function: evmchain.FunctionSettleAndExecute, Hook: req.Hook,
	})
	strategyUsed := f.cfg.Gas.EstimationStrategy
	if err != nil {
		gasLimit = f.cfg.Gas.MinGasLimit
	}
	gasLimit = gasestimate.Clamp(gasLimit, f.cfg.Gas.SafetyMultiplier, f.cfg.Gas.MinGasLimit, f.cfg.Gas.MaxGasLimit)

	gasPriceWei := f.gasPrice.Price(canonical)
	nativePrice := f.prices.Price(canonical)
	costUSD := feepolicy.GasCostUSD(gasLimit, gasPriceWei, nativePrice, f.cfg.Gas.DynamicGasLimitMargin)

	netCfg, err := f.registry.Lookup(canonical)
	if err != nil {
		return nil, protocol.NewVerifyError(protocol.ReasonUnsupportedNetwork, "", req.Network, err)
	}
	feeSmallestUnit := usdToSmallestUnit(costUSD, netCfg.DefaultAsset.Decimals)

	return &protocol.CalculateFeeResponse{
		FacilitatorFee: feeSmallestUnit,
		HookAllowed:    hookAllowed,
		GasLimit:       gasLimit,
		StrategyUsed:   strategyUsed,
	}, nil
}

// usdToSmallestUnit converts a USD amount into a stablecoin's smallest-unit
// decimal string, assuming the asset is pegged at roughly 1 USD (true of
// every default asset this registry carries — USDC).
func usdToSmallestUnit(usd float64, decimals int) string {
	scale := new(big.Float).SetFloat64(usd)
	scale.Mul(scale, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	units, _ := scale.Int(nil)
	if units == nil {
		units = big.NewInt(0)
	}
	return units.String()
}

// GetSupported lists every (scheme, network) pair this process can serve:
// one per network with a configured signer pool.
func (f *Facilitator) GetSupported() []protocol.SupportedKind {
	var kinds []protocol.SupportedKind
	for _, n := range f.registry.ListSupported() {
		if _, ok := f.pools.Get(n.CAIP2); !ok {
			continue
		}
		kinds = append(kinds, protocol.SupportedKind{Scheme: "exact", Network: n.CAIP2})
	}
	return kinds
}

// Ready reports whether at least one signer pool has at least one account,
// and a per-network breakdown for GET /ready's checks object.
func (f *Facilitator) Ready() (bool, map[string]bool) {
	checks := make(map[string]bool)
	ready := false
	for _, n := range f.registry.ListSupported() {
		pool, ok := f.pools.Get(n.CAIP2)
		has := ok && pool != nil
		checks[n.CAIP2] = has
		if has {
			ready = true
		}
	}
	return ready, checks
}
