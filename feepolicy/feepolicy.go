// Package feepolicy turns the facilitator's USD fee target, a native-token
// USD price, and a gas price into a gas limit the facilitator is willing to
// spend submitting a transaction, and validates that a payment's declared
// facilitatorFee still covers that cost by the time settlement runs. It
// also owns hook allow-listing.
package feepolicy

import (
	"errors"
	"math"
	"math/big"
)

// ErrHookNotAllowed is returned when a network's hook allow-list is
// enabled and the requested hook is not on it.
var ErrHookNotAllowed = errors.New("feepolicy: hook not allowed on this network")

// ErrFeeTooLow is returned when a payment's declared facilitatorFee cannot
// cover the effective gas limit within the configured tolerance.
var ErrFeeTooLow = errors.New("feepolicy: facilitator fee too low for current gas cost")

// Params bundles the inputs EffectiveGasLimit needs.
type Params struct {
	// FeeUSD is the facilitator's target fee for this payment, in US
	// dollars (e.g. 0.01 for one cent).
	FeeUSD float64
	// NativeTokenPriceUSD is the current USD price of the network's
	// native gas token (e.g. ETH).
	NativeTokenPriceUSD float64
	// GasPriceWei is the current gas price in wei.
	GasPriceWei *big.Int
	// Margin is the fraction of the fee withheld from gas spending: the
	// computed gas limit is scaled by (1 - Margin), so a larger margin
	// gives a smaller limit (e.g. 0.2 for a 20% margin).
	Margin float64
}

// EffectiveGasLimit converts a USD fee target into the largest gas limit
// the facilitator is willing to spend, at the given native-token price and
// gas price, reduced by Margin:
//
//	feeWei = (FeeUSD / NativeTokenPriceUSD) * 1e18
//	gasLimit = (feeWei / GasPriceWei) * (1 - Margin)
//
// The margin is subtracted (not added) here because it is a safety cut
// against gas cost rising before settlement executes — a smaller gas
// budget now leaves headroom for the gas price to climb without the
// transaction outrunning the USD fee it is funded by.
func EffectiveGasLimit(p Params) (uint64, error) {
	if p.NativeTokenPriceUSD <= 0 {
		return 0, errors.New("feepolicy: native token price must be positive")
	}
	if p.GasPriceWei == nil || p.GasPriceWei.Sign() <= 0 {
		return 0, errors.New("feepolicy: gas price must be positive")
	}
	if p.FeeUSD < 0 {
		return 0, errors.New("feepolicy: fee must not be negative")
	}

	weiPerUSD := new(big.Float).Quo(
		new(big.Float).Mul(big.NewFloat(1e18), big.NewFloat(1)),
		big.NewFloat(p.NativeTokenPriceUSD),
	)
	feeWei := new(big.Float).Mul(big.NewFloat(p.FeeUSD), weiPerUSD)

	gasPrice := new(big.Float).SetInt(p.GasPriceWei)
	gasLimit := new(big.Float).Quo(feeWei, gasPrice)

	marginFactor := big.NewFloat(1 - p.Margin)
	gasLimit.Mul(gasLimit, marginFactor)

	limit, _ := gasLimit.Uint64()
	return limit, nil
}

// GasCostUSD converts a gas limit and gas price into the USD cost of
// submitting that transaction at the given native-token price, inflated by
// margin (a factor of 1 + margin). This is the opposite direction of
// EffectiveGasLimit, though not its exact inverse, since that function
// scales by 1 - margin instead: used by the
// calculate-fee endpoint to quote a payer what the facilitator will charge
// before any authorization is signed.
func GasCostUSD(gasLimit uint64, gasPriceWei *big.Int, nativeTokenPriceUSD, margin float64) float64 {
	costWei := new(big.Float).SetInt(new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPriceWei))
	costNative := new(big.Float).Quo(costWei, big.NewFloat(1e18))
	costUSD := new(big.Float).Mul(costNative, big.NewFloat(nativeTokenPriceUSD))
	costUSD.Mul(costUSD, big.NewFloat(1+margin))
	usd, _ := costUSD.Float64()
	return usd
}

// ValidateFee checks that declaredFeeAtomic (the payer's
// paymentRequirements.Extra.FacilitatorFee, in the payment token's smallest
// units — the token is assumed a USD-pegged stablecoin)
// still covers the USD cost of submitting gasLimit at gasPriceWei and
// nativeTokenPriceUSD, within the configured tolerance:
//
//	F_usd = declaredFeeAtomic * 10^-decimals
//	required_usd = gasLimit * gasPriceWei * 10^-18 * nativeTokenPriceUSD
//	F_usd must be >= required_usd * (1 - tolerance)
func ValidateFee(declaredFeeAtomic *big.Int, decimals int, gasLimit uint64, gasPriceWei *big.Int, nativeTokenPriceUSD, tolerance float64) error {
	if declaredFeeAtomic == nil || declaredFeeAtomic.Sign() < 0 {
		return ErrFeeTooLow
	}
	if nativeTokenPriceUSD <= 0 || gasPriceWei == nil {
		return ErrFeeTooLow
	}

	feeUSD := new(big.Float).SetInt(declaredFeeAtomic)
	feeUSD.Quo(feeUSD, big.NewFloat(math.Pow10(decimals)))

	costWei := new(big.Float).SetInt(new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPriceWei))
	requiredUSD := new(big.Float).Quo(costWei, big.NewFloat(1e18))
	requiredUSD.Mul(requiredUSD, big.NewFloat(nativeTokenPriceUSD))
	requiredUSD.Mul(requiredUSD, big.NewFloat(1-tolerance))

	if feeUSD.Cmp(requiredUSD) < 0 {
		return ErrFeeTooLow
	}
	return nil
}

// HookAllowlist enforces per-network hook allow-listing.
type HookAllowlist struct {
	enabled bool
	allowed map[string]map[string]bool // network -> lowercase hook address -> allowed
}

// NewHookAllowlist builds an allow-list from config.GasConfig's
// AllowedHooks (keyed the same way, lowercase addresses).
func NewHookAllowlist(enabled bool, allowed map[string]map[string]bool) *HookAllowlist {
	return &HookAllowlist{enabled: enabled, allowed: allowed}
}

// Check returns ErrHookNotAllowed if the allow-list is enabled and hook is
// not on network's list. A network with no explicit list at all rejects
// every hook but the zero address (no-op hook, standard-mode-equivalent).
func (a *HookAllowlist) Check(network, hook string) error {
	if !a.enabled {
		return nil
	}
	if hook == "" || hook == zeroAddress {
		return nil
	}
	list, ok := a.allowed[network]
	if !ok {
		return ErrHookNotAllowed
	}
	if !list[hook] {
		return ErrHookNotAllowed
	}
	return nil
}

const zeroAddress = "0x0000000000000000000000000000000000000000"
