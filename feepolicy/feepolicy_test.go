package feepolicy

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveGasLimitBasic(t *testing.T) {
	limit, err := EffectiveGasLimit(Params{
		FeeUSD:              0.01,
		NativeTokenPriceUSD: 2000,
		GasPriceWei:         big.NewInt(1e9), // 1 gwei
		Margin:              0.2,
	})
	require.NoError(t, err)
	assert.Greater(t, limit, uint64(0))
}

func TestEffectiveGasLimitRejectsNonPositivePrice(t *testing.T) {
	_, err := EffectiveGasLimit(Params{FeeUSD: 0.01, NativeTokenPriceUSD: 0, GasPriceWei: big.NewInt(1), Margin: 0.1})
	assert.Error(t, err)
}

func TestEffectiveGasLimitHigherMarginLowersLimit(t *testing.T) {
	base := Params{FeeUSD: 0.05, NativeTokenPriceUSD: 2000, GasPriceWei: big.NewInt(1e9)}
	low := base
	low.Margin = 0.1
	high := base
	high.Margin = 0.5

	limitLow, err := EffectiveGasLimit(low)
	require.NoError(t, err)
	limitHigh, err := EffectiveGasLimit(high)
	require.NoError(t, err)
	assert.Greater(t, limitLow, limitHigh)
}

// requiredFeeAtomic mirrors the required-fee formula in reverse,
// converting a gas cost at a given native-token price into the USDC
// smallest-unit amount (6 decimals) that exactly covers it.
func requiredFeeAtomic(gasLimit uint64, gasPriceWei *big.Int, nativeTokenPriceUSD float64) *big.Int {
	costWei := new(big.Float).SetInt(new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPriceWei))
	costUSD := new(big.Float).Quo(costWei, big.NewFloat(1e18))
	costUSD.Mul(costUSD, big.NewFloat(nativeTokenPriceUSD))
	atomic := new(big.Float).Mul(costUSD, big.NewFloat(1e6))
	out, _ := atomic.Int(nil)
	return out
}

func TestValidateFeeAccepts(t *testing.T) {
	gasPrice := big.NewInt(1e9)
	gasLimit := uint64(100000)
	required := requiredFeeAtomic(gasLimit, gasPrice, 2000)
	err := ValidateFee(required, 6, gasLimit, gasPrice, 2000, 0.1)
	assert.NoError(t, err)
}

func TestValidateFeeRejectsTooLow(t *testing.T) {
	gasPrice := big.NewInt(1e9)
	gasLimit := uint64(100000)
	tooLow := big.NewInt(1)
	err := ValidateFee(tooLow, 6, gasLimit, gasPrice, 2000, 0.1)
	assert.ErrorIs(t, err, ErrFeeTooLow)
}

func TestValidateFeeToleranceAllowsSmallShortfall(t *testing.T) {
	gasPrice := big.NewInt(1e9)
	gasLimit := uint64(100000)
	required := requiredFeeAtomic(gasLimit, gasPrice, 2000)
	withinTolerance := new(big.Int).Mul(required, big.NewInt(95))
	withinTolerance.Div(withinTolerance, big.NewInt(100))
	err := ValidateFee(withinTolerance, 6, gasLimit, gasPrice, 2000, 0.1)
	assert.NoError(t, err)
}

func TestHookAllowlistDisabledAllowsAll(t *testing.T) {
	a := NewHookAllowlist(false, nil)
	assert.NoError(t, a.Check("base", "0xanything"))
}

func TestHookAllowlistZeroAddressAlwaysAllowed(t *testing.T) {
	a := NewHookAllowlist(true, map[string]map[string]bool{})
	assert.NoError(t, a.Check("base", zeroAddress))
	assert.NoError(t, a.Check("base", ""))
}

func TestHookAllowlistRejectsUnlisted(t *testing.T) {
	a := NewHookAllowlist(true, map[string]map[string]bool{
		"base": {"0xhook1": true},
	})
	assert.NoError(t, a.Check("base", "0xhook1"))
	assert.ErrorIs(t, a.Check("base", "0xhook2"), ErrHookNotAllowed)
}

func TestHookAllowlistRejectsUnknownNetwork(t *testing.T) {
	a := NewHookAllowlist(true, map[string]map[string]bool{})
	assert.ErrorIs(t, a.Check("unknown-network", "0xhook1"), ErrHookNotAllowed)
}
