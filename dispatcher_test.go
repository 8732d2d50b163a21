package x402x

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"x402x-facilitator/evmchain"
	"x402x-facilitator/gasestimate"
	"x402x-facilitator/oracle"
	"x402x-facilitator/protocol"
	"x402x-facilitator/registry"
	"x402x-facilitator/signerpool"
)

// fakeChain is a minimal evmchain.Signer stub used only to exercise wiring
// (network routing, pool presence); none of these tests drive it through
// real signature recovery.
type fakeChain struct{ balance int64 }

func (f *fakeChain) Address() string { return "0xfacilitator" }
func (f *fakeChain) ReadContract(ctx context.Context, address string, abiJSON []byte, function string, args ...interface{}) (interface{}, error) {
	return false, nil
}
func (f *fakeChain) WriteContract(ctx context.Context, address string, abiJSON []byte, function string, gasLimit uint64, args ...interface{}) (string, error) {
	return "0xtxhash", nil
}
func (f *fakeChain) SendRawCalldata(ctx context.Context, to string, data []byte) (string, error) {
	return "0xdeploytx", nil
}
func (f *fakeChain) EstimateGas(ctx context.Context, to string, abiJSON []byte, function string, args ...interface{}) (uint64, error) {
	return 100000, nil
}
func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash string) (*evmchain.Receipt, error) {
	return &evmchain.Receipt{Status: evmchain.TxStatusSuccess, TxHash: txHash}, nil
}
func (f *fakeChain) GetBalance(ctx context.Context, owner, token string) (*big.Int, error) {
	return big.NewInt(f.balance), nil
}
func (f *fakeChain) GetCode(ctx context.Context, address string) ([]byte, error) { return nil, nil }
func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error)       { return big.NewInt(1), nil }
func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error)               { return big.NewInt(1), nil }
func (f *fakeChain) VerifyTypedData(ctx context.Context, signer string, domain evmchain.TypedDataDomain, types map[string][]evmchain.TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, *evmchain.ERC6492SignatureData, error) {
	return true, nil, nil
}

func newTestFacilitator(t *testing.T, chains map[string]evmchain.Signer) *Facilitator {
	t.Helper()

	reg := registry.New(nil, nil)
	pools := signerpool.NewRegistry()
	estimators := make(map[string]gasestimate.Estimator)
	for network, chain := range chains {
		pools.Add(network, signerpool.New(network, []evmchain.Signer{chain}, signerpool.SelectionRoundRobin, 16, 12, time.Second))
		estimators[network] = gasestimate.NewCodeEstimator(map[string]uint64{})
	}

	prices := oracle.NewPriceOracle(func(ctx context.Context, network string) (float64, error) {
		return 0, context.DeadlineExceeded
	}, map[string]float64{"eip155:8453": 3000, "eip155:84532": 3000}, time.Hour, time.Hour, nil)

	gasPrices := oracle.NewGasPriceOracle(oracle.GasPriceStatic, nil, map[string]*big.Int{
		"eip155:8453": big.NewInt(1), "eip155:84532": big.NewInt(1),
	}, time.Hour, time.Hour, nil)

	cfg := &Config{
		EnableV2: true,
		Gas: GasConfig{
			MinGasLimit:         100000,
			MaxGasLimit:         1000000,
			SafetyMultiplier:    1.0,
			ValidationTolerance: 0.1,
			EstimationStrategy:  gasestimate.StrategyCode,
		},
	}

	return NewFacilitator(cfg, reg, pools, prices, gasPrices, estimators, chains)
}

func TestRunVerifyFailsClosedWithoutAChainForTheNetwork(t *testing.T) {
	base := &fakeChain{balance: 1000}
	f := newTestFacilitator(t, map[string]evmchain.Signer{"eip155:8453": base})

	payload := protocol.PaymentPayload{}
	req := protocol.PaymentRequirements{Network: "base-sepolia"}
	_, err := f.runVerify(context.Background(), nil, payload, req)
	require.Error(t, err)
	var ve *protocol.VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ReasonUnsupportedNetwork, ve.Reason)
}

func TestDispatchRejectsUnknownVersion(t *testing.T) {
	f := newTestFacilitator(t, nil)
	req := protocol.VerifyRequest{X402Version: 3, PaymentRequirements: protocol.PaymentRequirements{Network: "base-sepolia"}}
	_, err := f.dispatch(req)
	require.Error(t, err)
	var ve *protocol.VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ReasonUnsupportedVersion, ve.Reason)
}

func TestDispatchRejectsV2WhenDisabled(t *testing.T) {
	f := newTestFacilitator(t, nil)
	f.cfg.EnableV2 = false
	req := protocol.VerifyRequest{X402Version: 2, PaymentRequirements: protocol.PaymentRequirements{Network: "base-sepolia"}}
	_, err := f.dispatch(req)
	require.Error(t, err)
	var ve *protocol.VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ReasonUnsupportedVersion, ve.Reason)
}

func TestDispatchRejectsUnknownNetwork(t *testing.T) {
	f := newTestFacilitator(t, nil)
	req := protocol.VerifyRequest{PaymentRequirements: protocol.PaymentRequirements{Network: "does-not-exist"}}
	_, err := f.dispatch(req)
	require.Error(t, err)
	var ve *protocol.VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ReasonUnsupportedNetwork, ve.Reason)
}

func TestDispatchResolvesRouterMode(t *testing.T) {
	f := newTestFacilitator(t, nil)
	req := protocol.VerifyRequest{
		PaymentRequirements: protocol.PaymentRequirements{
			Network: "base-sepolia",
			Extra:   &protocol.RouterExtra{SettlementRouter: "0x4444444444444444444444444444444444444444"},
		},
	}
	disp, err := f.dispatch(req)
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeRouter, disp.mode)
	assert.Equal(t, "eip155:84532", disp.canonical)
}

func TestDispatchResolvesStandardMode(t *testing.T) {
	f := newTestFacilitator(t, nil)
	req := protocol.VerifyRequest{PaymentRequirements: protocol.PaymentRequirements{Network: "base-sepolia"}}
	disp, err := f.dispatch(req)
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeStandard, disp.mode)
}

func TestGetSupportedOnlyListsNetworksWithASignerPool(t *testing.T) {
	base := &fakeChain{}
	f := newTestFacilitator(t, map[string]evmchain.Signer{"eip155:8453": base})

	kinds := f.GetSupported()
	require.Len(t, kinds, 1)
	assert.Equal(t, "eip155:8453", kinds[0].Network)
	assert.Equal(t, "exact", kinds[0].Scheme)
}

func TestReadyReflectsConfiguredPools(t *testing.T) {
	base := &fakeChain{}
	f := newTestFacilitator(t, map[string]evmchain.Signer{"eip155:8453": base})

	ready, checks := f.Ready()
	assert.True(t, ready)
	assert.True(t, checks["eip155:8453"])
	assert.False(t, checks["eip155:1"])
}

func TestReadyIsFalseWithNoPoolsAtAll(t *testing.T) {
	f := newTestFacilitator(t, nil)
	ready, _ := f.Ready()
	assert.False(t, ready)
}

func TestCalculateFeeReportsHookAllowedWhenAllowlistDisabled(t *testing.T) {
	base := &fakeChain{}
	f := newTestFacilitator(t, map[string]evmchain.Signer{"eip155:84532": base})

	resp, err := f.CalculateFee(context.Background(), protocol.CalculateFeeRequest{Network: "base-sepolia", Hook: ""})
	require.NoError(t, err)
	assert.True(t, resp.HookAllowed)
	assert.Equal(t, "code", resp.StrategyUsed)
	assert.Greater(t, resp.GasLimit, uint64(0))
}

func TestCalculateFeeRejectsUnsupportedNetwork(t *testing.T) {
	f := newTestFacilitator(t, nil)
	_, err := f.CalculateFee(context.Background(), protocol.CalculateFeeRequest{Network: "does-not-exist"})
	require.Error(t, err)
	var ve *protocol.VerifyError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, protocol.ReasonUnsupportedNetwork, ve.Reason)
}
