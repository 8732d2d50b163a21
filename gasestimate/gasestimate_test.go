package gasestimate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSimulator struct {
	gas uint64
	err error
}

func (f *fakeSimulator) EstimateGas(ctx context.Context, to string, abiJSON []byte, function string, args ...interface{}) (uint64, error) {
	return f.gas, f.err
}

func TestCodeEstimatorStandardMode(t *testing.T) {
	e := NewCodeEstimator(map[string]uint64{"0xhook": 60000})
	gas, err := e.Estimate(context.Background(), Call{})
	require.NoError(t, err)
	assert.Equal(t, uint64(baseTransferGas), gas)
}

func TestCodeEstimatorKnownHook(t *testing.T) {
	e := NewCodeEstimator(map[string]uint64{"0xhook": 60000})
	gas, err := e.Estimate(context.Background(), Call{Hook: "0xhook"})
	require.NoError(t, err)
	assert.Equal(t, uint64(baseTransferGas+routerDispatchGas+60000), gas)
}

func TestCodeEstimatorUnknownHook(t *testing.T) {
	e := NewCodeEstimator(map[string]uint64{})
	_, err := e.Estimate(context.Background(), Call{Hook: "0xmystery"})
	assert.True(t, errors.Is(err, ErrUnknownHook))
}

func TestSmartEstimatorFallsBackToSimulation(t *testing.T) {
	code := NewCodeEstimator(map[string]uint64{})
	sim := NewSimulationEstimator(&fakeSimulator{gas: 123456}, 0)
	smart := NewSmartEstimator(code, sim)

	gas, err := smart.Estimate(context.Background(), Call{Hook: "0xmystery"})
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), gas)
}

func TestSmartEstimatorPrefersCodeWhenKnown(t *testing.T) {
	code := NewCodeEstimator(map[string]uint64{"0xhook": 10000})
	sim := NewSimulationEstimator(&fakeSimulator{gas: 999999}, 0)
	smart := NewSmartEstimator(code, sim)

	gas, err := smart.Estimate(context.Background(), Call{Hook: "0xhook"})
	require.NoError(t, err)
	assert.Equal(t, uint64(baseTransferGas+routerDispatchGas+10000), gas)
}

func TestSimulationEstimatorPropagatesError(t *testing.T) {
	sim := NewSimulationEstimator(&fakeSimulator{err: errors.New("rpc down")}, 0)
	_, err := sim.Estimate(context.Background(), Call{})
	assert.Error(t, err)
}

type ctxCheckingSimulator struct{ sawDeadline bool }

func (f *ctxCheckingSimulator) EstimateGas(ctx context.Context, to string, abiJSON []byte, function string, args ...interface{}) (uint64, error) {
	_, f.sawDeadline = ctx.Deadline()
	return 100000, nil
}

func TestSimulationEstimatorBoundsTheRPCCall(t *testing.T) {
	sim := &ctxCheckingSimulator{}
	e := NewSimulationEstimator(sim, 5*time.Second)
	_, err := e.Estimate(context.Background(), Call{})
	require.NoError(t, err)
	assert.True(t, sim.sawDeadline)
}

func TestClampAppliesMultiplierAndBounds(t *testing.T) {
	assert.Equal(t, uint64(120000), Clamp(100000, 1.2, 50000, 1000000))
	assert.Equal(t, uint64(50000), Clamp(1000, 1.2, 50000, 1000000))
	assert.Equal(t, uint64(1000000), Clamp(10000000, 1.2, 50000, 1000000))
}

func TestNewUnknownStrategy(t *testing.T) {
	_, err := New("bogus", nil, &fakeSimulator{}, 0)
	assert.Error(t, err)
}
