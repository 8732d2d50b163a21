// Package gasestimate implements the three gas-estimation strategies the
// fee policy and settlement executor draw on: a code-based analytic
// estimate for the built-in hooks, an RPC simulation against the target
// contract, and a "smart" strategy that tries the analytic path first and
// falls back to simulation for unrecognized hooks.
package gasestimate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Strategy names accepted by configuration.
const (
	StrategyCode       = "code"
	StrategySimulation = "simulation"
	StrategySmart      = "smart"
)

// Call describes the write operation whose gas an Estimator is asked to
// estimate: a settleAndExecute (router mode) or transferWithAuthorization
// (standard mode) invocation, identified by the hook it ultimately runs
// (empty Hook means standard mode, no hook invoked).
type Call struct {
	Network  string
	To       string // router or token address
	ABIJSON  []byte
	Function string
	Args     []interface{}
	Hook     string
	HookData []byte
}

// Simulator is the narrow slice of evmchain.Signer a simulation-based
// estimate needs.
type Simulator interface {
	EstimateGas(ctx context.Context, to string, abiJSON []byte, function string, args ...interface{}) (uint64, error)
}

// ErrUnknownHook is returned by the code-based strategy when asked to
// estimate gas for a hook it has no analytic overhead entry for; the smart
// strategy catches this and falls through to simulation.
var ErrUnknownHook = errors.New("gasestimate: no code-based overhead registered for hook")

// Estimator produces a gas limit for a Call.
type Estimator interface {
	Estimate(ctx context.Context, call Call) (uint64, error)
}

// baseTransferGas is the analytic cost of transferWithAuthorization alone,
// before any hook overhead or router dispatch cost is added.
const baseTransferGas = 65000

// routerDispatchGas is the fixed overhead settleAndExecute pays over a bare
// transferWithAuthorization call, for the router's own bookkeeping
// (marking the commitment settled, invoking the hook).
const routerDispatchGas = 35000

// CodeEstimator computes gas analytically from a fixed per-hook overhead
// table, never touching the RPC node. Only usable for hooks the
// facilitator operator has characterized and listed in overhead.
type CodeEstimator struct {
	overhead map[string]uint64 // hook address (lowercase) -> gas overhead
}

// NewCodeEstimator builds a CodeEstimator from a table keyed by lowercase
// hook address. config.GasConfig.HookGasOverhead is keyed by hook kind
// instead; cmd/facilitatord re-keys it by each network's default hook
// addresses before calling this.
func NewCodeEstimator(overhead map[string]uint64) *CodeEstimator {
	return &CodeEstimator{overhead: overhead}
}

// zeroHookAddress marks "no hook" in router-mode calls, the same
// convention feepolicy.HookAllowlist uses for its always-allowed case.
const zeroHookAddress = "0x0000000000000000000000000000000000000000"

func (e *CodeEstimator) Estimate(ctx context.Context, call Call) (uint64, error) {
	if call.Hook == "" || call.Hook == zeroHookAddress {
		return baseTransferGas, nil
	}
	overhead, ok := e.overhead[call.Hook]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownHook, call.Hook)
	}
	return baseTransferGas + routerDispatchGas + overhead, nil
}

// SimulationEstimator calls eth_estimateGas against the live contract,
// bounded by its own timeout so a slow RPC node cannot eat the whole
// request deadline.
type SimulationEstimator struct {
	sim     Simulator
	timeout time.Duration
}

func NewSimulationEstimator(sim Simulator, timeout time.Duration) *SimulationEstimator {
	return &SimulationEstimator{sim: sim, timeout: timeout}
}

func (e *SimulationEstimator) Estimate(ctx context.Context, call Call) (uint64, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	gas, err := e.sim.EstimateGas(ctx, call.To, call.ABIJSON, call.Function, call.Args...)
	if err != nil {
		return 0, fmt.Errorf("gasestimate: simulate %s: %w", call.Function, err)
	}
	return gas, nil
}

// SmartEstimator tries CodeEstimator first (fast, no RPC round trip) and
// falls back to SimulationEstimator for any hook CodeEstimator doesn't
// recognize.
type SmartEstimator struct {
	code *CodeEstimator
	sim  *SimulationEstimator
}

func NewSmartEstimator(code *CodeEstimator, sim *SimulationEstimator) *SmartEstimator {
	return &SmartEstimator{code: code, sim: sim}
}

func (e *SmartEstimator) Estimate(ctx context.Context, call Call) (uint64, error) {
	gas, err := e.code.Estimate(ctx, call)
	if err == nil {
		return gas, nil
	}
	if !errors.Is(err, ErrUnknownHook) {
		return 0, err
	}
	return e.sim.Estimate(ctx, call)
}

// New builds the Estimator named by strategy ("code", "simulation",
// "smart"). timeout bounds each simulation RPC call; 0 disables the bound.
func New(strategy string, overhead map[string]uint64, sim Simulator, timeout time.Duration) (Estimator, error) {
	code := NewCodeEstimator(overhead)
	switch strategy {
	case StrategyCode:
		return code, nil
	case StrategySimulation:
		return NewSimulationEstimator(sim, timeout), nil
	case StrategySmart:
		return NewSmartEstimator(code, NewSimulationEstimator(sim, timeout)), nil
	default:
		return nil, fmt.Errorf("gasestimate: unknown strategy %q", strategy)
	}
}

// Clamp applies the safety multiplier and the configured min/max bounds to
// a raw estimate.
func Clamp(raw uint64, safetyMultiplier float64, min, max uint64) uint64 {
	adjusted := uint64(float64(raw) * safetyMultiplier)
	if adjusted < min {
		adjusted = min
	}
	if adjusted > max {
		adjusted = max
	}
	return adjusted
}
