package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPriceOracleSeedsAndRefreshes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 8)
	proceed := make(chan struct{})
	fetch := func(ctx context.Context, network string) (float64, error) {
		<-proceed
		calls <- struct{}{}
		return 2.50, nil
	}

	o := NewPriceOracle(fetch, map[string]float64{"base": 1.00}, time.Second, 10*time.Millisecond, nil)
	o.Start(ctx)
	defer o.Stop()

	// The first fetch is held until the seed has been read, so the seed is
	// visible before the first refresh completes.
	seed := o.Price("base")
	close(proceed)
	require.Equal(t, 1.00, seed)

	require.Eventually(t, func() bool {
		return o.Price("base") == 2.50
	}, time.Second, 5*time.Millisecond)
}

func TestPriceOracleFallsBackPastTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetch := func(ctx context.Context, network string) (float64, error) {
		return 0, errors.New("rpc unavailable")
	}

	o := NewPriceOracle(fetch, map[string]float64{"base": 1.00}, time.Millisecond, 5*time.Millisecond, nil)
	o.Start(ctx)
	defer o.Stop()

	require.Eventually(t, func() bool {
		return o.UsingFallback("base")
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1.00, o.Price("base"))
}

func TestPriceOracleResetsToFallbackAfterPriorSuccessExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	fetch := func(ctx context.Context, network string) (float64, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 9999.0, nil
		}
		return 0, errors.New("rpc unavailable")
	}

	o := NewPriceOracle(fetch, map[string]float64{"base": 1.00}, 5*time.Millisecond, 5*time.Millisecond, nil)
	o.Start(ctx)
	defer o.Stop()

	require.Eventually(t, func() bool {
		return o.Price("base") == 9999.0
	}, time.Second, 5*time.Millisecond)

	// Once the stale successful value ages past ttl and refresh keeps
	// failing, Price must serve the configured fallback again, not the
	// frozen (now provably stale) last-good value.
	require.Eventually(t, func() bool {
		return o.UsingFallback("base") && o.Price("base") == 1.00
	}, time.Second, 5*time.Millisecond)
}

func TestGasPriceOracleStaticNeverFetches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchCalled := false
	fetch := func(ctx context.Context, network string) (*big.Int, error) {
		fetchCalled = true
		return big.NewInt(999), nil
	}

	static := map[string]*big.Int{"base": big.NewInt(42)}
	o := NewGasPriceOracle(GasPriceStatic, fetch, static, time.Second, time.Millisecond, nil)
	o.Start(ctx, []string{"base"})
	defer o.Stop()

	time.Sleep(20 * time.Millisecond)
	require.False(t, fetchCalled)
	require.Equal(t, big.NewInt(42), o.Price("base"))
}

func TestGasPriceOracleDynamicRefreshes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetch := func(ctx context.Context, network string) (*big.Int, error) {
		return big.NewInt(777), nil
	}

	o := NewGasPriceOracle(GasPriceDynamic, fetch, map[string]*big.Int{"base": big.NewInt(1)}, time.Second, 5*time.Millisecond, nil)
	o.Start(ctx, []string{"base"})
	defer o.Stop()

	require.Eventually(t, func() bool {
		return o.Price("base").Cmp(big.NewInt(777)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGasPriceOracleResetsToStaticAfterPriorSuccessExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	fetch := func(ctx context.Context, network string) (*big.Int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return big.NewInt(9999), nil
		}
		return nil, errors.New("rpc unavailable")
	}

	o := NewGasPriceOracle(GasPriceDynamic, fetch, map[string]*big.Int{"base": big.NewInt(1)}, 5*time.Millisecond, 5*time.Millisecond, nil)
	o.Start(ctx, []string{"base"})
	defer o.Stop()

	require.Eventually(t, func() bool {
		return o.Price("base").Cmp(big.NewInt(9999)) == 0
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return o.UsingFallback("base") && o.Price("base").Cmp(big.NewInt(1)) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGasPriceOracleHybridSkipsRefreshWhenStaticConfigured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchCalled := false
	fetch := func(ctx context.Context, network string) (*big.Int, error) {
		fetchCalled = true
		return big.NewInt(777), nil
	}

	o := NewGasPriceOracle(GasPriceHybrid, fetch, map[string]*big.Int{"base": big.NewInt(55)}, time.Second, 5*time.Millisecond, nil)
	o.Start(ctx, []string{"base"})
	defer o.Stop()

	time.Sleep(20 * time.Millisecond)
	require.False(t, fetchCalled)
	require.Equal(t, big.NewInt(55), o.Price("base"))
}
