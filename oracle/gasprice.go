package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GasPriceStrategy selects how a network's gas price is produced.
type GasPriceStrategy string

const (
	// GasPriceStatic always returns the network's configured gas price,
	// never touching the RPC node.
	GasPriceStatic GasPriceStrategy = "static"
	// GasPriceDynamic always asks the RPC node (eth_gasPrice) and falls
	// back to the configured seed only when that call fails past TTL.
	GasPriceDynamic GasPriceStrategy = "dynamic"
	// GasPriceHybrid refreshes from the RPC node on a timer like Dynamic,
	// but degrades to the static seed immediately (not just on TTL
	// expiry) whenever a network has one configured — config.go flips
	// the default strategy to static when any static price is set,
	// matching this behavior at the config layer.
	GasPriceHybrid GasPriceStrategy = "hybrid"
)

// GasPriceFetcher asks the chain for its current suggested gas price.
type GasPriceFetcher func(ctx context.Context, network string) (*big.Int, error)

type gasPriceEntry struct {
	mu        sync.RWMutex
	value     *big.Int
	lastFetch time.Time
}

// GasPriceOracle caches one gas price per network according to the
// configured strategy.
type GasPriceOracle struct {
	strategy GasPriceStrategy
	fetch    GasPriceFetcher
	static   map[string]*big.Int
	ttl      time.Duration
	period   time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*gasPriceEntry

	stop chan struct{}
	wg   sync.WaitGroup

	fallbackActive sync.Map
}

// NewGasPriceOracle constructs a gas-price oracle. static supplies both the
// seed for dynamic/hybrid and the permanent value for GasPriceStatic.
func NewGasPriceOracle(strategy GasPriceStrategy, fetch GasPriceFetcher, static map[string]*big.Int, ttl, period time.Duration, log *zap.Logger) *GasPriceOracle {
	return &GasPriceOracle{
		strategy: strategy,
		fetch:    fetch,
		static:   static,
		ttl:      ttl,
		period:   period,
		log:      log,
		entries:  make(map[string]*gasPriceEntry),
		stop:     make(chan struct{}),
	}
}

// Start seeds every statically-configured network and, for non-static
// strategies, begins background refresh loops.
func (o *GasPriceOracle) Start(ctx context.Context, networks []string) {
	seen := make(map[string]bool)
	for _, n := range networks {
		seen[n] = true
	}
	for n := range o.static {
		seen[n] = true
	}

	for network := range seen {
		seed := o.static[network]
		if seed == nil {
			seed = big.NewInt(0)
		}
		o.mu.Lock()
		o.entries[network] = &gasPriceEntry{value: seed}
		o.mu.Unlock()

		if o.strategy == GasPriceStatic {
			continue
		}
		if o.strategy == GasPriceHybrid && o.static[network] != nil {
			// A static price for this network overrides refresh entirely.
			continue
		}
		o.wg.Add(1)
		go o.refreshLoop(ctx, network)
	}
}

// Stop halts all refresh goroutines and waits for them to exit.
func (o *GasPriceOracle) Stop() {
	close(o.stop)
	o.wg.Wait()
}

func (o *GasPriceOracle) refreshLoop(ctx context.Context, network string) {
	defer o.wg.Done()
	o.refreshOnce(ctx, network)

	ticker := time.NewTicker(o.period)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshOnce(ctx, network)
		}
	}
}

func (o *GasPriceOracle) refreshOnce(ctx context.Context, network string) {
	o.mu.Lock()
	e, ok := o.entries[network]
	o.mu.Unlock()
	if !ok {
		return
	}

	price, err := o.fetch(ctx, network)
	if err != nil {
		e.mu.RLock()
		stale := e.lastFetch.IsZero() || time.Since(e.lastFetch) > o.ttl
		e.mu.RUnlock()
		if stale {
			o.fallbackActive.Store(network, true)
			seed := o.static[network]
			if seed == nil {
				seed = big.NewInt(0)
			}
			e.mu.Lock()
			e.value = new(big.Int).Set(seed)
			e.mu.Unlock()
			if o.log != nil {
				o.log.Warn("gas price fetch failed past ttl, using fallback",
					zap.String("network", string(network)), zap.Error(err))
			}
		}
		return
	}

	o.fallbackActive.Delete(network)
	e.mu.Lock()
	e.value = price
	e.lastFetch = time.Now()
	e.mu.Unlock()
}

// Price returns the current gas price (wei) for network.
func (o *GasPriceOracle) Price(network string) *big.Int {
	o.mu.Lock()
	e, ok := o.entries[network]
	o.mu.Unlock()
	if !ok {
		if seed := o.static[network]; seed != nil {
			return new(big.Int).Set(seed)
		}
		return big.NewInt(0)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.value)
}

// UsingFallback reports whether network's gas price is currently served
// from its static seed because live refresh has failed past TTL.
func (o *GasPriceOracle) UsingFallback(network string) bool {
	v, ok := o.fallbackActive.Load(network)
	return ok && v.(bool)
}
