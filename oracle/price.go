// Package oracle provides the two caches the fee policy depends on: the
// native-token USD price oracle and the gas-price oracle. Both follow the
// same shape — a background goroutine refreshes a value on a timer, reads
// take an RWMutex, and a fetch failure past the cache's TTL falls back to a
// configured seed value rather than failing the request.
package oracle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PriceFetcher fetches the current USD price of a network's native token.
// Implementations call out to an RPC node, a price feed contract, or an
// external API; the oracle itself is transport-agnostic.
type PriceFetcher func(ctx context.Context, network string) (float64, error)

type priceEntry struct {
	mu        sync.RWMutex
	value     float64
	lastFetch time.Time
}

// PriceOracle caches one USD price per network, refreshed on a timer.
type PriceOracle struct {
	fetch    PriceFetcher
	fallback map[string]float64
	ttl      time.Duration
	period   time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*priceEntry

	stop chan struct{}
	wg   sync.WaitGroup

	fallbackActive sync.Map // Network -> bool, for observability
}

// NewPriceOracle constructs a price oracle. fallback supplies the seed
// value used when a fetch fails and the cached value has exceeded ttl;
// within ttl, the last good value is reused instead.
func NewPriceOracle(fetch PriceFetcher, fallback map[string]float64, ttl, period time.Duration, log *zap.Logger) *PriceOracle {
	return &PriceOracle{
		fetch:    fetch,
		fallback: fallback,
		ttl:      ttl,
		period:   period,
		log:      log,
		entries:  make(map[string]*priceEntry),
		stop:     make(chan struct{}),
	}
}

// Start seeds each network in fallback with its seed value and begins a
// background refresh loop per network. Safe to call once.
func (o *PriceOracle) Start(ctx context.Context) {
	for network, seed := range o.fallback {
		e := &priceEntry{value: seed, lastFetch: time.Time{}}
		o.mu.Lock()
		o.entries[network] = e
		o.mu.Unlock()

		o.wg.Add(1)
		go o.refreshLoop(ctx, network)
	}
}

// Stop halts all refresh goroutines and waits for them to exit.
func (o *PriceOracle) Stop() {
	close(o.stop)
	o.wg.Wait()
}

func (o *PriceOracle) refreshLoop(ctx context.Context, network string) {
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

func (o *PriceOracle) refreshOnce(ctx context.Context, network string) {
	o.mu.Lock()
	e, ok := o.entries[network]
	o.mu.Unlock()
	if !ok {
		return
	}

	price, err := o.fetch(ctx, network)
	if err != nil {
		e.mu.RLock()
		stale := time.Since(e.lastFetch) > o.ttl && !e.lastFetch.IsZero()
		e.mu.RUnlock()
		if stale || e.lastFetch.IsZero() {
			o.fallbackActive.Store(network, true)
			e.mu.Lock()
			e.value = o.fallback[network]
			e.mu.Unlock()
			if o.log != nil {
				o.log.Warn("price oracle fetch failed past ttl, using fallback",
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

// Price returns the cached USD price for network, or its configured
// fallback if the network was never registered.
func (o *PriceOracle) Price(network string) float64 {
	o.mu.Lock()
	e, ok := o.entries[network]
	o.mu.Unlock()
	if !ok {
		return o.fallback[network]
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value
}

// UsingFallback reports whether network's last refresh attempt failed past
// its TTL (the value being served is the configured fallback).
func (o *PriceOracle) UsingFallback(network string) bool {
	v, ok := o.fallbackActive.Load(network)
	return ok && v.(bool)
}
