// Command facilitatord is the x402x facilitator process: it builds the
// immutable Config, wires every component together, and serves the HTTP
// surface until an OS signal asks it to drain and exit.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	x402x "x402x-facilitator"
	"x402x-facilitator/evmchain"
	"x402x-facilitator/gasestimate"
	"x402x-facilitator/httpapi"
	"x402x-facilitator/obs"
	"x402x-facilitator/oracle"
	"x402x-facilitator/registry"
	"x402x-facilitator/signerpool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "facilitatord:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := x402x.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := obs.NewLogger(os.Getenv("DEV_LOGGING") == "true")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	reg := registry.New(x402x.StringKeyed(cfg.RPCURLs), x402x.StringKeyed(cfg.SettlementRouters))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics()

	pools := signerpool.NewRegistry()
	estimators := make(map[string]gasestimate.Estimator)
	var rpcSigner evmchain.Signer // any one signer, used as the gas-price/estimate RPC handle for a given network
	rpcSigners := make(map[string]evmchain.Signer)

	for _, n := range reg.ListSupported() {
		rpcURL, err := reg.RPCURL(n.CAIP2)
		if err != nil || rpcURL == "" {
			log.Warn("no RPC URL configured, network disabled", zap.String("network", n.CAIP2))
			continue
		}

		var signers []evmchain.Signer
		for _, pk := range cfg.EVMPrivateKeys {
			s, err := evmchain.NewClientSigner(ctx, rpcURL, pk)
			if err != nil {
				log.Error("dial signer", zap.String("network", n.CAIP2), zap.Error(err))
				continue
			}
			signers = append(signers, s)
		}
		if len(signers) == 0 {
			log.Warn("no signers dialed successfully, network disabled", zap.String("network", n.CAIP2))
			continue
		}

		pool := signerpool.New(n.CAIP2, signers, cfg.SignerPool.SelectionStrategy, cfg.SignerPool.MaxQueueDepth, cfg.SignerPool.WarningThreshold, cfg.SignerPool.ShutdownTimeout)
		pool.SetWarnFunc(func(network string, depth int) {
			metrics.RecordQueueWarning(network)
			log.Warn("signer pool queue depth at warning threshold",
				zap.String("network", network), zap.Int("depth", depth))
		})
		pools.Add(n.CAIP2, pool)
		rpcSigner = signers[0]
		rpcSigners[n.CAIP2] = rpcSigner

		// The analytic overhead table is configured per hook kind
		// ("transfer", "split", "mint"); the estimator is asked about hook
		// addresses, so re-key it through the registry's built-in hook
		// deployments for this network.
		overheadByAddr := make(map[string]uint64)
		for kind, addr := range n.DefaultHooks {
			if gas, ok := cfg.Gas.HookGasOverhead[kind]; ok {
				overheadByAddr[strings.ToLower(addr)] = gas
			}
		}

		strategy := cfg.Gas.EstimationStrategy
		if strategy == gasestimate.StrategySmart && !cfg.Gas.CodeValidationEnabled {
			// smart degrades to pure simulation when code-path validation is
			// disabled for this deployment.
			strategy = gasestimate.StrategySimulation
		}
		estimator, err := gasestimate.New(strategy, overheadByAddr, rpcSigner, cfg.Gas.GasEstimationTimeout)
		if err != nil {
			return fmt.Errorf("build gas estimator for %s: %w", n.CAIP2, err)
		}
		estimators[n.CAIP2] = estimator

		log.Info("network enabled", zap.String("network", n.CAIP2), zap.Int("signers", len(signers)))
	}

	priceFallback := defaultPriceFallback(reg, x402x.StringKeyed(cfg.Gas.NativeTokenPriceSeed))
	prices := oracle.NewPriceOracle(externalPriceFetcher, priceFallback, cfg.PriceCacheTTL, cfg.PriceRefreshPeriod, log)
	prices.Start(ctx)
	defer prices.Stop()

	gasPriceFetch := func(ctx context.Context, network string) (*big.Int, error) {
		s, ok := rpcSigners[network]
		if !ok {
			return nil, fmt.Errorf("no RPC signer for %s", network)
		}
		return s.SuggestGasPrice(ctx)
	}
	var networks []string
	for net := range rpcSigners {
		networks = append(networks, net)
	}
	gasPriceOracle := oracle.NewGasPriceOracle(oracle.GasPriceStrategy(cfg.GasPriceStrategy), gasPriceFetch, x402x.StringKeyed(cfg.Gas.NetworkGasPrice), cfg.GasPriceCacheTTL, cfg.GasPriceUpdateRate, log)
	gasPriceOracle.Start(ctx, networks)
	defer gasPriceOracle.Stop()

	// Surface the oracles' fallback state as a gauge so an operator can
	// alert on "serving stale/seed prices" without reading logs.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, net := range networks {
					metrics.SetOracleFallback("price", net, prices.UsingFallback(net))
					metrics.SetOracleFallback("gasprice", net, gasPriceOracle.UsingFallback(net))
				}
			}
		}
	}()

	if rpcSigner == nil {
		return fmt.Errorf("no network came up with at least one signer; check <NET>_RPC_URL and EVM_PRIVATE_KEYS")
	}

	facilitator := x402x.NewFacilitator(cfg, reg, pools, prices, gasPriceOracle, estimators, rpcSigners)

	server := httpapi.NewServer(facilitator, log, metrics, cfg.RequestBodyLimit, cfg.RateLimitVerifyRPS, cfg.RateLimitSettleRPS, cfg.RateLimitBurst, cfg.AllowedOrigins)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("facilitator listening", zap.String("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SignerPool.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown did not complete cleanly", zap.Error(err))
	}
	if err := pools.ShutdownAll(shutdownCtx); err != nil {
		log.Warn("signer pool drain did not complete cleanly", zap.Error(err))
	}
	return nil
}

// defaultPriceFallback seeds every registered network with a native-token
// USD price: the operator's explicit <NET>_ETH_PRICE override if present,
// else a conservative built-in default.
func defaultPriceFallback(reg *registry.Registry, overrides map[string]float64) map[string]float64 {
	const ethFallback = 3000.0

	out := make(map[string]float64, len(reg.ListSupported()))
	for _, n := range reg.ListSupported() {
		if seed, ok := overrides[n.CAIP2]; ok {
			out[n.CAIP2] = seed
			continue
		}
		// Every registered network here settles in ETH-denominated gas
		// (ethereum, base, base-sepolia); a future non-ETH network needs
		// its own <NET>_ETH_PRICE override or this default is wrong.
		out[n.CAIP2] = ethFallback
	}
	return out
}

// externalPriceFetcher is a placeholder price feed: it always fails, which
// makes the oracle serve the seeded fallback value until an operator wires
// a real feed in its place.
func externalPriceFetcher(ctx context.Context, network string) (float64, error) {
	return 0, fmt.Errorf("oracle: no external price feed configured for %s", network)
}
