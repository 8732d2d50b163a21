package x402x

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"x402x-facilitator/protocol"
)

// Network is an alias for protocol.Network so config.go reads naturally
// without qualifying every field; it is the same type, not a copy.
type Network = protocol.Network

// GasConfig collects every gas-limit and gas-pricing policy knob.
type GasConfig struct {
	MinGasLimit           uint64
	MaxGasLimit           uint64
	DynamicGasLimitMargin float64
	SafetyMultiplier      float64
	ValidationTolerance   float64
	HookGasOverhead       map[string]uint64
	EstimationStrategy    string // "code" | "simulation" | "smart"
	HookWhitelistEnabled  bool
	AllowedHooks          map[Network]map[string]bool
	NetworkGasPrice       map[Network]*big.Int
	NativeTokenPriceSeed  map[Network]float64
	CodeValidationEnabled bool
	GasEstimationTimeout  time.Duration
	ReceiptTimeout        time.Duration
}

// SignerPoolConfig configures the per-network signer pools.
type SignerPoolConfig struct {
	SelectionStrategy string // "round-robin" | "random"
	MaxQueueDepth     int
	WarningThreshold  int
	ShutdownTimeout   time.Duration
}

// Config is the single immutable configuration object built once at
// startup and injected into every component. No component reads the
// environment on its own.
type Config struct {
	Port             string
	RequestBodyLimit int64

	EVMPrivateKeys []string

	RPCURLs           map[Network]string
	SettlementRouters map[Network]string
	AllowedRouters    map[Network]map[string]bool

	GasPriceStrategy string // "static" | "dynamic" | "hybrid"
	Gas              GasConfig
	SignerPool       SignerPoolConfig

	EnableV2 bool
	RejectV1 bool

	RateLimitVerifyRPS float64
	RateLimitSettleRPS float64
	RateLimitBurst     int

	AllowedOrigins []string

	PriceCacheTTL      time.Duration
	PriceRefreshPeriod time.Duration
	GasPriceCacheTTL   time.Duration
	GasPriceUpdateRate time.Duration
}

// Load builds a Config from the process environment; godotenv.Load is a
// no-op when no .env file is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8402"),
		RequestBodyLimit: int64(getEnvInt64("REQUEST_BODY_LIMIT", 1<<20)),

		RPCURLs:           map[Network]string{},
		SettlementRouters: map[Network]string{},
		AllowedRouters:    map[Network]map[string]bool{},

		GasPriceStrategy: getEnv("GAS_PRICE_STRATEGY", "hybrid"),

		EnableV2: getEnvBool("FACILITATOR_ENABLE_V2", true),
		RejectV1: getEnvBool("FACILITATOR_REJECT_V1", false),

		RateLimitVerifyRPS: getEnvFloat("RATE_LIMIT_VERIFY_RPS", 20),
		RateLimitSettleRPS: getEnvFloat("RATE_LIMIT_SETTLE_RPS", 5),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", 10)),

		AllowedOrigins: splitNonEmpty(os.Getenv("CORS_ALLOWED_ORIGINS")),

		PriceCacheTTL:      getEnvDuration("TOKEN_PRICE_CACHE_TTL", time.Hour),
		PriceRefreshPeriod: getEnvDuration("TOKEN_PRICE_REFRESH_INTERVAL", 10*time.Minute),
		GasPriceCacheTTL:   getEnvDuration("CACHE_GAS_PRICE_TTL", 5*time.Minute),
		GasPriceUpdateRate: getEnvDuration("CACHE_GAS_PRICE_UPDATE_INTERVAL", 60*time.Second),

		Gas: GasConfig{
			MinGasLimit:           getEnvInt64("GAS_COST_MIN_GAS_LIMIT", 100_000),
			MaxGasLimit:           getEnvInt64("GAS_COST_MAX_GAS_LIMIT", 1_000_000),
			DynamicGasLimitMargin: getEnvFloat("GAS_COST_MARGIN", 0.2),
			SafetyMultiplier:      getEnvFloat("GAS_COST_SAFETY_MULTIPLIER", 1.2),
			ValidationTolerance:   getEnvFloat("GAS_COST_VALIDATION_TOLERANCE", 0.1),
			HookGasOverhead:       map[string]uint64{"transfer": 20_000, "split": 60_000, "mint": 80_000},
			EstimationStrategy:    getEnv("GAS_ESTIMATION_STRATEGY", "smart"),
			HookWhitelistEnabled:  getEnvBool("HOOK_WHITELIST_ENABLED", true),
			AllowedHooks:          map[Network]map[string]bool{},
			NetworkGasPrice:       map[Network]*big.Int{},
			NativeTokenPriceSeed:  map[Network]float64{},
			CodeValidationEnabled: getEnvBool("GAS_CODE_VALIDATION_ENABLED", true),
			GasEstimationTimeout:  getEnvDuration("GAS_ESTIMATION_TIMEOUT", 5*time.Second),
			ReceiptTimeout:        getEnvDuration("RECEIPT_TIMEOUT", 30*time.Second),
		},
		SignerPool: SignerPoolConfig{
			SelectionStrategy: getEnv("ACCOUNT_SELECTION_STRATEGY", "round-robin"),
			MaxQueueDepth:     int(getEnvInt64("ACCOUNT_POOL_MAX_QUEUE_DEPTH", 16)),
			WarningThreshold:  int(getEnvInt64("ACCOUNT_POOL_WARNING_THRESHOLD", 12)),
			ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
	}

	cfg.EVMPrivateKeys = collectPrivateKeys()
	if len(cfg.EVMPrivateKeys) == 0 {
		return nil, fmt.Errorf("config: at least one EVM_PRIVATE_KEYS (or EVM_PRIVATE_KEY_1..N) entry is required")
	}

	// These three match registry.builtins() exactly: overriding by either
	// the CAIP-2 id or the human alias would otherwise silently collide or
	// silently no-op for networks the registry never registered.
	for _, net := range []Network{"eip155:1", "eip155:8453", "eip155:84532"} {
		prefix := envPrefix(net)
		if v := os.Getenv(prefix + "_RPC_URL"); v != "" {
			cfg.RPCURLs[net] = v
		}
		if v := os.Getenv(prefix + "_SETTLEMENT_ROUTER_ADDRESS"); v != "" {
			router := strings.ToLower(v)
			cfg.SettlementRouters[net] = router
			cfg.AllowedRouters[net] = map[string]bool{router: true}
		}
		if v := os.Getenv(prefix + "_ALLOWED_HOOKS"); v != "" {
			allowed := map[string]bool{}
			for _, h := range strings.Split(v, ",") {
				allowed[strings.ToLower(strings.TrimSpace(h))] = true
			}
			cfg.Gas.AllowedHooks[net] = allowed
		}
		if v := os.Getenv(prefix + "_TARGET_GAS_PRICE"); v != "" {
			if gp, ok := new(big.Int).SetString(v, 10); ok {
				cfg.Gas.NetworkGasPrice[net] = gp
			}
		}
		if v := os.Getenv(prefix + "_ETH_PRICE"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.Gas.NativeTokenPriceSeed[net] = f
			}
		}
	}

	// Presence of any explicit static gas price flips the default strategy
	// to "static" unless the operator set GAS_PRICE_STRATEGY explicitly.
	if os.Getenv("GAS_PRICE_STRATEGY") == "" && len(cfg.Gas.NetworkGasPrice) > 0 {
		cfg.GasPriceStrategy = "static"
	}

	return cfg, nil
}

// splitNonEmpty splits a comma-separated env value, dropping blanks; an
// empty input yields a nil slice (CORS wide open).
func splitNonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envPrefix(net Network) string {
	s := strings.ToUpper(string(net))
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// StringKeyed converts a Network-keyed config map into the plain
// string-keyed form registry.New, oracle.NewPriceOracle and
// oracle.NewGasPriceOracle all take (they're keyed by whatever alias or
// CAIP-2 id the caller used, not by the Network type itself).
func StringKeyed[V any](m map[Network]V) map[string]V {
	out := make(map[string]V, len(m))
	for network, v := range m {
		out[string(network)] = v
	}
	return out
}

func collectPrivateKeys() []string {
	var keys []string
	if v := os.Getenv("EVM_PRIVATE_KEYS"); v != "" {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	for i := 1; ; i++ {
		v := os.Getenv(fmt.Sprintf("EVM_PRIVATE_KEY_%d", i))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	if len(keys) == 0 {
		if v := os.Getenv("EVM_PRIVATE_KEY"); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
