// Package registry implements the network registry: the canonical
// bijection between human network aliases and CAIP-2 chain ids, plus each
// network's chain id, default RPC URL, default asset and default
// router/hook addresses.
package registry

import (
	"fmt"
	"math/big"
	"strings"
)

// Asset is the (address, decimals, EIP-712 domain) tuple for a payment
// token, keyed by (network, address).
type Asset struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// Network carries everything the registry knows about one chain.
// DefaultHooks maps a built-in hook kind ("transfer", "split", "mint") to
// its deployed address; the kind keys line up with the gas config's
// analytic overhead table.
type Network struct {
	Alias         string
	CAIP2         string
	ChainID       *big.Int
	RPCURL        string
	DefaultAsset  Asset
	DefaultRouter string
	DefaultHooks  map[string]string
	Testnet       bool
}

// ErrUnknownNetwork is returned by Canonicalize/Lookup for unregistered names.
type ErrUnknownNetwork struct{ Name string }

func (e *ErrUnknownNetwork) Error() string { return fmt.Sprintf("unknown network: %s", e.Name) }

var mainnetExclusions = []string{"sepolia", "testnet", "fuji", "amoy", "goerli"}

// Registry is a read-only-after-construction bijection between aliases and
// CAIP-2 ids. It is safe for concurrent reads from multiple goroutines
// because nothing mutates it after New returns.
type Registry struct {
	byAlias map[string]*Network
	byCAIP2 map[string]*Network
}

// New builds a registry seeded with the built-in defaults, then applies
// RPC URL / router address overrides supplied by the caller (normally
// sourced from Config).
func New(rpcOverrides map[string]string, routerOverrides map[string]string) *Registry {
	r := &Registry{byAlias: map[string]*Network{}, byCAIP2: map[string]*Network{}}
	for _, n := range builtins() {
		nCopy := n
		r.register(&nCopy)
	}
	for alias, url := range rpcOverrides {
		if n := r.lookupAny(alias); n != nil {
			n.RPCURL = url
		}
	}
	for alias, router := range routerOverrides {
		if n := r.lookupAny(alias); n != nil {
			n.DefaultRouter = strings.ToLower(router)
		}
	}
	return r
}

func (r *Registry) register(n *Network) {
	r.byAlias[n.Alias] = n
	r.byCAIP2[n.CAIP2] = n
}

func (r *Registry) lookupAny(name string) *Network {
	if n, ok := r.byAlias[name]; ok {
		return n
	}
	if n, ok := r.byCAIP2[name]; ok {
		return n
	}
	return nil
}

// ListSupported returns every registered network, in no particular order.
func (r *Registry) ListSupported() []*Network {
	out := make([]*Network, 0, len(r.byCAIP2))
	for _, n := range r.byCAIP2 {
		out = append(out, n)
	}
	return out
}

// Canonicalize resolves an alias or CAIP-2 id to its canonical CAIP-2 id.
func (r *Registry) Canonicalize(name string) (string, error) {
	n := r.lookupAny(name)
	if n == nil {
		return "", &ErrUnknownNetwork{Name: name}
	}
	return n.CAIP2, nil
}

// Alias returns the human alias for a CAIP-2 id, if one is registered.
func (r *Registry) Alias(caip2 string) (string, error) {
	n, ok := r.byCAIP2[caip2]
	if !ok {
		return "", &ErrUnknownNetwork{Name: caip2}
	}
	return n.Alias, nil
}

// Lookup resolves any registered name (alias or CAIP-2) to its Network.
func (r *Registry) Lookup(name string) (*Network, error) {
	n := r.lookupAny(name)
	if n == nil {
		return nil, &ErrUnknownNetwork{Name: name}
	}
	return n, nil
}

// DefaultAsset returns the network's default payment asset.
func (r *Registry) DefaultAsset(name string) (Asset, error) {
	n, err := r.Lookup(name)
	if err != nil {
		return Asset{}, err
	}
	return n.DefaultAsset, nil
}

// DefaultRouter returns the network's default SettlementRouter address.
func (r *Registry) DefaultRouter(name string) (string, error) {
	n, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return n.DefaultRouter, nil
}

// RPCURL returns the network's configured RPC endpoint.
func (r *Registry) RPCURL(name string) (string, error) {
	n, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return n.RPCURL, nil
}

// IsMainnet reports whether a network is a mainnet by the alias substring
// rule: mainnet iff the alias contains none of
// {sepolia, testnet, fuji, amoy, goerli}.
func (r *Registry) IsMainnet(name string) (bool, error) {
	n, err := r.Lookup(name)
	if err != nil {
		return false, err
	}
	return !n.Testnet, nil
}

func isTestnetAlias(alias string) bool {
	lower := strings.ToLower(alias)
	for _, excl := range mainnetExclusions {
		if strings.Contains(lower, excl) {
			return true
		}
	}
	return false
}

// Deterministic cross-chain deployment addresses for the SettlementRouter
// and the built-in transfer hook (same address on every chain, CREATE2).
const (
	defaultRouterAddress       = "0x402a93cf0f1aa1ae94f0cd5c2df23938a77cbe24"
	defaultTransferHookAddress = "0x402b7a541d5a76e253a66713df7e3f7eea3ba02a"
)

// builtins seeds the registry with the supported networks (Ethereum
// mainnet, Base, Base Sepolia), with decimals/EIP-712 name/version
// matching USDC's canonical deployment.
func builtins() []Network {
	mainnet := big.NewInt(1)
	base := big.NewInt(8453)
	baseSepolia := big.NewInt(84532)

	mk := func(alias, caip2 string, chainID *big.Int, assetAddr, assetName string) Network {
		n := Network{
			Alias:   alias,
			CAIP2:   caip2,
			ChainID: chainID,
			DefaultAsset: Asset{
				Address:  assetAddr,
				Name:     assetName,
				Version:  "2",
				Decimals: 6,
			},
			DefaultRouter: defaultRouterAddress,
			DefaultHooks: map[string]string{
				"transfer": defaultTransferHookAddress,
			},
		}
		n.Testnet = isTestnetAlias(alias)
		return n
	}

	return []Network{
		mk("ethereum", "eip155:1", mainnet, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USD Coin"),
		mk("base", "eip155:8453", base, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin"),
		mk("base-sepolia", "eip155:84532", baseSepolia, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC"),
	}
}
