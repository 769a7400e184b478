package x402

import (
	"fmt"
	"sort"
)

// Network describes a settlement network and its USDC deployment.
type Network struct {
	Name    string
	ChainID int64
	// Asset is the USDC contract address.
	Asset string
	// EIP-712 domain of the USDC contract.
	TokenName    string
	TokenVersion string
}

var networks = map[string]Network{
	"base-sepolia": {
		Name: "base-sepolia", ChainID: 84532,
		Asset:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		TokenName: "USDC", TokenVersion: "2",
	},
	"base": {
		Name: "base", ChainID: 8453,
		Asset:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenName: "USD Coin", TokenVersion: "2",
	},
	"polygon-amoy": {
		Name: "polygon-amoy", ChainID: 80002,
		Asset:     "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		TokenName: "USDC", TokenVersion: "2",
	},
	"polygon": {
		Name: "polygon", ChainID: 137,
		Asset:     "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		TokenName: "USD Coin", TokenVersion: "2",
	},
}

// LookupNetwork returns the network registered under name.
func LookupNetwork(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("x402: unsupported network %q", name)
	}
	return n, nil
}

// Networks lists the supported network names in sorted order.
func Networks() []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DomainExtra returns the requirements "extra" block clients need to build
// the EIP-712 domain.
func (n Network) DomainExtra() map[string]any {
	return map[string]any{"name": n.TokenName, "version": n.TokenVersion}
}
