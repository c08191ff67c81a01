package x402

import (
	"fmt"
	"strings"
)

// NetworkType represents the blockchain virtual machine family of a network.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
	// NetworkTypeSVM represents Solana Virtual Machine chains.
	NetworkTypeSVM
)

// Network identifiers accepted in configuration and payment headers.
const (
	NetworkBase          = "base"
	NetworkBaseSepolia   = "base-sepolia"
	NetworkPolygon       = "polygon"
	NetworkPolygonAmoy   = "polygon-amoy"
	NetworkAvalanche     = "avalanche"
	NetworkAvalancheFuji = "avalanche-fuji"
	NetworkEthereum      = "ethereum"
	NetworkSepolia       = "sepolia"
	NetworkSolana        = "solana"
	NetworkSolanaDevnet  = "solana-devnet"
)

// ChainConfig holds per-network settlement parameters: the USDC asset the
// "exact" scheme prices against and, for EVM chains, the EIP-712 domain the
// payer signs under.
type ChainConfig struct {
	// Network is the network identifier.
	Network string

	// Type is the virtual machine family.
	Type NetworkType

	// ChainID is the EVM chain ID; zero for Solana networks.
	ChainID int64

	// USDCAddress is the official Circle USDC contract or mint address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals int

	// EIP712Name is the signing-domain "name" parameter (empty for SVM).
	EIP712Name string

	// EIP712Version is the signing-domain "version" parameter (empty for SVM).
	EIP712Version string
}

var chainConfigByNetwork = map[string]ChainConfig{
	NetworkBase: {
		Network:       NetworkBase,
		Type:          NetworkTypeEVM,
		ChainID:       8453,
		USDCAddress:   "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkBaseSepolia: {
		Network:       NetworkBaseSepolia,
		Type:          NetworkTypeEVM,
		ChainID:       84532,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	NetworkPolygon: {
		Network:       NetworkPolygon,
		Type:          NetworkTypeEVM,
		ChainID:       137,
		USDCAddress:   "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkPolygonAmoy: {
		Network:       NetworkPolygonAmoy,
		Type:          NetworkTypeEVM,
		ChainID:       80002,
		USDCAddress:   "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	NetworkAvalanche: {
		Network:       NetworkAvalanche,
		Type:          NetworkTypeEVM,
		ChainID:       43114,
		USDCAddress:   "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkAvalancheFuji: {
		Network:       NetworkAvalancheFuji,
		Type:          NetworkTypeEVM,
		ChainID:       43113,
		USDCAddress:   "0x5425890298aed601595a70AB815c96711a31Bc65",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkEthereum: {
		Network:       NetworkEthereum,
		Type:          NetworkTypeEVM,
		ChainID:       1,
		USDCAddress:   "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:      6,
		EIP712Name:    "USD Coin",
		EIP712Version: "2",
	},
	NetworkSepolia: {
		Network:       NetworkSepolia,
		Type:          NetworkTypeEVM,
		ChainID:       11155111,
		USDCAddress:   "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:      6,
		EIP712Name:    "USDC",
		EIP712Version: "2",
	},
	NetworkSolana: {
		Network:     NetworkSolana,
		Type:        NetworkTypeSVM,
		USDCAddress: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Decimals:    6,
	},
	NetworkSolanaDevnet: {
		Network:     NetworkSolanaDevnet,
		Type:        NetworkTypeSVM,
		USDCAddress: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
		Decimals:    6,
	},
}

// GetChainConfig returns the chain configuration for a network identifier.
// Returns ErrInvalidNetwork if the network is not recognized.
func GetChainConfig(network string) (ChainConfig, error) {
	config, ok := chainConfigByNetwork[strings.ToLower(network)]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	return config, nil
}

// NetworkTypeOf reports the virtual machine family of a network identifier.
func NetworkTypeOf(network string) NetworkType {
	config, ok := chainConfigByNetwork[strings.ToLower(network)]
	if !ok {
		return NetworkTypeUnknown
	}
	return config.Type
}

// PriceResolver converts a configured price and network into the atomic
// amount, asset identifier and signing-domain metadata of a requirement.
// The default implementation is the built-in chain registry; deployments
// pricing against other assets or oracles inject their own.
type PriceResolver interface {
	Resolve(price, network string) (maxAmount string, asset string, extra map[string]interface{}, err error)
}

// RegistryResolver resolves prices against the built-in chain registry,
// pricing everything in that network's USDC.
//
// Accepted price forms:
//   - "$1.50" (or "1.50"): a decimal USD amount, converted to atomic units
//     using the token's decimals
//   - a bare integer such as "1000000": already-atomic units, passed through
type RegistryResolver struct{}

// Resolve implements PriceResolver.
func (RegistryResolver) Resolve(price, network string) (string, string, map[string]interface{}, error) {
	chain, err := GetChainConfig(network)
	if err != nil {
		return "", "", nil, err
	}

	trimmed := strings.TrimSpace(price)
	dollar := strings.HasPrefix(trimmed, "$")
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "$"))
	if trimmed == "" {
		return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}

	decimals := chain.Decimals
	if !dollar && !strings.Contains(trimmed, ".") {
		// Bare integers are atomic units already.
		decimals = 0
	}

	atomic, err := AmountToAtomic(trimmed, decimals)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidPrice, price)
	}

	var extra map[string]interface{}
	if chain.Type == NetworkTypeEVM {
		extra = map[string]interface{}{
			"name":    chain.EIP712Name,
			"version": chain.EIP712Version,
		}
	}

	return atomic.String(), chain.USDCAddress, extra, nil
}
