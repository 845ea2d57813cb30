// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package token is the gateway's registry of tradable asset metadata. The
// registry maps a user-supplied symbol or contract address to the on-chain
// metadata (address, decimals) the chain adapters need. Token lists are
// registered per network at startup; lookups never hit the network.
package token

import (
	"strings"
	"sync"

	"crossdex.org/crossdex/gw"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned by Resolve for an unknown symbol or address.
const ErrNotFound = gw.Error("token not found")

// Token is the on-chain metadata for a tradable asset.
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	// Native marks the chain's gas asset. The Address of a native Token is
	// the zero address.
	Native bool `json:"native,omitempty"`
}

var (
	mtx         sync.RWMutex
	bySymbol    = make(map[gw.Network]map[string]*Token)
	byAddress   = make(map[gw.Network]map[common.Address]*Token)
	nativeAsset = make(map[gw.Network]*Token)
)

// Register adds tokens to the registry for the specified network. Registering
// a symbol that already exists replaces the earlier entry.
func Register(net gw.Network, tokens ...*Token) {
	mtx.Lock()
	defer mtx.Unlock()
	if bySymbol[net] == nil {
		bySymbol[net] = make(map[string]*Token)
		byAddress[net] = make(map[common.Address]*Token)
	}
	for _, tkn := range tokens {
		bySymbol[net][strings.ToLower(tkn.Symbol)] = tkn
		byAddress[net][tkn.Address] = tkn
		if tkn.Native {
			nativeAsset[net] = tkn
		}
	}
}

// Resolve looks up a token by its symbol (case-insensitive) or its hex
// contract address. ErrNotFound is returned for unknown identifiers.
func Resolve(net gw.Network, symbolOrAddress string) (*Token, error) {
	mtx.RLock()
	defer mtx.RUnlock()
	if common.IsHexAddress(symbolOrAddress) {
		if tkn, found := byAddress[net][common.HexToAddress(symbolOrAddress)]; found {
			return tkn, nil
		}
		return nil, ErrNotFound
	}
	if tkn, found := bySymbol[net][strings.ToLower(symbolOrAddress)]; found {
		return tkn, nil
	}
	return nil, ErrNotFound
}

// Native returns the native gas asset for the network, or nil if no token
// list is registered.
func Native(net gw.Network) *Token {
	mtx.RLock()
	defer mtx.RUnlock()
	return nativeAsset[net]
}

// Tokens returns all registered tokens for a network.
func Tokens(net gw.Network) []*Token {
	mtx.RLock()
	defer mtx.RUnlock()
	tokens := make([]*Token, 0, len(bySymbol[net]))
	for _, tkn := range bySymbol[net] {
		tokens = append(tokens, tkn)
	}
	return tokens
}

func init() {
	Register(gw.Mainnet,
		&Token{Symbol: "ETH", Decimals: 18, Native: true},
		&Token{Symbol: "WETH", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18},
		&Token{Symbol: "USDC", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
		&Token{Symbol: "USDT", Address: common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), Decimals: 6},
		&Token{Symbol: "DAI", Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Decimals: 18},
		&Token{Symbol: "WBTC", Address: common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"), Decimals: 8},
	)
	Register(gw.Testnet,
		&Token{Symbol: "ETH", Decimals: 18, Native: true},
		&Token{Symbol: "WETH", Address: common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"), Decimals: 18},
		&Token{Symbol: "USDC", Address: common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"), Decimals: 6},
	)
	Register(gw.Simnet,
		&Token{Symbol: "ETH", Decimals: 18, Native: true},
	)
}
