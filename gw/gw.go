// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package gw

import "fmt"

// Error is just a basic error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string { return string(err) }

// Network flags what network a gateway instance is deployed against. Every
// chain adapter is instantiated for exactly one Network.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Simnet
)

// String returns the string representation of a Network.
func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Simnet:
		return "simnet"
	}
	return "unknown"
}

// NetFromString returns the Network for the given network name.
func NetFromString(net string) (Network, error) {
	switch net {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "simnet":
		return Simnet, nil
	}
	return 255, fmt.Errorf("unknown network %q", net)
}
