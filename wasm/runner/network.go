package runner

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

// Network is the chain a contract executes against.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return "unknown"
	}
}

// ParseNetwork accepts a network name, case insensitively. An empty name
// selects Mainnet.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(name) {
	case "", "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	default:
		return 0, errors.Wrapf(errdefs.ErrConfiguration, "unknown network %q", name)
	}
}
