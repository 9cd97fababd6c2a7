package host

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/runner"
)

const (
	checksumSize = 4
	separator    = "1"
)

// HumanReadablePart is the address prefix used on network.
func HumanReadablePart(network runner.Network) string {
	switch network {
	case runner.Testnet:
		return "tb"
	case runner.Regtest:
		return "bcrt"
	default:
		return "bc"
	}
}

func checksum(hrp string, data []byte) []byte {
	sum := blake2b.Sum256(append([]byte(hrp), data...))

	return sum[:checksumSize]
}

// EncodeAddress renders data as hrp, "1", hex(data) and a hex checksum over
// hrp and data.
func EncodeAddress(network runner.Network, data []byte) string {
	hrp := HumanReadablePart(network)

	return hrp + separator + hex.EncodeToString(data) + hex.EncodeToString(checksum(hrp, data))
}

// DecodeAddress reverses EncodeAddress and verifies the checksum.
func DecodeAddress(network runner.Network, address string) ([]byte, error) {
	prefix := HumanReadablePart(network) + separator
	if !strings.HasPrefix(address, prefix) {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "address %q is not a %s address", address, network)
	}

	raw, err := hex.DecodeString(address[len(prefix):])
	if err != nil || len(raw) < checksumSize {
		return nil, errors.Errorf("address %q is malformed", address)
	}

	data, sum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	if !bytes.Equal(sum, checksum(HumanReadablePart(network), data)) {
		return nil, errors.Errorf("address %q has a bad checksum", address)
	}

	return data, nil
}
