package wasmtime

import (
	"github.com/bytecodealliance/wasmtime-go"
)

// fuelMeter exposes store fuel as gas so instruction costs and host debits
// draw from the same budget. Fuel is always enabled on stores created by
// this engine, so fuel calls only fail when asked for more than is left.
type fuelMeter struct {
	store *wasmtime.Store
	// added is the total fuel ever put into the store.
	added uint64
}

func (m *fuelMeter) Remaining() uint64 {
	consumed, _ := m.store.FuelConsumed()
	if consumed >= m.added {
		return 0
	}

	return m.added - consumed
}

func (m *fuelMeter) UseGas(cost uint64) {
	if remaining := m.Remaining(); cost > remaining {
		cost = remaining
	}

	if cost == 0 {
		return
	}

	_, _ = m.store.ConsumeFuel(cost)
}

func (m *fuelMeter) SetRemaining(remaining uint64) {
	current := m.Remaining()

	switch {
	case remaining > current:
		if err := m.store.AddFuel(remaining - current); err == nil {
			m.added += remaining - current
		}
	case remaining < current:
		_, _ = m.store.ConsumeFuel(current - remaining)
	}
}
