package wazero

import (
	"github.com/tetratelabs/wazero/api"
)

// globalMeter keeps the budget in the gas global of an injected module, so
// guest code and host functions charge the same counter.
type globalMeter struct {
	global api.MutableGlobal
}

func (m globalMeter) Remaining() uint64 {
	return m.global.Get()
}

func (m globalMeter) UseGas(cost uint64) {
	remaining := m.global.Get()
	if cost >= remaining {
		m.global.Set(0)

		return
	}

	m.global.Set(remaining - cost)
}

func (m globalMeter) SetRemaining(remaining uint64) {
	m.global.Set(remaining)
}
