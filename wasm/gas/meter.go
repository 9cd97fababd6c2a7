// Package gas accounts execution cost for module instances.
package gas

// Meter tracks the remaining budget of one module instance.
//
// UseGas never drives the budget below zero. Reaching zero is not an error
// for the meter itself; execution observes it and traps.
type Meter interface {
	Remaining() uint64
	UseGas(cost uint64)
	SetRemaining(remaining uint64)
}

// Counter is a Meter backed by a plain counter.
type Counter struct {
	remaining uint64
}

// NewCounter returns a meter holding limit units of gas.
func NewCounter(limit uint64) *Counter {
	return &Counter{remaining: limit}
}

func (c *Counter) Remaining() uint64 {
	return c.remaining
}

func (c *Counter) UseGas(cost uint64) {
	if cost >= c.remaining {
		c.remaining = 0

		return
	}

	c.remaining -= cost
}

func (c *Counter) SetRemaining(remaining uint64) {
	c.remaining = remaining
}

// Used returns how much of limit has been spent.
func Used(m Meter, limit uint64) uint64 {
	remaining := m.Remaining()
	if remaining >= limit {
		return 0
	}

	return limit - remaining
}

// SetUsed sets the budget so that exactly used units of limit count as spent.
func SetUsed(m Meter, limit, used uint64) {
	if used >= limit {
		m.SetRemaining(0)

		return
	}

	m.SetRemaining(limit - used)
}

// Exhausted reports whether nothing is left.
func Exhausted(m Meter) bool {
	return m.Remaining() == 0
}
