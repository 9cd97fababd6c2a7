package runner

import (
	"encoding/hex"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

// InstanceCache keeps prepared instances by contract address. Every
// operation holds the one cache lock; Read hands out a clone so callers
// never share an instance with the cache.
type InstanceCache struct {
	lock    sync.Mutex
	logger  hclog.Logger
	entries map[string]interfaces.ModuleInstance
}

func NewInstanceCache(logger hclog.Logger) *InstanceCache {
	return &InstanceCache{
		logger:  logger.Named("instance_cache"),
		entries: make(map[string]interfaces.ModuleInstance),
	}
}

func (c *InstanceCache) ready() error {
	if c == nil || c.entries == nil {
		return errors.Wrap(errdefs.ErrConfiguration, "instance cache used before construction")
	}

	return nil
}

// Write prepares inst for reuse and stores it under address, closing any
// instance it replaces. The cache takes ownership of inst.
func (c *InstanceCache) Write(address []byte, inst interfaces.ModuleInstance) error {
	if err := c.ready(); err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if err := inst.PrepareForCache(); err != nil {
		return errors.Wrapf(err, "unable to prepare instance of %x for cache", address)
	}

	key := string(address)
	if previous, ok := c.entries[key]; ok && previous != inst {
		previous.Close()

		c.logger.Debug("replaced cached instance", "address", hex.EncodeToString(address))
	}

	c.entries[key] = inst

	return nil
}

// Read returns a copy of the instance cached under address bound to host.
func (c *InstanceCache) Read(address []byte, host interfaces.HostBindings) (interfaces.ModuleInstance, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	inst, ok := c.entries[string(address)]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "no cached instance for %x", address)
	}

	clone, err := inst.Clone(host)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to clone cached instance of %x", address)
	}

	return clone, nil
}

// Remove evicts and closes the instance cached under address.
func (c *InstanceCache) Remove(address []byte) bool {
	if c.ready() != nil {
		return false
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	inst, ok := c.entries[string(address)]
	if !ok {
		return false
	}

	inst.Close()
	delete(c.entries, string(address))

	return true
}

func (c *InstanceCache) Len() int {
	if c.ready() != nil {
		return 0
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.entries)
}

// Clear evicts and closes every cached instance.
func (c *InstanceCache) Clear() {
	if c.ready() != nil {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	for key, inst := range c.entries {
		inst.Close()
		delete(c.entries, key)
	}
}
