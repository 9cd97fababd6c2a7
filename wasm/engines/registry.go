package engines

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
	"github.com/contractvm/wasm-engine/wasm/interfaces"
)

// ErrNotFound is returned when no engine is registered under a name.
var ErrNotFound = errdefs.ErrNotFound

var (
	enginesLock sync.RWMutex
	engines     = make(map[string]interfaces.Engine)
)

// Register makes an engine available by name. A later registration with
// the same name replaces the earlier one.
func Register(engine interfaces.Engine) {
	enginesLock.Lock()
	defer enginesLock.Unlock()

	engines[engine.Name()] = engine
}

func Get(name string) (interfaces.Engine, error) {
	enginesLock.RLock()
	defer enginesLock.RUnlock()

	engine, found := engines[name]
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "unable to find engine with name: %s", name)
	}

	return engine, nil
}

// Names lists registered engines in lexical order.
func Names() []string {
	enginesLock.RLock()
	defer enginesLock.RUnlock()

	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
