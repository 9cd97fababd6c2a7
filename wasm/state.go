package wasm

import (
	"sync"
)

// taskStore maps task IDs to their handles.
type taskStore struct {
	store map[string]*taskHandle
	lock  sync.RWMutex
}

func newTaskStore() *taskStore {
	return &taskStore{store: map[string]*taskHandle{}}
}

func (ts *taskStore) Set(id string, handle *taskHandle) {
	ts.lock.Lock()
	defer ts.lock.Unlock()

	ts.store[id] = handle
}

func (ts *taskStore) Get(id string) (*taskHandle, bool) {
	ts.lock.RLock()
	defer ts.lock.RUnlock()

	t, ok := ts.store[id]

	return t, ok
}

// Take removes the handle of id and returns it. Of several concurrent
// calls for one id only one gets the handle.
func (ts *taskStore) Take(id string) (*taskHandle, bool) {
	ts.lock.Lock()
	defer ts.lock.Unlock()

	t, ok := ts.store[id]
	if ok {
		delete(ts.store, id)
	}

	return t, ok
}
