package meshheap

import "sync"

// optionalRWMutex is a sync.RWMutex that can be switched off for heaps that are externally
// synchronized
type optionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *optionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *optionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *optionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *optionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}
