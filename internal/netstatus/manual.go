package netstatus

import (
	"sync"
	"sync/atomic"
)

// Manual is a Source whose state is set by hand: forced offline mode and
// tests.
type Manual struct {
	broadcaster
	setMu  sync.Mutex
	online atomic.Bool
}

func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online.Store(online)
	return m
}

func (m *Manual) Online() bool {
	return m.online.Load()
}

// Set changes the state and notifies subscribers when it actually changed.
func (m *Manual) Set(online bool) {
	m.setMu.Lock()
	defer m.setMu.Unlock()
	if m.online.Swap(online) != online {
		m.publish(online)
	}
}
