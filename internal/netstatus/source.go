// Package netstatus reports whether the remote platform is reachable.
package netstatus

import "sync"

// Source is the network-status collaborator of the sync queue.
type Source interface {
	Online() bool
	// Subscribe returns a channel that receives the new state on every
	// transition, and a func that cancels the subscription.
	Subscribe() (<-chan bool, func())
}

// broadcaster fans state transitions out to subscribers. A slow subscriber
// only ever sees the latest state.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan bool
}

func (b *broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan bool)
	}
	id := b.next
	b.next++
	ch := make(chan bool, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

func (b *broadcaster) publish(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}
