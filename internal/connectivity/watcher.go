// Package connectivity reports online/offline transitions to interested components.
package connectivity

import "sync"

// Watcher reports the current connectivity state and notifies on edges.
type Watcher interface {
	Online() bool
	// Watch registers callbacks for offline->online and online->offline edges. The
	// returned stop function unregisters them and may be called more than once.
	Watch(onOnline, onOffline func()) (stop func())
}

type registration struct {
	onOnline  func()
	onOffline func()
}

// broadcaster tracks state and fans edges out to registrations.
type broadcaster struct {
	mu            sync.Mutex
	online        bool
	nextID        int
	registrations map[int]registration
}

func newBroadcaster(online bool) *broadcaster {
	return &broadcaster{online: online, registrations: make(map[int]registration)}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Watch(onOnline, onOffline func()) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.registrations[id] = registration{onOnline: onOnline, onOffline: onOffline}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.registrations, id)
			b.mu.Unlock()
		})
	}
}

// set records the state and reports whether it changed. Callbacks run outside the lock.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	callbacks := make([]func(), 0, len(b.registrations))
	for _, reg := range b.registrations {
		callback := reg.onOffline
		if online {
			callback = reg.onOnline
		}
		if callback != nil {
			callbacks = append(callbacks, callback)
		}
	}
	b.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
	return true
}

// Manual is a Watcher whose state is set by the caller.
type Manual struct {
	*broadcaster
}

// NewManual returns a Manual watcher in the given state.
func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

// SetOnline changes the state, notifying watchers only on an edge.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}
