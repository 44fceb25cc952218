// Package connectivity reports whether the device can reach the network.
package connectivity

import "sync"

// Oracle answers whether the device is online and announces changes.
type Oracle interface {
	IsOnline() bool

	// Subscribe returns a channel receiving the new state after every change
	// and a function that ends the subscription and closes the channel.
	Subscribe() (<-chan bool, func())
}

// Switch is an Oracle whose state is set explicitly, by a platform
// network monitor or by tests.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewSwitch returns a Switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subs: make(map[int]chan bool)}
}

// IsOnline reports the current state.
func (s *Switch) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state. Subscribers are notified only when the state
// actually changes. A subscriber that has not consumed the previous
// notification gets it replaced by the newest state.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online

	for _, ch := range s.subs {
		// Drop a stale pending value so the latest state always fits.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe implements Oracle.
func (s *Switch) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Always is an Oracle that never changes state.
type Always bool

// IsOnline implements Oracle.
func (a Always) IsOnline() bool { return bool(a) }

// Subscribe implements Oracle. The channel never receives.
func (a Always) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
