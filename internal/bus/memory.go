package bus

import "sync"

// Memory is an in-process hub. Each Endpoint behaves like one process
// attached to the same device-local broadcast medium.
type Memory struct {
	mu        sync.Mutex
	endpoints map[*MemoryEndpoint]struct{}
}

// NewMemory creates an empty hub.
func NewMemory() *Memory {
	return &Memory{endpoints: make(map[*MemoryEndpoint]struct{})}
}

// Endpoint attaches a new participant to the hub.
func (m *Memory) Endpoint() *MemoryEndpoint {
	e := &MemoryEndpoint{hub: m}

	m.mu.Lock()
	m.endpoints[e] = struct{}{}
	m.mu.Unlock()

	return e
}

func (m *Memory) peers(from *MemoryEndpoint) []*MemoryEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*MemoryEndpoint, 0, len(m.endpoints))
	for e := range m.endpoints {
		if e != from {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) detach(e *MemoryEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, e)
}

// MemoryEndpoint implements Bus on top of a Memory hub. Delivery is
// synchronous: Publish returns after every subscriber handler ran.
type MemoryEndpoint struct {
	hub  *Memory
	subs subscribers
}

// Publish delivers a copy of payload to the other endpoints' handlers.
func (e *MemoryEndpoint) Publish(channel string, payload []byte) error {
	if e.subs.isClosed() {
		return ErrClosed
	}
	for _, peer := range e.hub.peers(e) {
		for _, h := range peer.subs.snapshot(channel) {
			h(append([]byte(nil), payload...))
		}
	}
	return nil
}

// Subscribe registers h for channel.
func (e *MemoryEndpoint) Subscribe(channel string, h Handler) (func(), error) {
	return e.subs.add(channel, h)
}

// Close detaches the endpoint; it neither sends nor receives afterwards.
func (e *MemoryEndpoint) Close() error {
	if e.subs.close() {
		e.hub.detach(e)
	}
	return nil
}
