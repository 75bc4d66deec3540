// Package bus carries same-device traffic between chat processes without
// a server: a broadcast channel abstraction with an in-process and a UDP
// multicast implementation, plus a shared key-value store used as the
// discovery fallback.
package bus

import (
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed bus or store.
var ErrClosed = errors.New("bus closed")

// Handler receives a payload published on a channel or written to a key.
type Handler func(payload []byte)

// Bus is a named-channel broadcast medium. A payload published by an
// endpoint is delivered to every other endpoint subscribed to the
// channel, never back to the publisher.
type Bus interface {
	Publish(channel string, payload []byte) error
	Subscribe(channel string, h Handler) (cancel func(), err error)
	Close() error
}

// subscribers is a channel → handler registry shared by the bus
// implementations.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	byChan map[string]map[int]Handler
	closed bool
}

func (s *subscribers) add(channel string, h Handler) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.byChan == nil {
		s.byChan = make(map[string]map[int]Handler)
	}
	if s.byChan[channel] == nil {
		s.byChan[channel] = make(map[int]Handler)
	}

	id := s.nextID
	s.nextID++
	s.byChan[channel][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.byChan[channel], id)
		})
	}, nil
}

// snapshot returns the handlers for channel. Handlers are invoked
// outside the lock so they may publish or unsubscribe.
func (s *subscribers) snapshot(channel string) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs := make([]Handler, 0, len(s.byChan[channel]))
	for _, h := range s.byChan[channel] {
		hs = append(hs, h)
	}
	return hs
}

func (s *subscribers) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.byChan = nil
	return true
}

func (s *subscribers) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
