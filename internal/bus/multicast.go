package bus

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/meshchat/internal/util"
)

const (
	// DefaultMulticastAddr is the group joined by co-located processes.
	DefaultMulticastAddr = "239.255.255.250:9999"

	maxDatagram = 8 * 1024
)

// Multicast implements Bus over a UDP multicast group so that separate
// processes on one machine (or one LAN segment) can reach each other.
type Multicast struct {
	origin string
	group  *net.UDPAddr
	recv   *net.UDPConn
	send   *net.UDPConn
	subs   subscribers

	closeOnce sync.Once
	done      chan struct{}
}

// NewMulticast joins the multicast group at addr and starts the read
// loop.
func NewMulticast(addr string) (*Multicast, error) {
	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast addr %s: %w", addr, err)
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s: %w", addr, err)
	}
	_ = recv.SetReadBuffer(maxDatagram * 16)

	send, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("failed to open multicast sender: %w", err)
	}

	m := &Multicast{
		origin: uuid.NewString(),
		group:  group,
		recv:   recv,
		send:   send,
		done:   make(chan struct{}),
	}
	go m.readLoop()

	util.LogDebug("joined multicast group %s as %s", addr, m.origin)
	return m, nil
}

// Publish sends payload to the group as a single datagram.
func (m *Multicast) Publish(channel string, payload []byte) error {
	if m.subs.isClosed() {
		return ErrClosed
	}

	data, err := encodeFrame(frame{Origin: m.origin, Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode bus frame: %w", err)
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("bus frame too large: %d bytes (max %d)", len(data), maxDatagram)
	}

	if _, err := m.send.Write(data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers h for channel.
func (m *Multicast) Subscribe(channel string, h Handler) (func(), error) {
	return m.subs.add(channel, h)
}

// Close leaves the group and waits for the read loop to exit.
func (m *Multicast) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.subs.close()
		err = errors.Join(m.recv.Close(), m.send.Close())
		<-m.done
	})
	return err
}

func (m *Multicast) readLoop() {
	defer close(m.done)

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := m.recv.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.subs.isClosed() {
				return
			}
			util.LogDebug("multicast read error: %v", err)
			continue
		}

		f, err := decodeFrame(buf[:n])
		if err != nil {
			util.LogDebug("dropping undecodable bus frame: %v", err)
			continue
		}
		if f.Origin == m.origin {
			continue
		}

		for _, h := range m.subs.snapshot(f.Channel) {
			h(f.Payload)
		}
	}
}
