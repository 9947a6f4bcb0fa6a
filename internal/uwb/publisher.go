package uwb

import (
	"fmt"
	"net"
	"sync"

	"github.com/marlin-data/startline.report/internal/monitoring"
)

// MulticastPublisher sends fused position packets to a UDP multicast
// group after every fusion epoch. Consumers on the race network (umpire
// tablets, broadcast overlays) subscribe to the group and render the
// line picture directly from the wire format.
type MulticastPublisher struct {
	mu    sync.Mutex
	conn  *net.UDPConn
	group string
}

// NewMulticastPublisher opens a socket bound for the multicast group,
// e.g. "239.87.66.1:9911".
func NewMulticastPublisher(group string) (*MulticastPublisher, error) {
	addr, err := net.ResolveUDPAddr("udp", group)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve multicast address: %w", err)
	}
	if !addr.IP.IsMulticast() {
		monitoring.Logf("Warning: publish address %s is not a multicast group", group)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open multicast socket: %w", err)
	}
	return &MulticastPublisher{conn: conn, group: group}, nil
}

// Publish encodes the packet and sends it to the group as a single
// datagram. Safe for concurrent use, though the pipeline calls it from
// the epoch tick only.
func (p *MulticastPublisher) Publish(pkt *FusedPositionPacket) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := EncodeFusedPacket(pkt)
	if err != nil {
		return fmt.Errorf("failed to encode fused packet: %w", err)
	}
	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("failed to publish fused packet: %w", err)
	}
	return nil
}

// Close releases the socket.
func (p *MulticastPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
