package uwb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/marlin-data/startline.report/internal/monitoring"
	"github.com/marlin-data/startline.report/internal/observability"
)

// UDPListener receives measurement packets from the nodes, decodes and
// validates them, and feeds them to the aggregator. Decode and replay
// failures drop the single packet; the listener itself never stops on
// a bad packet.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	buffer      []byte
	stats       *PacketStats
	agg         *Aggregator
	metrics     *observability.HubCollector
}

// UDPListenerConfig contains configuration options for the listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Stats       *PacketStats
	Aggregator  *Aggregator
	Metrics     *observability.HubCollector // optional
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10 * time.Second
	}
	return &UDPListener{
		address:     cfg.Address,
		rcvBuf:      cfg.RcvBuf,
		logInterval: cfg.LogInterval,
		buffer:      make([]byte, 2048), // max packet is 49 + 24*20 + 4 bytes
		stats:       cfg.Stats,
		agg:         cfg.Aggregator,
		metrics:     cfg.Metrics,
	}
}

// Start begins receiving packets. Returns when the context is cancelled
// or the socket cannot be opened.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("Warning: failed to set UDP receive buffer to %d bytes: %v", l.rcvBuf, err)
		}
	}
	monitoring.Logf("Listening for measurement packets on %s", l.address)

	go l.startStatsLogging(ctx)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener shutting down")
			return ctx.Err()
		default:
			// Read deadline lets the loop notice context cancellation.
			if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
				monitoring.Logf("Error setting read deadline: %v", err)
				continue
			}
			n, _, err := conn.ReadFromUDP(l.buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				monitoring.Logf("Error reading UDP packet: %v", err)
				continue
			}
			l.handlePacket(l.buffer[:n], time.Now())
		}
	}
}

// handlePacket decodes one datagram and merges it into the open epoch.
func (l *UDPListener) handlePacket(datagram []byte, recvTime time.Time) {
	pkt, err := DecodeMeasurementPacket(datagram)
	if err != nil {
		if l.stats != nil {
			l.stats.AddDecodeError()
		}
		if l.metrics != nil {
			l.metrics.DecodeFailures.WithLabelValues(decodeErrorKind(err)).Inc()
		}
		return
	}
	if err := l.agg.Ingest(pkt, recvTime); err != nil {
		if errors.Is(err, ErrStaleSequence) {
			if l.stats != nil {
				l.stats.AddStaleSeq()
			}
			if l.metrics != nil {
				l.metrics.StaleSequences.Inc()
			}
		}
		return
	}
	if l.stats != nil {
		l.stats.AddPacket(len(datagram), len(pkt.Reports))
	}
	if l.metrics != nil {
		l.metrics.PacketsReceived.Inc()
	}
}

// decodeErrorKind maps a codec error to a stable metric label.
func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrCrcMismatch):
		return "crc"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrCountMismatch):
		return "count"
	}
	return "other"
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	if l.stats == nil {
		return
	}
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
