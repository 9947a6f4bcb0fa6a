package uwb

import (
	"sync"
	"time"

	"github.com/marlin-data/startline.report/internal/monitoring"
)

// PacketStats tracks ingestion statistics with thread-safe operations.
type PacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	reportCount  int64
	decodeErrors int64
	staleSeq     int64
	lastReset    time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddPacket records one accepted measurement packet.
func (ps *PacketStats) AddPacket(bytes, reports int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
	ps.reportCount += int64(reports)
}

// AddDecodeError records a packet rejected by the codec.
func (ps *PacketStats) AddDecodeError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decodeErrors++
}

// AddStaleSeq records a packet rejected by replay protection.
func (ps *PacketStats) AddStaleSeq() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.staleSeq++
}

// GetAndReset returns current counters and resets them.
func (ps *PacketStats) GetAndReset() (packets, bytes, reports, decodeErrors, staleSeq int64, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ps.lastReset)
	packets = ps.packetCount
	bytes = ps.byteCount
	reports = ps.reportCount
	decodeErrors = ps.decodeErrors
	staleSeq = ps.staleSeq

	ps.packetCount = 0
	ps.byteCount = 0
	ps.reportCount = 0
	ps.decodeErrors = 0
	ps.staleSeq = 0
	ps.lastReset = now
	return
}

// LogStats logs a one-line ingestion summary and resets the counters.
func (ps *PacketStats) LogStats() {
	packets, bytes, reports, decodeErrors, staleSeq, duration := ps.GetAndReset()
	if packets == 0 && decodeErrors == 0 && staleSeq == 0 {
		return
	}
	secs := duration.Seconds()
	if secs <= 0 {
		secs = 1
	}
	monitoring.Logf("UWB stats (/sec): %.1f packets, %.1f reports, %.1f KB; dropped: %d decode, %d stale-seq",
		float64(packets)/secs, float64(reports)/secs, float64(bytes)/secs/1024, decodeErrors, staleSeq)
}
