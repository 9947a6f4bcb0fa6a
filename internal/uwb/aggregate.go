package uwb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrStaleSequence is returned for a packet whose sequence number is a
// duplicate or a large backward jump for its node — either a replayed
// frame or a node that restarted without a session reset.
var ErrStaleSequence = errors.New("uwb: stale or replayed sequence number")

// seqAcceptWindow is how far forward a node's sequence number may
// advance in one step. Anything outside (0, window] — duplicates,
// backward jumps, implausible forward leaps — is treated as replay.
const seqAcceptWindow = 1000

// AggregatorConfig tunes per-epoch report collection.
type AggregatorConfig struct {
	// MaxPeers caps retained reports per node per epoch. Beyond the cap
	// the lowest-SNR reports are evicted first. Defaults to
	// MaxPeersPerEpoch.
	MaxPeers int
}

// DefaultAggregatorConfig returns the protocol-default configuration.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{MaxPeers: MaxPeersPerEpoch}
}

// NodeObservation is everything one node contributed to one epoch:
// the latest header state plus the deduplicated, STS-filtered reports.
type NodeObservation struct {
	NodeID        uint32
	Designation   NodeDesignation
	BatteryMV     uint16
	NodeFlags     uint8
	Orientation   Quat // renormalized
	AntOffsetBody Vec3
	TxTimestampNS uint64
	SeqNum        uint32
	RecvTime      time.Time
	Reports       []PeerReport

	// Drop accounting for stats/quality.
	DroppedSTS     int
	DroppedEvicted int
}

// EpochBatch is the closed contents of one epoch, handed to the fusion
// engine by the scheduler.
type EpochBatch struct {
	Epoch uint64
	Nodes map[uint32]*NodeObservation
}

// Aggregator buffers incoming measurement packets for the epoch that is
// currently open. The scheduler closes an epoch with Harvest; packets
// arriving after the close land in the following epoch rather than
// being dropped. Safe for concurrent Ingest from the UDP listener.
type Aggregator struct {
	mu      sync.Mutex
	cfg     AggregatorConfig
	current map[uint32]*nodeBucket
	lastSeq map[uint32]uint32
}

type nodeBucket struct {
	obs     NodeObservation
	reports map[uint32]PeerReport // by peer_id, latest seq wins
}

// NewAggregator creates an aggregator with the given configuration.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = MaxPeersPerEpoch
	}
	return &Aggregator{
		cfg:     cfg,
		current: make(map[uint32]*nodeBucket),
		lastSeq: make(map[uint32]uint32),
	}
}

// Ingest merges one decoded measurement packet into the open epoch.
// STS-failed reports are dropped here and never reach fusion; NLOS and
// multipath reports are retained for down-weighting. Duplicate
// (peer, seq) reports collapse; a later report for the same peer
// overwrites an earlier one.
func (a *Aggregator) Ingest(pkt *MeasurementPacket, recvTime time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, seen := a.lastSeq[pkt.NodeID]; seen {
		// Wraparound arithmetic: a backward jump shows up as a huge
		// forward diff. Exact duplicates and jumps beyond the window are
		// rejected as replay/stale; a node rejoining cleanly goes through
		// ForgetNode first.
		diff := pkt.SeqNum - last
		if diff == 0 || diff > seqAcceptWindow {
			return fmt.Errorf("%w: node %d seq %d (last %d)", ErrStaleSequence, pkt.NodeID, pkt.SeqNum, last)
		}
	}
	a.lastSeq[pkt.NodeID] = pkt.SeqNum

	b := a.current[pkt.NodeID]
	if b == nil {
		b = &nodeBucket{reports: make(map[uint32]PeerReport)}
		a.current[pkt.NodeID] = b
	}

	// Latest header wins within the epoch.
	b.obs.NodeID = pkt.NodeID
	b.obs.Designation = pkt.Designation
	b.obs.BatteryMV = pkt.BatteryMV
	b.obs.NodeFlags = pkt.NodeFlags
	b.obs.Orientation = pkt.Orientation.Normalized()
	b.obs.AntOffsetBody = pkt.AntOffsetBody
	b.obs.TxTimestampNS = pkt.TxTimestampNS
	b.obs.SeqNum = pkt.SeqNum
	b.obs.RecvTime = recvTime

	for _, r := range pkt.Reports {
		if r.STSFailed() {
			b.obs.DroppedSTS++
			continue
		}
		if prev, ok := b.reports[r.PeerID]; ok && prev.SeqNum > r.SeqNum {
			continue // keep the later observation
		}
		b.reports[r.PeerID] = r
	}
	return nil
}

// Harvest closes the open epoch and returns its contents, atomically
// opening the next one. Eviction beyond the peer cap happens here, once
// the epoch's full report set is known.
func (a *Aggregator) Harvest(epoch uint64) *EpochBatch {
	a.mu.Lock()
	closed := a.current
	a.current = make(map[uint32]*nodeBucket, len(closed))
	a.mu.Unlock()

	batch := &EpochBatch{Epoch: epoch, Nodes: make(map[uint32]*NodeObservation, len(closed))}
	for id, b := range closed {
		reports := make([]PeerReport, 0, len(b.reports))
		for _, r := range b.reports {
			reports = append(reports, r)
		}
		// Stable order for deterministic fusion, strongest SNR first.
		sort.Slice(reports, func(i, j int) bool {
			if reports[i].CirSNRdB10 != reports[j].CirSNRdB10 {
				return reports[i].CirSNRdB10 > reports[j].CirSNRdB10
			}
			return reports[i].PeerID < reports[j].PeerID
		})
		if len(reports) > a.cfg.MaxPeers {
			b.obs.DroppedEvicted = len(reports) - a.cfg.MaxPeers
			reports = reports[:a.cfg.MaxPeers]
		}
		b.obs.Reports = reports
		obs := b.obs
		batch.Nodes[id] = &obs
	}
	return batch
}

// ForgetNode drops sequence tracking for a node, letting it rejoin with
// a fresh sequence after a reconnect.
func (a *Aggregator) ForgetNode(nodeID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSeq, nodeID)
}
