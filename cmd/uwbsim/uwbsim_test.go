package main

import (
	"math/rand/v2"
	"testing"

	"github.com/marlin-data/startline.report/internal/uwb"
)

func testFleet() *fleet {
	return newFleet(rand.New(rand.NewPCG(42, 42)))
}

func TestGenerateEpochProducesDecodablePackets(t *testing.T) {
	f := testFleet()
	for i := 0; i < 5; i++ {
		f.tick(0.05)
	}

	pkts := f.generateEpoch()
	if want := 3 + *nBoats; len(pkts) != want {
		t.Fatalf("packet count = %d, want %d (marks, committee, %d boats)", len(pkts), want, *nBoats)
	}

	designations := make(map[uwb.NodeDesignation]int)
	for _, pkt := range pkts {
		designations[pkt.Designation]++
		if len(pkt.Reports) > uwb.MaxPeersPerEpoch {
			t.Errorf("node %d carries %d reports, over the wire cap", pkt.NodeID, len(pkt.Reports))
		}
		data, err := uwb.EncodeMeasurementPacket(pkt)
		if err != nil {
			t.Fatalf("encode node %d: %v", pkt.NodeID, err)
		}
		back, err := uwb.DecodeMeasurementPacket(data)
		if err != nil {
			t.Fatalf("decode node %d: %v", pkt.NodeID, err)
		}
		if back.NodeID != pkt.NodeID || back.SeqNum != pkt.SeqNum {
			t.Errorf("round trip changed identity: got %d/%d, want %d/%d",
				back.NodeID, back.SeqNum, pkt.NodeID, pkt.SeqNum)
		}
	}
	if designations[uwb.DesignationMarkA] != 1 || designations[uwb.DesignationMarkB] != 1 {
		t.Error("marks missing from the epoch")
	}
	if designations[uwb.DesignationCommittee] != 1 {
		t.Error("committee boat missing from the epoch")
	}
}

func TestGenerateEpochSequencesAdvance(t *testing.T) {
	f := testFleet()
	first := f.generateEpoch()
	second := f.generateEpoch()

	seqs := make(map[uint32]uint32)
	for _, pkt := range first {
		seqs[pkt.NodeID] = pkt.SeqNum
	}
	for _, pkt := range second {
		if pkt.SeqNum != seqs[pkt.NodeID]+1 {
			t.Errorf("node %d seq = %d, want %d", pkt.NodeID, pkt.SeqNum, seqs[pkt.NodeID]+1)
		}
	}
}

func TestMeasureRangesStayPlausible(t *testing.T) {
	f := testFleet()
	nodes := f.nodes()
	a, b := nodes[0], nodes[1] // the two marks

	trueRange := float64(b.pos.Sub(a.pos).Norm())
	for i := 0; i < 50; i++ {
		r := f.measure(a, b, uint32(i))
		got := float64(r.RangeMM) / 1000
		// NLOS bias is one-sided, so allow more headroom above truth.
		if got < trueRange-1.0 || got > trueRange+2.0 {
			t.Fatalf("measured range %.2fm implausible for true %.2fm", got, trueRange)
		}
	}
}
