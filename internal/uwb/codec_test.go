package uwb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testMeasurementPacket() *MeasurementPacket {
	return &MeasurementPacket{
		NodeID:        10,
		TxTimestampNS: 1724900000123456789,
		SeqNum:        4242,
		Designation:   DesignationBoat,
		BatteryMV:     3874,
		NodeFlags:     NodeFlagLowBattery,
		Orientation:   QuatFromEuler(0.2, 0.05, 1.1),
		AntOffsetBody: Vec3{X: 0, Y: 0.5, Z: 4.0},
		Reports: []PeerReport{
			{PeerID: 1, RangeMM: 52340, AzimuthDeg10: 1800, ElevationDeg10: -45, CirSNRdB10: 312, FPIndex: 7, QualityFlags: 0, SeqNum: 4242},
			{PeerID: 2, RangeMM: 48012, AzimuthDeg10: -900, ElevationDeg10: 12, CirSNRdB10: 151, FPIndex: 63, QualityFlags: QualityNLOS, SeqNum: 4242},
			{PeerID: 11, RangeMM: 8125, AzimuthDeg10: 300, ElevationDeg10: 0, CirSNRdB10: 280, FPIndex: 4, QualityFlags: QualityMultipath, SeqNum: 4242},
		},
	}
}

func TestMeasurementPacketRoundTrip(t *testing.T) {
	orig := testMeasurementPacket()
	buf, err := EncodeMeasurementPacket(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if want := MeasurementHeaderSize + 3*PeerReportSize + CRCSize; len(buf) != want {
		t.Fatalf("encoded length = %d, want %d", len(buf), want)
	}

	got, err := DecodeMeasurementPacket(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMeasurementPacketNoReports(t *testing.T) {
	orig := testMeasurementPacket()
	orig.Reports = nil
	buf, err := EncodeMeasurementPacket(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeMeasurementPacket(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(got.Reports) != 0 {
		t.Errorf("expected no reports, got %d", len(got.Reports))
	}
}

// Any single bit flip anywhere in the packet must fail the CRC check,
// never decode to different field values.
func TestMeasurementPacketBitFlipRejected(t *testing.T) {
	buf, err := EncodeMeasurementPacket(testMeasurementPacket())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for i := range buf {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(buf))
			copy(corrupted, buf)
			corrupted[i] ^= 1 << bit

			_, err := DecodeMeasurementPacket(corrupted)
			if err == nil {
				t.Fatalf("bit flip at byte %d bit %d decoded successfully", i, bit)
			}
			// Flipping num_reports changes the declared layout and trips
			// the length checks instead of the CRC.
			if i != offNumReports && !errors.Is(err, ErrCrcMismatch) {
				t.Fatalf("bit flip at byte %d bit %d: got %v, want crc mismatch", i, bit, err)
			}
		}
	}
}

func TestDecodeMeasurementPacketTruncated(t *testing.T) {
	buf, err := EncodeMeasurementPacket(testMeasurementPacket())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for _, n := range []int{0, 1, MeasurementHeaderSize - 1, MeasurementHeaderSize + CRCSize, len(buf) - 1} {
		if _, err := DecodeMeasurementPacket(buf[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("decode of %d bytes: got %v, want truncated", n, err)
		}
	}
}

func TestDecodeMeasurementPacketTrailingBytes(t *testing.T) {
	buf, err := EncodeMeasurementPacket(testMeasurementPacket())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	buf = append(buf, 0xAA)
	if _, err := DecodeMeasurementPacket(buf); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("decode with trailing byte: got %v, want count mismatch", err)
	}
}

func TestDecodeMeasurementPacketTooManyReports(t *testing.T) {
	p := testMeasurementPacket()
	p.Reports = make([]PeerReport, MaxPeersPerEpoch+1)
	if _, err := EncodeMeasurementPacket(p); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("encode of %d reports: got %v, want count mismatch", len(p.Reports), err)
	}

	// A forged count byte beyond the bound is rejected before any
	// length math.
	p.Reports = p.Reports[:1]
	buf, err := EncodeMeasurementPacket(p)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	buf[offNumReports] = MaxPeersPerEpoch + 1
	if _, err := DecodeMeasurementPacket(buf); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("decode of forged count: got %v, want count mismatch", err)
	}
}

func TestFusedPacketRoundTrip(t *testing.T) {
	orig := &FusedPositionPacket{
		EpochMS:     1724900000500,
		MarkAPos:    Vec3{X: -50},
		MarkBPos:    Vec3{X: 50},
		LineOrigin:  Vec2{},
		LineDirUnit: Vec2{X: 1},
		BatchMode:   true,
		Nodes: []NodePosition2D{
			{NodeID: 1, XLineM: -50, FixQuality: 95, BatchMode: true},
			{NodeID: 10, XLineM: 4.2, YLineM: 0.15, VXLineMPS: 0.3, VYLineMPS: 2.8, HeadingDeg: 12.5, FixQuality: 80, BatchMode: true},
		},
	}

	buf, err := EncodeFusedPacket(orig)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if want := FusedHeaderSize + 2*NodePositionWireSize; len(buf) != want {
		t.Fatalf("encoded length = %d, want %d", len(buf), want)
	}

	got, err := DecodeFusedPacket(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeFusedPacketTruncated(t *testing.T) {
	buf, err := EncodeFusedPacket(&FusedPositionPacket{Nodes: []NodePosition2D{{NodeID: 10}}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := DecodeFusedPacket(buf[:FusedHeaderSize-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header: got %v, want truncated", err)
	}
	if _, err := DecodeFusedPacket(buf[:len(buf)-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short record: got %v, want truncated", err)
	}
	if _, err := DecodeFusedPacket(append(buf, 0)); !errors.Is(err, ErrCountMismatch) {
		t.Errorf("trailing byte: got %v, want count mismatch", err)
	}
}
