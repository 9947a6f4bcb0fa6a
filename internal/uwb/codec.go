package uwb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Wire layout constants. Both packet kinds are packed little-endian
// with no padding: the offsets below are the single source of truth
// for the byte layout, and the codec tests round-trip against them.
//
// Measurement packet (node -> hub):
//
//	MeasurementHeader (49 bytes)
//	PeerReport x num_reports (20 bytes each)
//	CRC32 over header+reports (4 bytes)
//
// Fused position packet (hub -> all):
//
//	FusedHeader (50 bytes)
//	NodePosition2D x num_nodes (26 bytes each), no CRC — the trust
//	boundary is the hub itself.
const (
	MeasurementHeaderSize = 49
	PeerReportSize        = 20
	CRCSize               = 4

	FusedHeaderSize      = 50
	NodePositionWireSize = 26
)

// Measurement header field offsets.
const (
	offNodeID      = 0  // uint32
	offTxTimestamp = 4  // uint64, nanoseconds
	offSeqNum      = 12 // uint32
	offDesignation = 16 // uint8
	offBatteryMV   = 17 // uint16
	offNodeFlags   = 19 // uint8
	offOrientation = 20 // 4 x float32 (x, y, z, w)
	offAntOffset   = 36 // 3 x float32 (x, y, z)
	offNumReports  = 48 // uint8
)

// PeerReport field offsets within one 20-byte record.
const (
	repOffPeerID    = 0  // uint32
	repOffRangeMM   = 4  // int32
	repOffAzimuth   = 8  // int16, deg x10
	repOffElevation = 10 // int16, deg x10
	repOffSNR       = 12 // uint16, dB x10
	repOffFPIndex   = 14 // uint8
	repOffFlags     = 15 // uint8
	repOffSeqNum    = 16 // uint32, carrying packet's seq_num
)

// Fused header field offsets.
const (
	fusedOffEpochMS    = 0  // uint64, milliseconds
	fusedOffMarkA      = 8  // 3 x float32
	fusedOffMarkB      = 20 // 3 x float32
	fusedOffLineOrigin = 32 // 2 x float32
	fusedOffLineDir    = 40 // 2 x float32
	fusedOffBatchMode  = 48 // uint8
	fusedOffNumNodes   = 49 // uint8
)

// NodePosition2D field offsets within one 26-byte record.
const (
	posOffNodeID     = 0  // uint32
	posOffXLine      = 4  // float32
	posOffYLine      = 8  // float32
	posOffVXLine     = 12 // float32
	posOffVYLine     = 16 // float32
	posOffHeading    = 20 // float32
	posOffFixQuality = 24 // uint8
	posOffBatchMode  = 25 // uint8
)

// Decode failure taxonomy. Each is fatal to the single packet only —
// the packet is dropped, never partially applied.
var (
	// ErrTruncated means the buffer is shorter than the declared layout.
	ErrTruncated = errors.New("uwb: packet truncated")
	// ErrCountMismatch means the declared element count is inconsistent
	// with the buffer length or exceeds the protocol bound.
	ErrCountMismatch = errors.New("uwb: element count mismatch")
	// ErrCrcMismatch means the trailing CRC32 does not cover the packet
	// contents. Nothing in such a packet is trusted.
	ErrCrcMismatch = errors.New("uwb: crc mismatch")
)

var le = binary.LittleEndian

func putFloat32(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) }
func getFloat32(b []byte) float32    { return math.Float32frombits(le.Uint32(b)) }

func putVec3(b []byte, v Vec3) {
	putFloat32(b[0:], v.X)
	putFloat32(b[4:], v.Y)
	putFloat32(b[8:], v.Z)
}

func getVec3(b []byte) Vec3 {
	return Vec3{getFloat32(b[0:]), getFloat32(b[4:]), getFloat32(b[8:])}
}

func putVec2(b []byte, v Vec2) {
	putFloat32(b[0:], v.X)
	putFloat32(b[4:], v.Y)
}

func getVec2(b []byte) Vec2 {
	return Vec2{getFloat32(b[0:]), getFloat32(b[4:])}
}

// EncodeMeasurementPacket serializes a measurement packet, including the
// trailing CRC32. Reports beyond MaxPeersPerEpoch are rejected.
func EncodeMeasurementPacket(p *MeasurementPacket) ([]byte, error) {
	if len(p.Reports) > MaxPeersPerEpoch {
		return nil, fmt.Errorf("%w: %d reports exceeds max %d", ErrCountMismatch, len(p.Reports), MaxPeersPerEpoch)
	}

	buf := make([]byte, MeasurementHeaderSize+len(p.Reports)*PeerReportSize+CRCSize)

	le.PutUint32(buf[offNodeID:], p.NodeID)
	le.PutUint64(buf[offTxTimestamp:], p.TxTimestampNS)
	le.PutUint32(buf[offSeqNum:], p.SeqNum)
	buf[offDesignation] = uint8(p.Designation)
	le.PutUint16(buf[offBatteryMV:], p.BatteryMV)
	buf[offNodeFlags] = p.NodeFlags
	putFloat32(buf[offOrientation+0:], p.Orientation.X)
	putFloat32(buf[offOrientation+4:], p.Orientation.Y)
	putFloat32(buf[offOrientation+8:], p.Orientation.Z)
	putFloat32(buf[offOrientation+12:], p.Orientation.W)
	putVec3(buf[offAntOffset:], p.AntOffsetBody)
	buf[offNumReports] = uint8(len(p.Reports))

	for i, r := range p.Reports {
		rec := buf[MeasurementHeaderSize+i*PeerReportSize:]
		le.PutUint32(rec[repOffPeerID:], r.PeerID)
		le.PutUint32(rec[repOffRangeMM:], uint32(r.RangeMM))
		le.PutUint16(rec[repOffAzimuth:], uint16(r.AzimuthDeg10))
		le.PutUint16(rec[repOffElevation:], uint16(r.ElevationDeg10))
		le.PutUint16(rec[repOffSNR:], r.CirSNRdB10)
		rec[repOffFPIndex] = r.FPIndex
		rec[repOffFlags] = r.QualityFlags
		le.PutUint32(rec[repOffSeqNum:], r.SeqNum)
	}

	crcAt := len(buf) - CRCSize
	le.PutUint32(buf[crcAt:], crc32.ChecksumIEEE(buf[:crcAt]))
	return buf, nil
}

// DecodeMeasurementPacket parses and validates a measurement packet.
// The CRC is checked before any field is trusted; a packet that fails
// validation is never partially applied.
func DecodeMeasurementPacket(buf []byte) (*MeasurementPacket, error) {
	if len(buf) < MeasurementHeaderSize+CRCSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(buf), MeasurementHeaderSize+CRCSize)
	}

	numReports := int(buf[offNumReports])
	if numReports > MaxPeersPerEpoch {
		return nil, fmt.Errorf("%w: %d reports exceeds max %d", ErrCountMismatch, numReports, MaxPeersPerEpoch)
	}
	want := MeasurementHeaderSize + numReports*PeerReportSize + CRCSize
	if len(buf) < want {
		return nil, fmt.Errorf("%w: %d bytes, need %d for %d reports", ErrTruncated, len(buf), want, numReports)
	}
	if len(buf) > want {
		return nil, fmt.Errorf("%w: %d trailing bytes beyond %d reports", ErrCountMismatch, len(buf)-want, numReports)
	}

	crcAt := want - CRCSize
	if got, expect := crc32.ChecksumIEEE(buf[:crcAt]), le.Uint32(buf[crcAt:]); got != expect {
		return nil, fmt.Errorf("%w: computed %08x, packet carries %08x", ErrCrcMismatch, got, expect)
	}

	p := &MeasurementPacket{
		NodeID:        le.Uint32(buf[offNodeID:]),
		TxTimestampNS: le.Uint64(buf[offTxTimestamp:]),
		SeqNum:        le.Uint32(buf[offSeqNum:]),
		Designation:   NodeDesignation(buf[offDesignation]),
		BatteryMV:     le.Uint16(buf[offBatteryMV:]),
		NodeFlags:     buf[offNodeFlags],
		Orientation: Quat{
			X: getFloat32(buf[offOrientation+0:]),
			Y: getFloat32(buf[offOrientation+4:]),
			Z: getFloat32(buf[offOrientation+8:]),
			W: getFloat32(buf[offOrientation+12:]),
		},
		AntOffsetBody: getVec3(buf[offAntOffset:]),
	}

	if numReports > 0 {
		p.Reports = make([]PeerReport, numReports)
		for i := range p.Reports {
			rec := buf[MeasurementHeaderSize+i*PeerReportSize:]
			p.Reports[i] = PeerReport{
				PeerID:         le.Uint32(rec[repOffPeerID:]),
				RangeMM:        int32(le.Uint32(rec[repOffRangeMM:])),
				AzimuthDeg10:   int16(le.Uint16(rec[repOffAzimuth:])),
				ElevationDeg10: int16(le.Uint16(rec[repOffElevation:])),
				CirSNRdB10:     le.Uint16(rec[repOffSNR:]),
				FPIndex:        rec[repOffFPIndex],
				QualityFlags:   rec[repOffFlags],
				SeqNum:         le.Uint32(rec[repOffSeqNum:]),
			}
		}
	}
	return p, nil
}

// EncodeFusedPacket serializes a fused position packet. num_nodes is a
// single byte; packets carrying more than 255 nodes are rejected.
func EncodeFusedPacket(p *FusedPositionPacket) ([]byte, error) {
	if len(p.Nodes) > 255 {
		return nil, fmt.Errorf("%w: %d nodes exceeds wire max 255", ErrCountMismatch, len(p.Nodes))
	}

	buf := make([]byte, FusedHeaderSize+len(p.Nodes)*NodePositionWireSize)
	le.PutUint64(buf[fusedOffEpochMS:], p.EpochMS)
	putVec3(buf[fusedOffMarkA:], p.MarkAPos)
	putVec3(buf[fusedOffMarkB:], p.MarkBPos)
	putVec2(buf[fusedOffLineOrigin:], p.LineOrigin)
	putVec2(buf[fusedOffLineDir:], p.LineDirUnit)
	if p.BatchMode {
		buf[fusedOffBatchMode] = 1
	}
	buf[fusedOffNumNodes] = uint8(len(p.Nodes))

	for i, n := range p.Nodes {
		rec := buf[FusedHeaderSize+i*NodePositionWireSize:]
		le.PutUint32(rec[posOffNodeID:], n.NodeID)
		putFloat32(rec[posOffXLine:], n.XLineM)
		putFloat32(rec[posOffYLine:], n.YLineM)
		putFloat32(rec[posOffVXLine:], n.VXLineMPS)
		putFloat32(rec[posOffVYLine:], n.VYLineMPS)
		putFloat32(rec[posOffHeading:], n.HeadingDeg)
		rec[posOffFixQuality] = n.FixQuality
		if n.BatchMode {
			rec[posOffBatchMode] = 1
		}
	}
	return buf, nil
}

// DecodeFusedPacket parses and validates a fused position packet.
func DecodeFusedPacket(buf []byte) (*FusedPositionPacket, error) {
	if len(buf) < FusedHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(buf), FusedHeaderSize)
	}

	numNodes := int(buf[fusedOffNumNodes])
	want := FusedHeaderSize + numNodes*NodePositionWireSize
	if len(buf) < want {
		return nil, fmt.Errorf("%w: %d bytes, need %d for %d nodes", ErrTruncated, len(buf), want, numNodes)
	}
	if len(buf) > want {
		return nil, fmt.Errorf("%w: %d trailing bytes beyond %d nodes", ErrCountMismatch, len(buf)-want, numNodes)
	}

	p := &FusedPositionPacket{
		EpochMS:     le.Uint64(buf[fusedOffEpochMS:]),
		MarkAPos:    getVec3(buf[fusedOffMarkA:]),
		MarkBPos:    getVec3(buf[fusedOffMarkB:]),
		LineOrigin:  getVec2(buf[fusedOffLineOrigin:]),
		LineDirUnit: getVec2(buf[fusedOffLineDir:]),
		BatchMode:   buf[fusedOffBatchMode] != 0,
	}

	if numNodes > 0 {
		p.Nodes = make([]NodePosition2D, numNodes)
		for i := range p.Nodes {
			rec := buf[FusedHeaderSize+i*NodePositionWireSize:]
			p.Nodes[i] = NodePosition2D{
				NodeID:     le.Uint32(rec[posOffNodeID:]),
				XLineM:     getFloat32(rec[posOffXLine:]),
				YLineM:     getFloat32(rec[posOffYLine:]),
				VXLineMPS:  getFloat32(rec[posOffVXLine:]),
				VYLineMPS:  getFloat32(rec[posOffVYLine:]),
				HeadingDeg: getFloat32(rec[posOffHeading:]),
				FixQuality: rec[posOffFixQuality],
				BatchMode:  rec[posOffBatchMode] != 0,
			}
		}
	}
	return p, nil
}
