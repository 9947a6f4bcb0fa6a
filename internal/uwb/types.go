package uwb

import "math"

// Contract constants shared with every consumer of the wire format.
// These values are part of the protocol surface and must not change
// without a wire-format version bump.
const (
	// OCSThresholdM is how far over the line (meters, perpendicular) a
	// node must be before an OCS call is considered.
	OCSThresholdM = 0.10
	// MinFixQuality is the minimum fix quality (0-100) required for an
	// OCS call. Below this the classifier reports indeterminate.
	MinFixQuality = 60
	// MaxPeersPerEpoch caps the number of PeerReports retained per node
	// per epoch. Lowest-SNR reports are evicted beyond the cap.
	MaxPeersPerEpoch = 24
	// SuperframeMS is the nominal ranging/fusion epoch cadence.
	SuperframeMS = 50
	// BurstSuperframeMS is the cadence during high-precision windows
	// (T-1:00 countdown and the gun batch solve).
	BurstSuperframeMS = 25
)

// PeerReport quality flag bits.
const (
	QualityNLOS      uint8 = 1 << 0 // non-line-of-sight ranging path
	QualityMultipath uint8 = 1 << 1 // multipath detected in CIR
	QualitySTSFail   uint8 = 1 << 2 // STS authentication failed; report is untrusted
	QualityReplay    uint8 = 1 << 3 // firmware suspects a replayed frame
)

// MeasurementPacket node flag bits.
const (
	NodeFlagLowBattery uint8 = 1 << 0
	NodeFlagSDFull     uint8 = 1 << 1
	NodeFlagWifiLost   uint8 = 1 << 2
)

// NodeDesignation is the role a node plays for a session. MarkA and
// MarkB anchor the line frame; Boat and Committee nodes are fused
// relative to the line.
type NodeDesignation uint8

const (
	DesignationBoat      NodeDesignation = 0
	DesignationMarkA     NodeDesignation = 1
	DesignationMarkB     NodeDesignation = 2
	DesignationCommittee NodeDesignation = 3
)

// String returns a short label for logging.
func (d NodeDesignation) String() string {
	switch d {
	case DesignationBoat:
		return "boat"
	case DesignationMarkA:
		return "markA"
	case DesignationMarkB:
		return "markB"
	case DesignationCommittee:
		return "committee"
	}
	return "unknown"
}

// IsMark reports whether this designation anchors the line frame.
func (d NodeDesignation) IsMark() bool {
	return d == DesignationMarkA || d == DesignationMarkB
}

// Vec3 is a 3D vector in meters (world or body frame).
type Vec3 struct {
	X float32
	Y float32
	Z float32
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// XY projects v onto the horizontal plane.
func (v Vec3) XY() Vec2 { return Vec2{v.X, v.Y} }

// Vec2 is a 2D vector in meters (line frame or horizontal world plane).
type Vec2 struct {
	X float32
	Y float32
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

// Dot returns the dot product of v and o.
func (v Vec2) Dot(o Vec2) float32 { return v.X*o.X + v.Y*o.Y }

// Norm returns the Euclidean length of v.
func (v Vec2) Norm() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y)))
}

// Quat is an orientation quaternion as reported by a node's IMU.
// Received quaternions are not trusted to be unit length; call
// Normalized before using one for rotation.
type Quat struct {
	X float32
	Y float32
	Z float32
	W float32
}

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat { return Quat{W: 1} }

// Normalized returns the unit quaternion with the same orientation.
// A degenerate (near-zero) quaternion yields identity rather than NaN.
func (q Quat) Normalized() Quat {
	n := math.Sqrt(float64(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W))
	if n < 1e-9 {
		return IdentityQuat()
	}
	inv := float32(1.0 / n)
	return Quat{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

// QuatFromEuler builds an orientation from roll (heel), pitch, and yaw
// in radians, applied in ZYX order.
func QuatFromEuler(roll, pitch, yaw float64) Quat {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return Quat{
		W: float32(cr*cp*cy + sr*sp*sy),
		X: float32(sr*cp*cy - cr*sp*sy),
		Y: float32(cr*sp*cy + sr*cp*sy),
		Z: float32(cr*cp*sy - sr*sp*cy),
	}
}

// RotateVec3 rotates a body-frame vector into the world frame.
// Expanded form of the rotation matrix R(q) applied to v.
func (q Quat) RotateVec3(v Vec3) Vec3 {
	x, y, z, w := q.X, q.Y, q.Z, q.W
	return Vec3{
		X: (1-2*(y*y+z*z))*v.X + 2*(x*y-w*z)*v.Y + 2*(x*z+w*y)*v.Z,
		Y: 2*(x*y+w*z)*v.X + (1-2*(x*x+z*z))*v.Y + 2*(y*z-w*x)*v.Z,
		Z: 2*(x*z-w*y)*v.X + 2*(y*z+w*x)*v.Y + (1-2*(x*x+y*y))*v.Z,
	}
}

// YawDeg extracts the heading (rotation about Z, degrees, 0 = world +X)
// from the quaternion. Used as the heading fallback when a node is too
// slow for a velocity-derived heading.
func (q Quat) YawDeg() float32 {
	x, y, z, w := float64(q.X), float64(q.Y), float64(q.Z), float64(q.W)
	yaw := math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	return float32(yaw * 180 / math.Pi)
}

// PeerReport is a single DS-TWR + PDoA ranging observation between the
// reporting node and PeerID. Immutable once received; identity is
// (reporting node, PeerID, SeqNum).
type PeerReport struct {
	PeerID         uint32
	RangeMM        int32  // DS-TWR Euclidean range, millimeters
	AzimuthDeg10   int16  // PDoA azimuth x10, receiver body frame
	ElevationDeg10 int16  // PDoA elevation x10
	CirSNRdB10     uint16 // CIR SNR x10
	FPIndex        uint8  // first-path index; high values indicate NLOS
	QualityFlags   uint8  // QualityNLOS | QualityMultipath | QualitySTSFail | QualityReplay
	SeqNum         uint32 // sequence number of the carrying packet
}

// RangeM returns the measured range in meters.
func (r PeerReport) RangeM() float32 { return float32(r.RangeMM) / 1000.0 }

// AzimuthRad returns the PDoA azimuth in radians.
func (r PeerReport) AzimuthRad() float64 {
	return float64(r.AzimuthDeg10) / 10.0 * math.Pi / 180.0
}

// ElevationRad returns the PDoA elevation in radians.
func (r PeerReport) ElevationRad() float64 {
	return float64(r.ElevationDeg10) / 10.0 * math.Pi / 180.0
}

// SNRdB returns the CIR SNR in dB.
func (r PeerReport) SNRdB() float32 { return float32(r.CirSNRdB10) / 10.0 }

// IsNLOS reports whether the firmware flagged this range as
// non-line-of-sight.
func (r PeerReport) IsNLOS() bool { return r.QualityFlags&QualityNLOS != 0 }

// IsMultipath reports whether multipath was detected in the CIR.
func (r PeerReport) IsMultipath() bool { return r.QualityFlags&QualityMultipath != 0 }

// STSFailed reports whether STS authentication failed. Such reports
// must never reach the fusion engine.
func (r PeerReport) STSFailed() bool { return r.QualityFlags&QualitySTSFail != 0 }

// Flagged reports whether any degradation flag (NLOS or multipath) is
// set. Flagged reports are retained but down-weighted.
func (r PeerReport) Flagged() bool {
	return r.QualityFlags&(QualityNLOS|QualityMultipath) != 0
}

// SigmaRangeM returns the 1-sigma range noise in meters, inflated for
// NLOS paths and poor CIR quality. Drives the solver's per-edge weight.
func (r PeerReport) SigmaRangeM() float32 {
	base := float32(0.07) // 7 cm LOS
	if r.IsNLOS() {
		base = 0.20
	}
	snrFactor := (100.0 - r.SNRdB()) / 100.0
	if snrFactor < 0 {
		snrFactor = 0
	}
	return base + snrFactor*0.30
}

// MeasurementPacket is one node's per-epoch outbound bundle: identity,
// orientation, and the ranging reports collected during the superframe.
type MeasurementPacket struct {
	NodeID        uint32
	TxTimestampNS uint64
	SeqNum        uint32 // monotonically increasing per node
	Designation   NodeDesignation
	BatteryMV     uint16
	NodeFlags     uint8
	Orientation   Quat // renormalized on receipt, not trusted as-is
	AntOffsetBody Vec3 // antenna phase-centre lever arm from CoG, body frame
	Reports       []PeerReport
}

// AntennaWorldPos returns the world-frame antenna position given the
// node's CoG world position. This is the tilt-compensation step that
// removes heel-induced ranging error.
func (p *MeasurementPacket) AntennaWorldPos(cog Vec3) Vec3 {
	return cog.Add(p.Orientation.Normalized().RotateVec3(p.AntOffsetBody))
}

// NodePosition2D is the fused line-frame output for one node at one
// epoch. Produced once per node per epoch; consumed read-only.
type NodePosition2D struct {
	NodeID     uint32
	XLineM     float32 // signed distance along the line (MarkA toward MarkB)
	YLineM     float32 // perpendicular distance; positive = OCS side
	VXLineMPS  float32
	VYLineMPS  float32
	HeadingDeg float32
	FixQuality uint8 // 0-100 confidence
	BatchMode  bool  // true = gun batch solve (~1 cm), false = incremental (3-5 cm)
}

// IsOCS reports whether this node satisfies the raw OCS condition:
// over the line by more than OCSThresholdM with sufficient fix quality.
// Callers that must distinguish "indeterminate" use ClassifyOCS.
func (n NodePosition2D) IsOCS() bool {
	return n.YLineM > OCSThresholdM && n.FixQuality >= MinFixQuality
}

// DistanceToLineCM returns the signed distance to the line in
// centimeters, for HUD display.
func (n NodePosition2D) DistanceToLineCM() float32 { return n.YLineM * 100.0 }

// FusedPositionPacket is the hub's per-epoch broadcast: the line
// geometry in force for the epoch plus every fused node position.
type FusedPositionPacket struct {
	EpochMS     uint64
	MarkAPos    Vec3 // world frame, freshest committed mark position
	MarkBPos    Vec3
	LineOrigin  Vec2 // line midpoint, world horizontal plane
	LineDirUnit Vec2 // unit vector, MarkA toward MarkB
	BatchMode   bool
	Nodes       []NodePosition2D
}

// OCSNodes returns the subset of nodes meeting the raw OCS condition.
func (p *FusedPositionPacket) OCSNodes() []NodePosition2D {
	var out []NodePosition2D
	for _, n := range p.Nodes {
		if n.IsOCS() {
			out = append(out, n)
		}
	}
	return out
}
