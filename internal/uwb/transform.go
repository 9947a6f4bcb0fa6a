package uwb

import (
	"errors"
	"math"
)

// ErrDegenerateLine is returned when the two marks are too close to
// define a line direction.
var ErrDegenerateLine = errors.New("uwb: marks coincide, line frame undefined")

// minLineLengthM guards against a degenerate frame when a mark position
// collapses onto the other (for example during mark re-anchoring).
const minLineLengthM = 0.5

// LineGeometry is the 2D line frame for one epoch, derived from the
// freshest committed mark positions. X runs along the line from MarkA
// toward MarkB; Y is perpendicular with positive values on the OCS
// (course) side. The course side is the left of MarkA->MarkB, which is
// how the marks are laid for a standard upwind start.
type LineGeometry struct {
	MarkA  Vec3
	MarkB  Vec3
	Origin Vec2 // line midpoint, world horizontal plane
	Dir    Vec2 // unit, MarkA toward MarkB
	Perp   Vec2 // unit, positive toward the OCS side
	Length float32
}

// NewLineGeometry derives the line frame from two mark world positions.
func NewLineGeometry(markA, markB Vec3) (LineGeometry, error) {
	d := markB.XY().Sub(markA.XY())
	length := d.Norm()
	if length < minLineLengthM {
		return LineGeometry{}, ErrDegenerateLine
	}
	dir := Vec2{d.X / length, d.Y / length}
	return LineGeometry{
		MarkA:  markA,
		MarkB:  markB,
		Origin: Vec2{(markA.X + markB.X) / 2, (markA.Y + markB.Y) / 2},
		Dir:    dir,
		Perp:   Vec2{-dir.Y, dir.X}, // +90 degrees, left of the line direction
		Length: length,
	}, nil
}

// WorldToLine projects a world horizontal-plane point into the line frame.
func (g LineGeometry) WorldToLine(w Vec2) Vec2 {
	rel := w.Sub(g.Origin)
	return Vec2{X: rel.Dot(g.Dir), Y: rel.Dot(g.Perp)}
}

// LineToWorld maps a line-frame point back to the world horizontal plane.
func (g LineGeometry) LineToWorld(p Vec2) Vec2 {
	return Vec2{
		X: g.Origin.X + p.X*g.Dir.X + p.Y*g.Perp.X,
		Y: g.Origin.Y + p.X*g.Dir.Y + p.Y*g.Perp.Y,
	}
}

// MarkALine and MarkBLine return the marks' own line-frame positions
// (on the line axis, y = 0 by construction up to mark drift).
func (g LineGeometry) MarkALine() Vec2 { return g.WorldToLine(g.MarkA.XY()) }

func (g LineGeometry) MarkBLine() Vec2 { return g.WorldToLine(g.MarkB.XY()) }

// AntennaWorldPosition applies the lever-arm correction: the antenna
// phase centre in the world frame given the node's CoG world position,
// its (renormalized) IMU orientation and body-frame antenna offset.
func AntennaWorldPosition(cog Vec3, orientation Quat, antOffsetBody Vec3) Vec3 {
	return cog.Add(orientation.Normalized().RotateVec3(antOffsetBody))
}

// ReportVectorWorld converts one range+angle observation into a
// world-frame displacement from the receiver to the peer. The PDoA
// angles are measured in the receiver body frame, so the body-frame
// spherical vector is rotated by the receiver's orientation.
func ReportVectorWorld(r PeerReport, orientation Quat) Vec3 {
	rng := float64(r.RangeM())
	az := r.AzimuthRad()
	el := r.ElevationRad()

	cosEl := math.Cos(el)
	body := Vec3{
		X: float32(rng * cosEl * math.Cos(az)),
		Y: float32(rng * cosEl * math.Sin(az)),
		Z: float32(rng * math.Sin(el)),
	}
	return orientation.Normalized().RotateVec3(body)
}

// HorizontalRangeM projects a slant range onto the horizontal plane
// using the reported elevation. Ranging runs between antennas at
// different heights; the line frame is 2D, so fusion uses the
// horizontal component.
func HorizontalRangeM(r PeerReport) float32 {
	return float32(float64(r.RangeM()) * math.Cos(r.ElevationRad()))
}
