// The uwbsim command simulates a fleet of UWB nodes approaching a
// start line: boat motion with heel and wave action, DS-TWR ranging
// noise, PDoA angles, and NLOS classification. It encodes real
// measurement packets and sends them to a hub over UDP, so the full
// pipeline can be exercised without hardware on the water.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"math/rand/v2"
	"net"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/marlin-data/startline.report/internal/units"
	"github.com/marlin-data/startline.report/internal/uwb"
	"github.com/marlin-data/startline.report/internal/version"
)

var (
	hubAddr     = flag.String("hub", "127.0.0.1:9910", "Hub UDP address to send measurement packets to")
	nBoats      = flag.Int("boats", 8, "Number of simulated boats")
	lineLength  = flag.Float64("line-length", 100.0, "Start line length in meters")
	approach    = flag.Float64("approach", 120.0, "Initial distance below the line in meters")
	tMinus      = flag.Int("t-minus", 60, "Seconds until the simulated gun")
	targetSpeed = flag.Float64("speed", 3.0, "Nominal boat speed in m/s")
	waveAmp     = flag.Float64("wave-amp", 0.25, "Wave amplitude in meters")
	wavePeriod  = flag.Float64("wave-period", 4.0, "Wave period in seconds")
	maxHeelDeg  = flag.Float64("max-heel", 20.0, "Maximum heel angle in degrees")
	nlosRate    = flag.Float64("nlos-rate", 0.05, "Base NLOS probability per ranging pair")
	ocsBoats    = flag.String("ocs-boats", "", "Comma-separated node IDs forced over the line at the gun")
	ocsOffset   = flag.Float64("ocs-offset", 0.15, "How far over the line OCS boats end up, meters")
	dropBoats   = flag.String("dropout", "", "Comma-separated node IDs that periodically go silent")
	seed        = flag.Int64("seed", 0, "Random seed (0 = time-based)")
)

// Radio noise parameters for the DW3720 measurement chain. LOS sigma of
// 7 cm matches the chip's DS-TWR spec; NLOS adds a positive excess-path
// bias on top of the wider spread.
const (
	sigmaLOSM       = 0.07
	sigmaNLOSM      = 0.20
	nlosBiasMeanM   = 0.30
	nlosBiasSigmaM  = 0.10
	sigmaAzimuthDeg = 5.0
	sigmaElevDeg    = 8.0
	snrLOSMinDB     = 25.0
	snrLOSMaxDB     = 40.0
	snrNLOSMinDB    = 10.0
	snrNLOSMaxDB    = 20.0
	maxLOSRangeM    = 150.0
	crowdRadiusM    = 3.0
)

// Antenna lever arm: masthead-ish mount, meters in body frame.
var leverArmBody = uwb.Vec3{X: 0, Y: 0.5, Z: 4.0}

// Node IDs follow the deployment convention: marks and committee take
// the low IDs, boats start at 10.
const (
	markANodeID     = 1
	markBNodeID     = 2
	committeeNodeID = 3
	firstBoatNodeID = 10
)

type boat struct {
	nodeID    uint32
	cog       uwb.Vec3
	vel       uwb.Vec3
	heading   float64 // degrees, 0 = north (+Y)
	heel      float64 // radians
	pitch     float64 // radians
	speed     float64 // current, m/s
	baseSpeed float64
	batteryMV uint16
	wavePhase float64
}

func (b *boat) orientation() uwb.Quat {
	return uwb.QuatFromEuler(b.heel, b.pitch, b.heading*math.Pi/180)
}

func (b *boat) antennaWorldPos() uwb.Vec3 {
	return b.cog.Add(b.orientation().RotateVec3(leverArmBody))
}

type simNode struct {
	nodeID      uint32
	designation uwb.NodeDesignation
	batteryMV   uint16
	pos         uwb.Vec3
	orientation uwb.Quat
	leverArm    uwb.Vec3
	boat        *boat // nil for anchors
}

type fleet struct {
	rng      *rand.Rand
	normal   distuv.Normal
	boats    []*boat
	markA    uwb.Vec3
	markB    uwb.Vec3
	comm     uwb.Vec3
	elapsed  float64
	toGun    float64
	seqNums  map[uint32]uint32
	ocsSet   map[uint32]bool
	dropSet  map[uint32]bool
	epochNum uint32
}

func newFleet(rng *rand.Rand) *fleet {
	f := &fleet{
		rng:     rng,
		normal:  distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(rng.Uint64(), rng.Uint64())},
		markA:   uwb.Vec3{X: float32(-*lineLength / 2)},
		markB:   uwb.Vec3{X: float32(*lineLength / 2)},
		comm:    uwb.Vec3{X: float32(*lineLength/2 + 10), Y: -5},
		toGun:   float64(*tMinus),
		seqNums: make(map[uint32]uint32),
		ocsSet:  parseNodeIDs(*ocsBoats),
		dropSet: parseNodeIDs(*dropBoats),
	}

	xSpread := *lineLength * 0.9
	for i := 0; i < *nBoats; i++ {
		base := *targetSpeed + rng.Float64()*1.0 - 0.5
		x := -xSpread/2 + float64(i)/math.Max(float64(*nBoats-1), 1)*xSpread
		y := -*approach + rng.Float64()*40 - 20
		f.boats = append(f.boats, &boat{
			nodeID:    firstBoatNodeID + uint32(i),
			cog:       uwb.Vec3{X: float32(x), Y: float32(y)},
			heading:   rng.Float64()*20 - 10, // roughly north
			speed:     base,
			baseSpeed: base,
			batteryMV: uint16(3600 + rng.IntN(600)),
			wavePhase: rng.Float64() * 2 * math.Pi,
		})
	}
	return f
}

func parseNodeIDs(s string) map[uint32]bool {
	out := make(map[uint32]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			log.Fatalf("Invalid node ID %q: %v", part, err)
		}
		out[uint32(id)] = true
	}
	return out
}

// tick advances the fleet by dt seconds: wave action, tactical
// slowdown near the line, and the OCS push at the gun.
func (f *fleet) tick(dt float64) {
	f.elapsed += dt
	f.toGun = math.Max(f.toGun-dt, -30)

	omega := 2 * math.Pi / *wavePeriod
	ocsActive := f.toGun <= 0 && f.toGun >= -5

	for _, b := range f.boats {
		b.cog.Z = float32(*waveAmp * math.Sin(omega*f.elapsed+b.wavePhase))

		target := b.baseSpeed
		if b.cog.Y > -20 {
			target = b.baseSpeed * 0.4 // luffing on final approach
		}

		if ocsActive && f.ocsSet[b.nodeID] {
			if float64(b.cog.Y) < *ocsOffset {
				b.cog.Y += float32(0.1 * dt)
				b.speed = b.baseSpeed * 0.5
			} else {
				b.speed = 0 // hold position once over
			}
		} else {
			b.speed += (target - b.speed) * math.Min(dt*2, 1)
			hdg := b.heading * math.Pi / 180
			b.vel = uwb.Vec3{
				X: float32(b.speed * math.Sin(hdg)),
				Y: float32(b.speed * math.Cos(hdg)),
			}
			b.cog = b.cog.Add(uwb.Vec3{X: b.vel.X * float32(dt), Y: b.vel.Y * float32(dt)})
		}

		maxHeel := *maxHeelDeg * math.Pi / 180
		b.heel = b.speed / b.baseSpeed * maxHeel
		b.pitch = 0.05 * math.Sin(omega*f.elapsed*0.7+b.wavePhase)
	}
}

// nodes returns every transmitting node with its current antenna
// position. Marks and the committee boat transmit too: the hub learns
// anchor identity and line length from their packets.
func (f *fleet) nodes() []simNode {
	out := []simNode{
		{nodeID: markANodeID, designation: uwb.DesignationMarkA, batteryMV: 3900, pos: f.markA, orientation: uwb.IdentityQuat()},
		{nodeID: markBNodeID, designation: uwb.DesignationMarkB, batteryMV: 3900, pos: f.markB, orientation: uwb.IdentityQuat()},
		{nodeID: committeeNodeID, designation: uwb.DesignationCommittee, batteryMV: 4100, pos: f.comm, orientation: uwb.IdentityQuat()},
	}
	for _, b := range f.boats {
		out = append(out, simNode{
			nodeID:      b.nodeID,
			designation: uwb.DesignationBoat,
			batteryMV:   b.batteryMV,
			pos:         b.antennaWorldPos(),
			orientation: b.orientation(),
			leverArm:    leverArmBody,
			boat:        b,
		})
	}
	return out
}

// isNLOS models geometric blocking: boats near the ranging line raise
// the probability, long ranges raise it further.
func (f *fleet) isNLOS(a, b simNode, rangeM float64) bool {
	if a.designation != uwb.DesignationBoat && b.designation != uwb.DesignationBoat {
		return false // anchor-to-anchor paths are clear of the fleet
	}
	prob := *nlosRate
	d := b.pos.Sub(a.pos)
	len2 := math.Max(rangeM*rangeM, 0.001)
	for _, other := range f.boats {
		if other.nodeID == a.nodeID || other.nodeID == b.nodeID {
			continue
		}
		t := float64(other.cog.Sub(a.pos).X*d.X+other.cog.Sub(a.pos).Y*d.Y) / len2
		t = math.Max(0, math.Min(1, t))
		closest := a.pos.Add(uwb.Vec3{X: d.X * float32(t), Y: d.Y * float32(t), Z: d.Z * float32(t)})
		if float64(closest.Sub(other.cog).Norm()) < crowdRadiusM {
			prob += 0.20
		}
	}
	if rangeM > maxLOSRangeM {
		prob += 0.10 + 0.05*math.Min((rangeM-maxLOSRangeM)/50.0, 0.30)
	}
	return f.rng.Float64() < math.Min(prob, 0.95)
}

// measure generates one peer report from node a ranging node b.
func (f *fleet) measure(a, b simNode, seq uint32) uwb.PeerReport {
	trueRange := float64(b.pos.Sub(a.pos).Norm())
	nlos := f.isNLOS(a, b, trueRange)

	sigma := sigmaLOSM
	bias := 0.0
	var flags uint8
	if nlos {
		sigma = sigmaNLOSM
		bias = math.Max(nlosBiasMeanM+f.normal.Rand()*nlosBiasSigmaM, 0)
		flags |= uwb.QualityNLOS
	}
	measured := trueRange + f.normal.Rand()*sigma + bias

	// PDoA in body frame: rotate the world peer vector by the inverse
	// attitude. For identity-orientation anchors world == body.
	d := b.pos.Sub(a.pos)
	q := a.orientation
	inv := uwb.Quat{X: -q.X, Y: -q.Y, Z: -q.Z, W: q.W}
	body := inv.RotateVec3(d)
	azTrue := math.Atan2(float64(body.Y), float64(body.X))
	elTrue := math.Atan2(float64(body.Z), math.Hypot(float64(body.X), float64(body.Y)))
	az := azTrue + f.normal.Rand()*sigmaAzimuthDeg*math.Pi/180
	el := elTrue + f.normal.Rand()*sigmaElevDeg*math.Pi/180

	var snr float64
	var fpIdx uint8
	if nlos {
		snr = snrNLOSMinDB + f.rng.Float64()*(snrNLOSMaxDB-snrNLOSMinDB)
		fpIdx = uint8(40 + f.rng.IntN(60))
	} else {
		snr = snrLOSMinDB + f.rng.Float64()*(snrLOSMaxDB-snrLOSMinDB)
		fpIdx = uint8(f.rng.IntN(20))
	}

	return uwb.PeerReport{
		PeerID:         b.nodeID,
		RangeMM:        int32(measured * 1000),
		AzimuthDeg10:   int16(az * 180 / math.Pi * 10),
		ElevationDeg10: int16(el * 180 / math.Pi * 10),
		CirSNRdB10:     uint16(snr * 10),
		FPIndex:        fpIdx,
		QualityFlags:   flags,
		SeqNum:         seq,
	}
}

// generateEpoch produces one measurement packet per transmitting node.
func (f *fleet) generateEpoch() []*uwb.MeasurementPacket {
	f.epochNum++
	nodes := f.nodes()
	var out []*uwb.MeasurementPacket

	for _, n := range nodes {
		if f.dropSet[n.nodeID] && f.epochNum%13 < 3 {
			continue // simulated hardware dropout
		}
		f.seqNums[n.nodeID]++
		seq := f.seqNums[n.nodeID]

		var reports []uwb.PeerReport
		for _, peer := range nodes {
			if peer.nodeID == n.nodeID {
				continue
			}
			reports = append(reports, f.measure(n, peer, seq))
			if len(reports) == uwb.MaxPeersPerEpoch {
				break // wire format caps the report count
			}
		}

		out = append(out, &uwb.MeasurementPacket{
			NodeID:        n.nodeID,
			TxTimestampNS: uint64(time.Now().UnixNano()),
			SeqNum:        seq,
			Designation:   n.designation,
			BatteryMV:     n.batteryMV,
			Orientation:   n.orientation,
			AntOffsetBody: n.leverArm,
			Reports:       reports,
		})
	}
	return out
}

func main() {
	flag.Parse()

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewPCG(uint64(s), uint64(s)))

	addr, err := net.ResolveUDPAddr("udp", *hubAddr)
	if err != nil {
		log.Fatalf("Failed to resolve hub address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("Failed to open UDP socket: %v", err)
	}
	defer conn.Close()

	f := newFleet(rng)
	log.Printf("uwbsim %s: simulating %d boats at %.1f kn on a %.0fm line, gun in %ds, sending to %s",
		version.Version, *nBoats, units.ConvertSpeed(*targetSpeed, units.KTS), *lineLength, *tMinus, *hubAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interval := uwb.SuperframeMS * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastGunLog := math.Inf(1)
	for {
		select {
		case <-ctx.Done():
			log.Print("Simulator stopped")
			return
		case <-ticker.C:
			f.tick(interval.Seconds())

			if sec := math.Ceil(f.toGun); sec != lastGunLog && sec >= -5 && sec <= 10 {
				lastGunLog = sec
				log.Printf("T%+.0fs", -sec)
			}

			for _, pkt := range f.generateEpoch() {
				data, err := uwb.EncodeMeasurementPacket(pkt)
				if err != nil {
					log.Printf("Failed to encode packet for node %d: %v", pkt.NodeID, err)
					continue
				}
				if _, err := conn.Write(data); err != nil {
					log.Printf("Failed to send packet for node %d: %v", pkt.NodeID, err)
				}
			}
		}
	}
}
