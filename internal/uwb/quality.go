package uwb

// Fix quality scoring. The score is a 0-100 composite of four factors,
// each monotone in the safe direction: more clean peers, higher LOS
// SNR, a smaller flagged fraction, and a smaller solve residual can
// only raise or hold the score, never lower it. Flagged (NLOS or
// multipath) reports contribute nothing positive — they only grow the
// flagged fraction — so adding a flagged report can never increase the
// score.
const (
	qualityPeerWeight     = 40.0
	qualitySNRWeight      = 25.0
	qualityCleanWeight    = 20.0
	qualityResidualWeight = 15.0

	// qualityPeerSaturation is the clean-peer count at which the peer
	// term saturates.
	qualityPeerSaturation = 8
	// SNR range mapped linearly onto the SNR term.
	qualitySNRFloorDB = 10.0
	qualitySNRCeilDB  = 40.0
	// qualityResidualCeilM is the residual at which the residual term
	// reaches zero.
	qualityResidualCeilM = 0.30

	// DeadReckonQualityCap bounds fix quality when an epoch is carried
	// by IMU dead-reckoning alone. Kept well under MinFixQuality so a
	// coasting estimate can never support an OCS call.
	DeadReckonQualityCap = 45
	// deadReckonDecayPerEpoch drains quality for every consecutive
	// epoch without a usable measurement.
	deadReckonDecayPerEpoch = 5
)

// QualityInputs summarizes one node's epoch for scoring.
type QualityInputs struct {
	CleanPeers   int     // reports with no NLOS/multipath flag
	FlaggedPeers int     // NLOS or multipath reports (retained, down-weighted)
	MeanCleanSNR float32 // mean CIR SNR (dB) over clean reports only
	ResidualM    float32 // RMS residual of the solve
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ComputeFixQuality maps epoch inputs to the 0-100 fix quality score.
func ComputeFixQuality(in QualityInputs) uint8 {
	if in.CleanPeers+in.FlaggedPeers == 0 {
		return 0
	}

	peers := in.CleanPeers
	if peers > qualityPeerSaturation {
		peers = qualityPeerSaturation
	}
	peerTerm := qualityPeerWeight * float64(peers) / qualityPeerSaturation

	snrTerm := qualitySNRWeight * clamp01(
		(float64(in.MeanCleanSNR)-qualitySNRFloorDB)/(qualitySNRCeilDB-qualitySNRFloorDB))

	total := in.CleanPeers + in.FlaggedPeers
	cleanTerm := qualityCleanWeight * (float64(in.CleanPeers) / float64(total))

	residTerm := qualityResidualWeight * clamp01(1.0-float64(in.ResidualM)/qualityResidualCeilM)

	score := peerTerm + snrTerm + cleanTerm + residTerm
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return uint8(score)
}

// DeadReckonQuality caps and decays a node's quality while it coasts on
// IMU prediction with no usable reports. The result is always below
// MinFixQuality: dead-reckoning alone never supports an OCS call.
func DeadReckonQuality(previous uint8, missedEpochs int) uint8 {
	q := int(previous)
	if q > DeadReckonQualityCap {
		q = DeadReckonQualityCap
	}
	q -= deadReckonDecayPerEpoch * missedEpochs
	if q < 0 {
		q = 0
	}
	return uint8(q)
}
