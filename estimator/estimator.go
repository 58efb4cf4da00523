// Package estimator holds the numeric policy for blending position
// observations into a running station estimate. The aggregation control flow
// treats it as an injected function so the blend can be swapped or tested on
// its own.
//
// The mergeable state is a (weighted estimate, weight) pair combinable with a
// closed-form weighted-average update. Carrying the pair instead of a history
// makes merging commutative and associative: any interleaving of the same
// contributions converges to the same estimate.
package estimator

import "math"

const (
	// accuracyFloorM keeps a single lucky observation from claiming
	// centimeter confidence. Estimates never report an accuracy below this.
	accuracyFloorM = 10.0

	// weightAccuracyCapM bounds how little weight a vague observation gets.
	weightAccuracyCapM = 10_000.0

	earthRadiusM = 6_371_000.0
)

// Estimate is the mergeable station state: a weighted position with the
// accumulated weight that produced it.
type Estimate struct {
	Lat       float64
	Lon       float64
	AccuracyM float64
	Weight    float64
}

// Observation is one positioned contribution to a station estimate.
type Observation struct {
	Lat       float64
	Lon       float64
	AccuracyM float64
	SignalDBM int
}

// MergeFunc is the pluggable blend contract. Implementations must be
// commutative over distinct observations and must never increase the
// accuracy radius of the prior in expectation.
type MergeFunc func(prior Estimate, obs Observation) Estimate

// Merge is the default weighted blend. Observation weight is the inverse
// square of its accuracy, nudged by signal strength when reported: a device
// hearing a station at -40 dBm is standing closer to it than one at -95 dBm,
// so its fix says more about where the station is.
func Merge(prior Estimate, obs Observation) Estimate {
	w := observationWeight(obs)
	if w <= 0 {
		return prior
	}
	if prior.Weight <= 0 {
		return Estimate{
			Lat:       obs.Lat,
			Lon:       obs.Lon,
			AccuracyM: clampAccuracy(obs.AccuracyM),
			Weight:    w,
		}
	}
	total := prior.Weight + w
	merged := Estimate{
		Lat:    (prior.Lat*prior.Weight + obs.Lat*w) / total,
		Lon:    (prior.Lon*prior.Weight + obs.Lon*w) / total,
		Weight: total,
	}
	merged.AccuracyM = combineAccuracy(prior.AccuracyM, obs.AccuracyM)
	return merged
}

// observationWeight converts accuracy and signal into a blend weight.
// The signal factor is a pure function of the observation so the overall
// merge stays commutative.
func observationWeight(obs Observation) float64 {
	acc := obs.AccuracyM
	if acc <= 0 {
		acc = accuracyFloorM
	}
	if acc > weightAccuracyCapM {
		acc = weightAccuracyCapM
	}
	w := 1.0 / (acc * acc)
	return w * signalFactor(obs.SignalDBM)
}

// signalFactor scales weight in [0.5, 2.0] across the usable dBm range.
// Zero means "not reported" and leaves the weight untouched.
func signalFactor(dbm int) float64 {
	if dbm == 0 {
		return 1.0
	}
	const strongest, weakest = -30.0, -100.0
	v := (float64(dbm) - weakest) / (strongest - weakest)
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return 0.5 + 1.5*v
}

// combineAccuracy merges two accuracy radii by combining their precisions.
// The result is never wider than either input, satisfying the monotonic
// non-increase invariant, and never tighter than the floor.
func combineAccuracy(a, b float64) float64 {
	a = clampAccuracy(a)
	b = clampAccuracy(b)
	combined := math.Sqrt(1.0 / (1.0/(a*a) + 1.0/(b*b)))
	return clampAccuracy(combined)
}

func clampAccuracy(acc float64) float64 {
	if acc <= 0 || acc > weightAccuracyCapM {
		return weightAccuracyCapM
	}
	if acc < accuracyFloorM {
		return accuracyFloorM
	}
	return acc
}

// DistanceM returns the haversine great-circle distance in meters.
func DistanceM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
