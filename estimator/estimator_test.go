package estimator

import (
	"math"
	"testing"
)

func TestMergeSeedsEmptyEstimate(t *testing.T) {
	obs := Observation{Lat: 46.05, Lon: 14.5, AccuracyM: 25}
	got := Merge(Estimate{}, obs)
	if got.Lat != obs.Lat || got.Lon != obs.Lon {
		t.Errorf("seed position = (%f, %f), want observation position", got.Lat, got.Lon)
	}
	if got.AccuracyM != 25 {
		t.Errorf("seed accuracy = %f, want 25", got.AccuracyM)
	}
	if got.Weight <= 0 {
		t.Errorf("seed weight = %f, want > 0", got.Weight)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	o1 := Observation{Lat: 46.0500, Lon: 14.5000, AccuracyM: 20, SignalDBM: -55}
	o2 := Observation{Lat: 46.0510, Lon: 14.5010, AccuracyM: 80, SignalDBM: -90}

	ab := Merge(Merge(Estimate{}, o1), o2)
	ba := Merge(Merge(Estimate{}, o2), o1)

	if !closeEnough(ab.Lat, ba.Lat) || !closeEnough(ab.Lon, ba.Lon) {
		t.Errorf("order changed position: (%f,%f) vs (%f,%f)", ab.Lat, ab.Lon, ba.Lat, ba.Lon)
	}
	if !closeEnough(ab.AccuracyM, ba.AccuracyM) {
		t.Errorf("order changed accuracy: %f vs %f", ab.AccuracyM, ba.AccuracyM)
	}
	if !closeEnough(ab.Weight, ba.Weight) {
		t.Errorf("order changed weight: %f vs %f", ab.Weight, ba.Weight)
	}
}

func TestAccuracyNeverWidens(t *testing.T) {
	est := Merge(Estimate{}, Observation{Lat: 46, Lon: 14, AccuracyM: 30})
	for _, acc := range []float64{500, 50, 9000, 15} {
		prev := est.AccuracyM
		est = Merge(est, Observation{Lat: 46.0001, Lon: 14.0001, AccuracyM: acc})
		if est.AccuracyM > prev {
			t.Fatalf("accuracy widened from %f to %f after a %f m observation", prev, est.AccuracyM, acc)
		}
	}
}

func TestAccuracyFloor(t *testing.T) {
	est := Estimate{}
	for i := 0; i < 50; i++ {
		est = Merge(est, Observation{Lat: 46, Lon: 14, AccuracyM: 11})
	}
	if est.AccuracyM < 10 {
		t.Errorf("accuracy %f fell below the floor", est.AccuracyM)
	}
}

func TestStrongSignalPullsEstimate(t *testing.T) {
	strong := Merge(Merge(Estimate{}, Observation{Lat: 46.0, Lon: 14.0, AccuracyM: 50}),
		Observation{Lat: 46.01, Lon: 14.0, AccuracyM: 50, SignalDBM: -35})
	weak := Merge(Merge(Estimate{}, Observation{Lat: 46.0, Lon: 14.0, AccuracyM: 50}),
		Observation{Lat: 46.01, Lon: 14.0, AccuracyM: 50, SignalDBM: -98})
	if !(strong.Lat > weak.Lat) {
		t.Errorf("strong-signal observation should pull harder: strong=%f weak=%f", strong.Lat, weak.Lat)
	}
}

func TestDistanceM(t *testing.T) {
	// Ljubljana to Vienna is roughly 276 km.
	d := DistanceM(46.0569, 14.5058, 48.2082, 16.3738)
	if d < 270_000 || d > 285_000 {
		t.Errorf("distance = %f m, want ~276 km", d)
	}
	if DistanceM(46, 14, 46, 14) != 0 {
		t.Error("distance of a point to itself should be zero")
	}
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
