package areastore

import (
	"testing"
	"time"

	"radiolocate/station"
	"radiolocate/stationstore"
)

func openStores(t *testing.T) (*Store, *stationstore.Store) {
	t.Helper()
	areas, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open areastore: %v", err)
	}
	t.Cleanup(func() { areas.Close() })
	stations, err := stationstore.Open(t.TempDir(), stationstore.Options{})
	if err != nil {
		t.Fatalf("open stationstore: %v", err)
	}
	t.Cleanup(func() { stations.Close() })
	return areas, stations
}

func seedStation(t *testing.T, stations *stationstore.Store, mac string, lat, lon float64, samples uint64, blocked bool) {
	t.Helper()
	key, err := station.MakeKey(station.KindWifi, mac)
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	err = stations.Upsert(key, func(prior stationstore.Record, found bool) stationstore.Record {
		prior.Lat, prior.Lon = lat, lon
		prior.AccuracyM = 50
		prior.Weight = 0.001
		prior.Samples = samples
		prior.Blocked = blocked
		prior.GridArea = "testcell"
		return prior
	})
	if err != nil {
		t.Fatalf("seed station: %v", err)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	areas, stations := openStores(t)
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	seedStation(t, stations, "aabbccddee01", 46.05, 14.50, 40, false)
	seedStation(t, stations, "aabbccddee02", 46.06, 14.51, 25, false)
	seedStation(t, stations, "aabbccddee03", 46.07, 14.52, 10, true)

	first, err := areas.Recompute(stations, "grid:testcell", now)
	if err != nil {
		t.Fatalf("first recompute: %v", err)
	}
	second, err := areas.Recompute(stations, "grid:testcell", now)
	if err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	if first != second {
		t.Errorf("recompute not idempotent:\nfirst  %+v\nsecond %+v", first, second)
	}

	stored, found, err := areas.Get("grid:testcell")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if stored != first {
		t.Errorf("stored record differs from computed one")
	}
}

func TestComputeCounters(t *testing.T) {
	areas, stations := openStores(t)
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	seedStation(t, stations, "aabbccddee01", 46.05, 14.50, 40, false)
	seedStation(t, stations, "aabbccddee02", 46.06, 14.51, 25, true)

	rec, err := areas.Recompute(stations, "grid:testcell", now)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if rec.Stations != 2 || rec.Blocked != 1 {
		t.Errorf("stations=%d blocked=%d, want 2/1", rec.Stations, rec.Blocked)
	}
	if rec.Observations != 65 {
		t.Errorf("observations = %d, want 65", rec.Observations)
	}
	if !rec.HasPosition() {
		t.Error("expected a centroid from the non-blocked member")
	}
	if rec.Lat < 46.04 || rec.Lat > 46.06 {
		t.Errorf("centroid lat = %f, want near the clean member", rec.Lat)
	}
	if rec.Quality <= 0 || rec.Quality > 1 {
		t.Errorf("quality = %f, want in (0, 1]", rec.Quality)
	}
}

func TestQualityDropsWithBlockedStations(t *testing.T) {
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	clean := Compute("grid:x", []stationstore.Record{
		{Lat: 46, Lon: 14, AccuracyM: 50, Weight: 0.001, Samples: 100},
		{Lat: 46.01, Lon: 14.01, AccuracyM: 50, Weight: 0.001, Samples: 100},
	}, now)
	dirty := Compute("grid:x", []stationstore.Record{
		{Lat: 46, Lon: 14, AccuracyM: 50, Weight: 0.001, Samples: 100},
		{Lat: 46.01, Lon: 14.01, AccuracyM: 50, Weight: 0.001, Samples: 100, Blocked: true},
	}, now)
	if dirty.Quality >= clean.Quality {
		t.Errorf("blocked member should lower quality: clean=%f dirty=%f", clean.Quality, dirty.Quality)
	}
}

func TestComputeEmptyArea(t *testing.T) {
	rec := Compute("grid:empty", nil, time.Now())
	if rec.Stations != 0 || rec.Quality != 0 || rec.HasPosition() {
		t.Errorf("empty area should have zero counters: %+v", rec)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rec := Record{
		AreaID: "cellarea:gsm:293:41:100", Stations: 5, Blocked: 1,
		Observations: 230, Lat: 46.05, Lon: 14.5, RadiusM: 1800,
		Quality: 0.61, RecomputedAt: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	got, err := decodeRecord(rec.AreaID, encodeRecord(rec))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != rec {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
}

func TestList(t *testing.T) {
	areas, _ := openStores(t)
	now := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"grid:a", "grid:b", "country:si"} {
		if err := areas.Put(Record{AreaID: id, RecomputedAt: now}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	grids, err := areas.List(KindGrid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(grids) != 2 {
		t.Errorf("grid records = %d, want 2", len(grids))
	}
}
