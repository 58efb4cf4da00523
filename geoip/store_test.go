package geoip

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func buildTestStore(t *testing.T, csv string) *Store {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "ranges.csv")
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	dbPath, err := Build(context.Background(), csvPath, filepath.Join(dir, "geoip"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	store, err := Open(dbPath, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCountryLookup(t *testing.T) {
	store := buildTestStore(t, `start_ip,end_ip,country_code
5.56.0.0,5.57.255.255,DE
81.2.69.0,81.2.69.255,GB
2001:db8::,2001:db8::ffff,SI
`)

	cases := []struct {
		addr    string
		country string
		found   bool
	}{
		{"5.56.1.2", "DE", true},
		{"5.57.255.255", "DE", true},
		{"5.58.0.0", "", false},
		{"81.2.69.160", "GB", true},
		{"1.2.3.4", "", false},
		{"2001:db8::42", "SI", true},
		{"2001:db9::1", "", false},
	}
	for _, tc := range cases {
		got, ok := store.Country(netip.MustParseAddr(tc.addr))
		if ok != tc.found || got != tc.country {
			t.Errorf("Country(%s) = %q,%v want %q,%v", tc.addr, got, ok, tc.country, tc.found)
		}
	}
}

func TestBuildRejectsOverlappingRanges(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "ranges.csv")
	csv := `start_ip,end_ip,country_code
5.56.0.0,5.57.255.255,DE
5.57.0.0,5.58.255.255,AT
`
	if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if _, err := Build(context.Background(), csvPath, filepath.Join(dir, "geoip")); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestBuildAcceptsCIDRColumn(t *testing.T) {
	store := buildTestStore(t, `network,country
82.192.0.0/16,NL
`)
	if got, ok := store.Country(netip.MustParseAddr("82.192.33.7")); !ok || got != "NL" {
		t.Errorf("cidr lookup = %q,%v want NL,true", got, ok)
	}
	if _, ok := store.Country(netip.MustParseAddr("82.193.0.1")); ok {
		t.Error("address past cidr end resolved")
	}
}

func TestResolverPlaceFor(t *testing.T) {
	store := buildTestStore(t, `start_ip,end_ip,country_code
5.56.0.0,5.57.255.255,DE
`)
	r := NewResolver(store)

	place, ok := r.PlaceFor("5.56.1.2:41000")
	if !ok || place.Code != "DE" {
		t.Fatalf("PlaceFor = %+v,%v want DE place", place, ok)
	}
	if place.Lat == 0 || place.RadiusM <= 0 {
		t.Errorf("place missing centroid data: %+v", place)
	}
	if _, ok := r.PlaceFor("192.168.1.10"); ok {
		t.Error("private address resolved to a place")
	}
	if _, ok := r.PlaceFor("not-an-address"); ok {
		t.Error("garbage address resolved to a place")
	}
}

func TestCurrentPointer(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "ranges.csv")
	if err := os.WriteFile(csvPath, []byte("start_ip,end_ip,country_code\n5.56.0.0,5.57.255.255,DE\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	root := filepath.Join(dir, "geoip")
	dbPath, err := Build(context.Background(), csvPath, root)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := SetCurrent(root, dbPath); err != nil {
		t.Fatalf("set current: %v", err)
	}
	resolved, err := CurrentPath(root)
	if err != nil {
		t.Fatalf("current path: %v", err)
	}
	if resolved != dbPath {
		t.Errorf("current path = %s, want %s", resolved, dbPath)
	}
}

func TestCountryAt(t *testing.T) {
	cases := []struct {
		lat, lon float64
		want     string
	}{
		{51.11, 10.39, "DE"},
		{46.05, 14.50, "SI"},
		{49.61, 6.13, "LU"}, // inside both LU and DE boxes, smaller box wins
		{0, -140, ""},
	}
	for _, tc := range cases {
		if got := CountryAt(tc.lat, tc.lon); got != tc.want {
			t.Errorf("CountryAt(%v, %v) = %q, want %q", tc.lat, tc.lon, got, tc.want)
		}
	}
}
