package geoip

import "strings"

// Place describes a country-level fallback position: centroid, a radius
// wide enough to cover the landmass, and a coarse bounding box used for
// reverse lookups from coordinates.
type Place struct {
	Code    string
	Name    string
	Lat     float64
	Lon     float64
	RadiusM float64

	minLat, maxLat float64
	minLon, maxLon float64
}

func (p Place) contains(lat, lon float64) bool {
	return lat >= p.minLat && lat <= p.maxLat && lon >= p.minLon && lon <= p.maxLon
}

func (p Place) boxArea() float64 {
	return (p.maxLat - p.minLat) * (p.maxLon - p.minLon)
}

// places is a hand-curated table of the countries that dominate report
// volume. Rectangles are deliberately coarse; overlaps resolve to the
// smaller box so enclaves beat their neighbours.
var places = []Place{
	{"AT", "Austria", 47.59, 14.14, 300_000, 46.37, 49.02, 9.53, 17.16},
	{"AU", "Australia", -25.73, 134.49, 2_000_000, -43.64, -10.06, 112.92, 153.64},
	{"BE", "Belgium", 50.64, 4.66, 170_000, 49.50, 51.51, 2.54, 6.41},
	{"BR", "Brazil", -10.79, -53.09, 2_200_000, -33.75, 5.27, -73.99, -34.79},
	{"CA", "Canada", 61.36, -98.31, 2_700_000, 41.68, 83.11, -141.00, -52.62},
	{"CH", "Switzerland", 46.80, 8.21, 220_000, 45.82, 47.81, 5.96, 10.49},
	{"CN", "China", 36.56, 103.82, 2_600_000, 18.16, 53.56, 73.50, 134.77},
	{"CZ", "Czechia", 49.74, 15.34, 250_000, 48.55, 51.06, 12.09, 18.86},
	{"DE", "Germany", 51.11, 10.39, 400_000, 47.27, 55.06, 5.87, 15.04},
	{"DK", "Denmark", 55.96, 10.05, 200_000, 54.56, 57.75, 8.07, 12.69},
	{"EE", "Estonia", 58.67, 25.54, 200_000, 57.51, 59.68, 21.84, 28.21},
	{"ES", "Spain", 40.24, -3.65, 550_000, 36.00, 43.79, -9.30, 3.32},
	{"FI", "Finland", 64.50, 26.27, 600_000, 59.81, 70.09, 20.55, 31.59},
	{"FR", "France", 46.56, 2.55, 550_000, 42.33, 51.09, -4.80, 8.23},
	{"GB", "United Kingdom", 54.12, -2.87, 550_000, 49.96, 58.64, -7.57, 1.76},
	{"GR", "Greece", 39.07, 22.96, 400_000, 34.92, 41.75, 19.37, 28.25},
	{"HR", "Croatia", 45.08, 16.40, 250_000, 42.44, 46.55, 13.49, 19.45},
	{"HU", "Hungary", 47.16, 19.40, 250_000, 45.74, 48.59, 16.11, 22.90},
	{"ID", "Indonesia", -2.22, 117.24, 2_600_000, -10.36, 5.48, 95.29, 141.03},
	{"IE", "Ireland", 53.18, -8.14, 230_000, 51.42, 55.39, -10.48, -5.99},
	{"IN", "India", 22.89, 79.61, 1_700_000, 6.75, 35.50, 68.16, 97.40},
	{"IT", "Italy", 42.80, 12.07, 600_000, 36.62, 47.10, 6.63, 18.52},
	{"JP", "Japan", 37.59, 138.03, 1_100_000, 24.05, 45.55, 122.93, 145.82},
	{"KR", "South Korea", 36.38, 127.83, 300_000, 33.19, 38.61, 126.12, 129.58},
	{"LT", "Lithuania", 55.33, 23.89, 220_000, 53.90, 56.45, 20.94, 26.84},
	{"LU", "Luxembourg", 49.77, 6.09, 60_000, 49.45, 50.18, 5.73, 6.53},
	{"LV", "Latvia", 56.85, 24.91, 220_000, 55.67, 58.09, 20.97, 28.24},
	{"MX", "Mexico", 23.95, -102.52, 1_400_000, 14.53, 32.72, -118.45, -86.71},
	{"NL", "Netherlands", 52.25, 5.60, 180_000, 50.75, 53.56, 3.31, 7.23},
	{"NO", "Norway", 64.50, 13.19, 900_000, 57.96, 71.19, 4.65, 31.06},
	{"NZ", "New Zealand", -41.81, 171.48, 900_000, -47.29, -34.39, 166.43, 178.55},
	{"PL", "Poland", 52.13, 19.39, 400_000, 49.00, 54.84, 14.12, 24.15},
	{"PT", "Portugal", 39.60, -8.50, 350_000, 36.96, 42.15, -9.53, -6.19},
	{"RO", "Romania", 45.85, 24.97, 350_000, 43.62, 48.27, 20.26, 29.72},
	{"RS", "Serbia", 44.22, 20.79, 250_000, 42.23, 46.19, 18.83, 23.01},
	{"RU", "Russia", 61.98, 96.69, 4_000_000, 41.19, 77.72, 19.64, 179.99},
	{"SE", "Sweden", 62.79, 16.74, 800_000, 55.34, 69.06, 11.11, 24.17},
	{"SI", "Slovenia", 46.12, 14.80, 120_000, 45.42, 46.88, 13.38, 16.61},
	{"SK", "Slovakia", 48.71, 19.48, 220_000, 47.73, 49.61, 16.83, 22.57},
	{"TR", "Turkey", 39.06, 35.17, 800_000, 35.81, 42.11, 25.66, 44.82},
	{"UA", "Ukraine", 49.00, 31.38, 700_000, 44.36, 52.38, 22.14, 40.23},
	{"US", "United States", 39.50, -98.35, 2_300_000, 24.50, 49.38, -124.77, -66.95},
	{"ZA", "South Africa", -29.00, 25.08, 900_000, -34.84, -22.13, 16.45, 32.89},
}

var placeByCode = func() map[string]Place {
	m := make(map[string]Place, len(places))
	for _, p := range places {
		m[p.Code] = p
	}
	return m
}()

// Centroid returns the fallback position for an ISO country code.
func Centroid(code string) (Place, bool) {
	p, ok := placeByCode[strings.ToUpper(strings.TrimSpace(code))]
	return p, ok
}

// CountryAt reverse-maps a coordinate to a country code using the coarse
// bounding boxes. When boxes overlap the smallest wins. Returns "" when
// the point lands outside every box (open sea, uncovered countries).
func CountryAt(lat, lon float64) string {
	best := ""
	bestArea := 0.0
	for _, p := range places {
		if !p.contains(lat, lon) {
			continue
		}
		if best == "" || p.boxArea() < bestArea {
			best = p.Code
			bestArea = p.boxArea()
		}
	}
	return best
}
