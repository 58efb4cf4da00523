// Command geoipload imports an IP-range CSV snapshot into the Pebble
// database the service uses for country fallback lookups, then repoints
// the CURRENT_DB marker at the fresh build.
//
// Usage:
//
//	geoipload -csv ranges.csv -root data/geoip
//
// The CSV needs a range (start_ip/end_ip or a cidr column) and a country
// code column, sorted by range start without overlaps.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"radiolocate/geoip"
)

func main() {
	csvPath := flag.String("csv", "", "path to the IP range CSV snapshot")
	rootDir := flag.String("root", "data/geoip", "geoip database root directory")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	started := time.Now()
	dbPath, err := geoip.Build(ctx, *csvPath, *rootDir)
	if err != nil {
		log.Fatalf("Error building geoip database: %v", err)
	}
	if err := geoip.SetCurrent(*rootDir, dbPath); err != nil {
		log.Fatalf("Error activating %s: %v", dbPath, err)
	}
	log.Printf("GeoIP database built at %s in %s", dbPath, time.Since(started).Round(time.Millisecond))
}
