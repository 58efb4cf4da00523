package stationstore

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"radiolocate/station"
)

const (
	recordVersion    = 1
	recordHeaderSize = 106
)

const (
	recordFlagBlocked     = 1 << 0
	recordFlagHasPosition = 1 << 1
)

var errInvalidRecord = errors.New("stationstore: invalid record encoding")

func encodeRecord(rec Record) []byte {
	reason := rec.BlockReason
	grid := rec.GridArea
	cellArea := rec.CellArea
	country := rec.Country
	buf := make([]byte, recordHeaderSize+len(reason)+len(grid)+len(cellArea)+len(country))

	buf[0] = recordVersion
	flags := byte(0)
	if rec.Blocked {
		flags |= recordFlagBlocked
	}
	if rec.HasPosition() {
		flags |= recordFlagHasPosition
	}
	buf[1] = flags

	off := 2
	for _, v := range []float64{rec.Lat, rec.Lon, rec.AccuracyM, rec.Weight,
		rec.MinLat, rec.MaxLat, rec.MinLon, rec.MaxLon} {
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	binary.BigEndian.PutUint64(buf[off:], rec.Samples)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(unixOrZero(rec.FirstSeen)))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(unixOrZero(rec.LastSeen)))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(unixOrZero(rec.BlockedAt)))
	off += 8
	for _, n := range []int{len(reason), len(grid), len(cellArea), len(country)} {
		binary.BigEndian.PutUint16(buf[off:], uint16(n))
		off += 2
	}
	off = recordHeaderSize
	off += copy(buf[off:], reason)
	off += copy(buf[off:], grid)
	off += copy(buf[off:], cellArea)
	copy(buf[off:], country)
	return buf
}

func decodeRecord(key station.Key, raw []byte) (Record, error) {
	if len(raw) < recordHeaderSize || raw[0] != recordVersion {
		return Record{}, errInvalidRecord
	}
	flags := raw[1]
	rec := Record{Key: key}
	rec.Blocked = flags&recordFlagBlocked != 0

	off := 2
	floats := make([]float64, 8)
	for i := range floats {
		floats[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[off:]))
		off += 8
	}
	rec.Lat, rec.Lon, rec.AccuracyM, rec.Weight = floats[0], floats[1], floats[2], floats[3]
	rec.MinLat, rec.MaxLat, rec.MinLon, rec.MaxLon = floats[4], floats[5], floats[6], floats[7]
	if flags&recordFlagHasPosition == 0 {
		rec.Weight = 0
	}

	rec.Samples = binary.BigEndian.Uint64(raw[off:])
	off += 8
	rec.FirstSeen = timeOrZero(int64(binary.BigEndian.Uint64(raw[off:])))
	off += 8
	rec.LastSeen = timeOrZero(int64(binary.BigEndian.Uint64(raw[off:])))
	off += 8
	rec.BlockedAt = timeOrZero(int64(binary.BigEndian.Uint64(raw[off:])))
	off += 8

	lens := make([]int, 4)
	for i := range lens {
		lens[i] = int(binary.BigEndian.Uint16(raw[off:]))
		off += 2
	}
	if recordHeaderSize+lens[0]+lens[1]+lens[2]+lens[3] > len(raw) {
		return Record{}, errInvalidRecord
	}
	off = recordHeaderSize
	rec.BlockReason = string(raw[off : off+lens[0]])
	off += lens[0]
	rec.GridArea = string(raw[off : off+lens[1]])
	off += lens[1]
	rec.CellArea = string(raw[off : off+lens[2]])
	off += lens[2]
	rec.Country = string(raw[off : off+lens[3]])
	return rec, nil
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func decodeCount(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, errors.New("stationstore: invalid count metadata")
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}
