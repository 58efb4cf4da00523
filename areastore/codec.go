package areastore

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

const (
	recordVersion    = 1
	recordHeaderSize = 66
)

var errInvalidRecord = errors.New("areastore: invalid record encoding")

func encodeRecord(rec Record) []byte {
	buf := make([]byte, recordHeaderSize)
	buf[0] = recordVersion
	buf[1] = 0
	off := 2
	binary.BigEndian.PutUint64(buf[off:], rec.Stations)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], rec.Blocked)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], rec.Observations)
	off += 8
	for _, v := range []float64{rec.Lat, rec.Lon, rec.RadiusM, rec.Quality} {
		binary.BigEndian.PutUint64(buf[off:], math.Float64bits(v))
		off += 8
	}
	binary.BigEndian.PutUint64(buf[off:], uint64(rec.RecomputedAt.UTC().Unix()))
	return buf
}

func decodeRecord(areaID string, raw []byte) (Record, error) {
	if len(raw) < recordHeaderSize || raw[0] != recordVersion {
		return Record{}, errInvalidRecord
	}
	rec := Record{AreaID: areaID}
	off := 2
	rec.Stations = binary.BigEndian.Uint64(raw[off:])
	off += 8
	rec.Blocked = binary.BigEndian.Uint64(raw[off:])
	off += 8
	rec.Observations = binary.BigEndian.Uint64(raw[off:])
	off += 8
	floats := make([]float64, 4)
	for i := range floats {
		floats[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[off:]))
		off += 8
	}
	rec.Lat, rec.Lon, rec.RadiusM, rec.Quality = floats[0], floats[1], floats[2], floats[3]
	rec.RecomputedAt = time.Unix(int64(binary.BigEndian.Uint64(raw[off:])), 0).UTC()
	return rec, nil
}
