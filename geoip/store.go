// Package geoip resolves client network addresses to a country-level
// fallback position. Range data lives in a read-only Pebble database built
// from a CSV snapshot; the static country table in countries.go turns the
// resolved code into a usable centroid.
package geoip

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	storeVersion = 1

	prefixV4 = byte('4')
	prefixV6 = byte('6')

	currentFile = "CURRENT_DB"

	metaVersion = "meta|version"
	metaBuiltAt = "meta|built_at"
	metaRows    = "meta|rows"
)

var (
	v4Lower = []byte{prefixV4}
	v4Upper = []byte{prefixV4 + 1}
	v6Lower = []byte{prefixV6}
	v6Upper = []byte{prefixV6 + 1}
)

// Store provides country lookups over sorted, non-overlapping IP ranges.
type Store struct {
	db      *pebble.DB
	cache   *pebble.Cache
	builtAt time.Time
}

// Open opens an existing range database for lookups.
func Open(path string, cacheBytes int64) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("geoip: database path is empty")
	}
	opts := &pebble.Options{ReadOnly: true}
	if cacheBytes > 0 {
		opts.Cache = pebble.NewCache(cacheBytes)
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(10),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		if opts.Cache != nil {
			opts.Cache.Unref()
		}
		return nil, fmt.Errorf("geoip: open: %w", err)
	}
	s := &Store{db: db, cache: opts.Cache}
	if version, err := readMetaInt(db, metaVersion); err == nil && version != storeVersion {
		s.Close()
		return nil, fmt.Errorf("geoip: database version %d unsupported (expected %d)", version, storeVersion)
	}
	if builtAt, err := readMetaTime(db, metaBuiltAt); err == nil {
		s.builtAt = builtAt
	}
	return s, nil
}

// Close releases Pebble resources.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.cache != nil {
		s.cache.Unref()
	}
	return nil
}

// BuiltAt reports when the loaded snapshot was imported.
func (s *Store) BuiltAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.builtAt
}

// Country returns the ISO code of the range covering addr, or false when
// no range covers it.
func (s *Store) Country(addr netip.Addr) (string, bool) {
	if s == nil || s.db == nil || !addr.IsValid() {
		return "", false
	}
	if addr.Is4() || addr.Is4In6() {
		return s.lookupV4(addr.Unmap())
	}
	return s.lookupV6(addr)
}

func (s *Store) lookupV4(addr netip.Addr) (string, bool) {
	ip := binary.BigEndian.Uint32(addrBytes4(addr))
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: v4Lower, UpperBound: v4Upper})
	if err != nil {
		return "", false
	}
	defer iter.Close()

	key := makeV4Key(ip)
	if !iter.SeekGE(key) {
		iter.Last()
	} else if bytes.Compare(iter.Key(), key) > 0 {
		iter.Prev()
	}
	if !iter.Valid() {
		return "", false
	}
	endBytes, country, ok := decodeValue(iter.Value(), 4)
	if !ok {
		return "", false
	}
	if ip > binary.BigEndian.Uint32(endBytes) {
		return "", false
	}
	return country, true
}

func (s *Store) lookupV6(addr netip.Addr) (string, bool) {
	ip := addr.As16()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: v6Lower, UpperBound: v6Upper})
	if err != nil {
		return "", false
	}
	defer iter.Close()

	key := makeV6Key(ip)
	if !iter.SeekGE(key) {
		iter.Last()
	} else if bytes.Compare(iter.Key(), key) > 0 {
		iter.Prev()
	}
	if !iter.Valid() {
		return "", false
	}
	endBytes, country, ok := decodeValue(iter.Value(), 16)
	if !ok {
		return "", false
	}
	if bytes.Compare(ip[:], endBytes) > 0 {
		return "", false
	}
	return country, true
}

// Build imports a CSV snapshot into a fresh database directory under
// rootDir and returns its path. Expected columns: a range (start_ip/end_ip
// or a cidr/network column) and a country code column. Rows must be sorted
// by range start without overlaps within each address family.
func Build(ctx context.Context, csvPath, rootDir string) (string, error) {
	if strings.TrimSpace(csvPath) == "" {
		return "", errors.New("geoip: csv path is empty")
	}
	if strings.TrimSpace(rootDir) == "" {
		return "", errors.New("geoip: root path is empty")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return "", fmt.Errorf("geoip: root mkdir: %w", err)
	}

	dbPath := filepath.Join(rootDir, fmt.Sprintf("db-%s", time.Now().UTC().Format("20060102-150405")))
	var db *pebble.DB
	cleanup := func(err error) (string, error) {
		if db != nil {
			_ = db.Close()
		}
		_ = os.RemoveAll(dbPath)
		return "", err
	}
	db, err := pebble.Open(dbPath, &pebble.Options{
		DisableWAL:            true,
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 16,
	})
	if err != nil {
		return cleanup(fmt.Errorf("geoip: open for build: %w", err))
	}

	file, err := os.Open(csvPath)
	if err != nil {
		return cleanup(err)
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(file))
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return cleanup(fmt.Errorf("geoip: csv header: %w", err))
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	startIdx := headerIndex(header, "start_ip", "start", "range_start")
	endIdx := headerIndex(header, "end_ip", "end", "range_end")
	cidrIdx := headerIndex(header, "cidr", "network", "prefix")
	countryIdx := headerIndex(header, "country_code", "countrycode", "country")
	if (startIdx < 0 && cidrIdx < 0) || countryIdx < 0 {
		return cleanup(errors.New("geoip: csv missing range or country columns"))
	}

	batch := db.NewBatch()
	defer batch.Close()
	const batchLimit = 20000
	rows := 0
	var lastV4 uint32
	var haveV4 bool
	var lastV6 [16]byte
	var haveV6 bool

	for {
		if err := ctx.Err(); err != nil {
			return cleanup(err)
		}
		row, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return cleanup(fmt.Errorf("geoip: csv read: %w", err))
		}
		start, end, ok := parseRange(row, startIdx, endIdx, cidrIdx)
		if !ok {
			continue
		}
		country := strings.ToUpper(strings.TrimSpace(fieldAt(row, countryIdx)))
		if country == "" {
			continue
		}
		if start.Is4() {
			start4 := binary.BigEndian.Uint32(addrBytes4(start))
			if haveV4 && start4 <= lastV4 {
				return cleanup(fmt.Errorf("geoip: v4 ranges out of order or overlapping at %s", start))
			}
			haveV4 = true
			lastV4 = binary.BigEndian.Uint32(addrBytes4(end))
			value := encodeValue(addrBytes4(end), country)
			if err := batch.Set(makeV4Key(start4), value, pebble.NoSync); err != nil {
				return cleanup(err)
			}
		} else {
			start16 := start.As16()
			end16 := end.As16()
			if haveV6 && bytes.Compare(start16[:], lastV6[:]) <= 0 {
				return cleanup(fmt.Errorf("geoip: v6 ranges out of order or overlapping at %s", start))
			}
			haveV6 = true
			lastV6 = end16
			if err := batch.Set(makeV6Key(start16), encodeValue(end16[:], country), pebble.NoSync); err != nil {
				return cleanup(err)
			}
		}
		rows++
		if rows%batchLimit == 0 {
			if err := batch.Commit(pebble.NoSync); err != nil {
				return cleanup(err)
			}
			batch.Reset()
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return cleanup(err)
	}
	if err := db.Set([]byte(metaVersion), []byte(fmt.Sprintf("%d", storeVersion)), pebble.NoSync); err != nil {
		return cleanup(err)
	}
	if err := db.Set([]byte(metaBuiltAt), []byte(fmt.Sprintf("%d", time.Now().UTC().Unix())), pebble.NoSync); err != nil {
		return cleanup(err)
	}
	if err := db.Set([]byte(metaRows), []byte(fmt.Sprintf("%d", rows)), pebble.NoSync); err != nil {
		return cleanup(err)
	}
	if err := db.Flush(); err != nil {
		return cleanup(err)
	}
	if err := db.Close(); err != nil {
		db = nil
		return cleanup(err)
	}
	db = nil
	return dbPath, nil
}

// CurrentPath resolves the active database directory under rootDir via the
// CURRENT_DB pointer file.
func CurrentPath(rootDir string) (string, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return "", errors.New("geoip: root path is empty")
	}
	if data, err := os.ReadFile(filepath.Join(rootDir, currentFile)); err == nil {
		if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
			return filepath.Join(rootDir, trimmed), nil
		}
	}
	return filepath.Join(rootDir, "db"), nil
}

// SetCurrent atomically repoints CURRENT_DB at dbPath and removes stale
// db directories left by earlier builds.
func SetCurrent(rootDir, dbPath string) error {
	rel, err := filepath.Rel(rootDir, dbPath)
	if err != nil {
		return err
	}
	tmp := filepath.Join(rootDir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(rel), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(rootDir, currentFile)); err != nil {
		return err
	}
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "db") {
			continue
		}
		full := filepath.Join(rootDir, entry.Name())
		if full == dbPath {
			continue
		}
		_ = os.RemoveAll(full)
	}
	return nil
}

func addrBytes4(addr netip.Addr) []byte {
	b := addr.As4()
	return b[:]
}

func makeV4Key(start uint32) []byte {
	var buf [5]byte
	buf[0] = prefixV4
	binary.BigEndian.PutUint32(buf[1:], start)
	return buf[:]
}

func makeV6Key(start [16]byte) []byte {
	var buf [17]byte
	buf[0] = prefixV6
	copy(buf[1:], start[:])
	return buf[:]
}

func encodeValue(end []byte, country string) []byte {
	out := make([]byte, 0, len(end)+len(country)+2)
	out = append(out, end...)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(country)))
	out = append(out, lenBuf[:n]...)
	return append(out, country...)
}

func decodeValue(data []byte, endLen int) ([]byte, string, bool) {
	if len(data) < endLen {
		return nil, "", false
	}
	end := data[:endLen]
	rest := data[endLen:]
	countryLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, "", false
	}
	rest = rest[n:]
	if int(countryLen) > len(rest) {
		return nil, "", false
	}
	return end, string(rest[:countryLen]), true
}

func headerIndex(header []string, names ...string) int {
	for _, name := range names {
		for i, col := range header {
			if col == name {
				return i
			}
		}
	}
	return -1
}

func fieldAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

func parseRange(row []string, startIdx, endIdx, cidrIdx int) (netip.Addr, netip.Addr, bool) {
	if cidr := strings.TrimSpace(fieldAt(row, cidrIdx)); cidr != "" {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, false
		}
		return prefix.Addr(), lastAddr(prefix), true
	}
	start, err := netip.ParseAddr(strings.TrimSpace(fieldAt(row, startIdx)))
	if err != nil {
		return netip.Addr{}, netip.Addr{}, false
	}
	end, err := netip.ParseAddr(strings.TrimSpace(fieldAt(row, endIdx)))
	if err != nil {
		return netip.Addr{}, netip.Addr{}, false
	}
	if start.Is4() != end.Is4() || end.Less(start) {
		return netip.Addr{}, netip.Addr{}, false
	}
	return start, end, true
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	addr := prefix.Addr()
	if addr.Is4() {
		b := addr.As4()
		ip := binary.BigEndian.Uint32(b[:])
		hostBits := 32 - prefix.Bits()
		if hostBits > 0 {
			ip |= (1 << hostBits) - 1
		}
		binary.BigEndian.PutUint32(b[:], ip)
		return netip.AddrFrom4(b)
	}
	b := addr.As16()
	hostBits := 128 - prefix.Bits()
	for i := 15; i >= 0 && hostBits > 0; i-- {
		if hostBits >= 8 {
			b[i] = 0xFF
			hostBits -= 8
			continue
		}
		b[i] |= (1 << hostBits) - 1
		hostBits = 0
	}
	return netip.AddrFrom16(b)
}

func readMetaInt(db *pebble.DB, key string) (int, error) {
	data, closer, err := db.Get([]byte(key))
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	var value int
	if _, err := fmt.Sscanf(string(data), "%d", &value); err != nil {
		return 0, err
	}
	return value, nil
}

func readMetaTime(db *pebble.DB, key string) (time.Time, error) {
	unix, err := readMetaInt(db, key)
	if err != nil {
		return time.Time{}, err
	}
	if unix <= 0 {
		return time.Time{}, errors.New("geoip: invalid meta time")
	}
	return time.Unix(int64(unix), 0).UTC(), nil
}
