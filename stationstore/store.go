// Package stationstore persists per-station aggregated state in a Pebble
// key/value store, sharded by the static topology in package station. The
// aggregator is the sole writer; the locate engine and area recomputation
// read concurrently. Every upsert is a single atomic replace of the encoded
// record, so readers never observe a half-updated station.
package stationstore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"radiolocate/station"
)

const (
	stationPrefix = "s|"
	areaPrefix    = "a|"
	metaCountKey  = "meta|count|"
)

var (
	errStoreClosed    = errors.New("stationstore: store is closed")
	errNotInitialized = errors.New("stationstore: store is not initialized")
)

const (
	defaultCacheSizeBytes        = int64(32 << 20)
	defaultBloomFilterBits       = 10
	defaultMemTableSizeBytes     = uint64(16 << 20)
	defaultL0CompactionThreshold = 4
	defaultL0StopWritesThreshold = 16
)

// Options controls Pebble tuning. Zero fields fall back to safe defaults.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = defaultL0StopWritesThreshold
		if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
			opts.L0StopWritesThreshold = opts.L0CompactionThreshold + 4
		}
	}
	return opts
}

// Record is the aggregated state of one station.
//
// Lat/Lon/AccuracyM/Weight form the mergeable estimate; Samples only grows;
// the Min/Max box tracks every position the station was ever observed at and
// feeds mobility detection. Records are never physically deleted by the
// pipeline, only marked blocked.
type Record struct {
	Key       station.Key
	Lat       float64
	Lon       float64
	AccuracyM float64
	Weight    float64
	Samples   uint64
	FirstSeen time.Time
	LastSeen  time.Time

	Blocked     bool
	BlockReason string
	BlockedAt   time.Time

	MinLat, MaxLat float64
	MinLon, MaxLon float64

	// Area memberships derived from the current estimate. The store keeps a
	// secondary index on these so area recomputation can enumerate members.
	GridArea string
	CellArea string
	Country  string
}

// HasPosition reports whether the record carries a usable estimate.
func (r Record) HasPosition() bool {
	return r.Weight > 0
}

// AreaIDs lists the area index entries this record belongs to.
func (r Record) AreaIDs() []string {
	var ids []string
	if r.GridArea != "" {
		ids = append(ids, "grid:"+r.GridArea)
	}
	if r.CellArea != "" {
		ids = append(ids, "cellarea:"+r.CellArea)
	}
	if r.Country != "" {
		ids = append(ids, "country:"+r.Country)
	}
	return ids
}

// ObservedSpanM returns the diagonal of the observed bounding box in meters.
// The aggregator compares this against the mobility threshold.
func (r Record) ObservedSpanM(distanceM func(lat1, lon1, lat2, lon2 float64) float64) float64 {
	if r.Samples == 0 || (r.MinLat == 0 && r.MaxLat == 0 && r.MinLon == 0 && r.MaxLon == 0) {
		return 0
	}
	return distanceM(r.MinLat, r.MinLon, r.MaxLat, r.MaxLon)
}

// Store manages the Pebble database holding station records.
//
// Writes are serialized per (kind, shard): concurrent upserts to different
// shards proceed in parallel, upserts within one shard apply one at a time.
// Each applied record is one atomic batch set, so torn reads are impossible.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache

	shardMu map[string]*sync.Mutex
	counts  map[station.Kind]*atomic.Int64

	// countMu serializes the persisted count across shards. Two shard
	// batches creating records concurrently would otherwise both read the
	// same count and the later commit would lose the earlier increment.
	countMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the station database and loads per-kind counts.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("stationstore: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("stationstore: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stationstore: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("stationstore: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
	}
	if opts.CacheSizeBytes > 0 {
		pebbleOpts.Cache = pebble.NewCache(opts.CacheSizeBytes)
	}
	if opts.BloomFilterBitsPerKey > 0 {
		level := pebble.LevelOptions{
			FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
			FilterType:   pebble.TableFilter,
		}
		pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
		for i := range pebbleOpts.Levels {
			pebbleOpts.Levels[i] = level
		}
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		if pebbleOpts.Cache != nil {
			pebbleOpts.Cache.Unref()
		}
		return nil, fmt.Errorf("stationstore: open: %w", err)
	}

	store := &Store{
		db:      db,
		cache:   pebbleOpts.Cache,
		shardMu: make(map[string]*sync.Mutex),
		counts:  make(map[station.Kind]*atomic.Int64),
	}
	for _, kind := range station.Kinds {
		for _, shard := range station.Shards(kind) {
			store.shardMu[shardLockKey(kind, shard)] = &sync.Mutex{}
		}
		counter := &atomic.Int64{}
		count, err := loadCount(db, kind)
		if err != nil {
			_ = db.Close()
			if store.cache != nil {
				store.cache.Unref()
			}
			return nil, err
		}
		counter.Store(count)
		store.counts[kind] = counter
	}
	return store, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Get fetches a record by key. Returns found=false when absent.
func (s *Store) Get(key station.Key) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, errNotInitialized
	}
	value, closer, err := s.db.Get(stationKeyBytes(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("stationstore: get %s: %w", key, err)
	}
	defer closer.Close()
	rec, err := decodeRecord(key, value)
	if err != nil {
		return Record{}, false, fmt.Errorf("stationstore: decode %s: %w", key, err)
	}
	return rec, true, nil
}

// Upsert applies mergeFn to the current record (zero-valued when absent) and
// writes the result back atomically. Serialized against other writes in the
// same shard.
func (s *Store) Upsert(key station.Key, mergeFn func(prior Record, found bool) Record) error {
	return s.UpsertShardBatch(key.Kind, key.ShardID(), []station.Key{key},
		func(_ station.Key, prior Record, found bool) Record {
			return mergeFn(prior, found)
		})
}

// UpsertShardBatch reads, merges, and rewrites a set of keys belonging to one
// shard as a single synced Pebble batch. The batch is the shard transaction
// the aggregator relies on for partial-failure isolation: either all of a
// shard group's updates commit or none do, and other shards are untouched.
func (s *Store) UpsertShardBatch(kind station.Kind, shardID string, keys []station.Key,
	mergeFn func(key station.Key, prior Record, found bool) Record) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if s.isClosed() {
		return errStoreClosed
	}
	if len(keys) == 0 {
		return nil
	}
	lock, ok := s.shardMu[shardLockKey(kind, shardID)]
	if !ok {
		return fmt.Errorf("stationstore: unknown shard %s/%s", kind, shardID)
	}
	lock.Lock()
	defer lock.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	created := int64(0)
	for _, key := range keys {
		if key.Kind != kind || key.ShardID() != shardID {
			return fmt.Errorf("stationstore: key %s routed to wrong shard %s/%s", key, kind, shardID)
		}
		prior, found, err := s.Get(key)
		if err != nil {
			return err
		}
		merged := mergeFn(key, prior, found)
		merged.Key = key
		if err := batch.Set(stationKeyBytes(key), encodeRecord(merged), nil); err != nil {
			return fmt.Errorf("stationstore: batch set %s: %w", key, err)
		}
		if err := applyAreaIndex(batch, key, prior, found, merged); err != nil {
			return err
		}
		if !found {
			created++
		}
	}

	counter := s.counts[kind]
	if created != 0 && counter != nil {
		// Hold countMu through the commit so the meta value on disk never
		// regresses below a count another shard already persisted.
		s.countMu.Lock()
		defer s.countMu.Unlock()
		newCount := counter.Load() + created
		if err := batch.Set(countKeyBytes(kind), encodeCount(newCount), nil); err != nil {
			return fmt.Errorf("stationstore: batch set count: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("stationstore: batch commit: %w", err)
	}
	if created != 0 && counter != nil {
		counter.Add(created)
	}
	return nil
}

// applyAreaIndex reconciles the secondary area index with the merged record.
func applyAreaIndex(batch *pebble.Batch, key station.Key, prior Record, found bool, merged Record) error {
	oldAreas := map[string]bool{}
	if found {
		for _, id := range prior.AreaIDs() {
			oldAreas[id] = true
		}
	}
	for _, id := range merged.AreaIDs() {
		if oldAreas[id] {
			delete(oldAreas, id)
			continue
		}
		if err := batch.Set(areaKeyBytes(id, key), nil, nil); err != nil {
			return fmt.Errorf("stationstore: batch set area idx %s: %w", id, err)
		}
	}
	for id := range oldAreas {
		if err := batch.Delete(areaKeyBytes(id, key), nil); err != nil {
			return fmt.Errorf("stationstore: batch delete area idx %s: %w", id, err)
		}
	}
	return nil
}

// ListByShard returns all records in one shard, used by area recomputation
// and bulk maintenance.
func (s *Store) ListByShard(kind station.Kind, shardID string) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	prefix := stationPrefix + string(kind) + "|" + shardID + "|"
	iter, err := s.db.NewIter(iterOptionsForPrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("stationstore: shard iterator: %w", err)
	}
	defer iter.Close()

	var list []Record
	for iter.First(); iter.Valid(); iter.Next() {
		key, ok := parseStationKey(iter.Key())
		if !ok {
			continue
		}
		rec, err := decodeRecord(key, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("stationstore: decode %s: %w", key, err)
		}
		list = append(list, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("stationstore: iterate shard: %w", err)
	}
	return list, nil
}

// StationsInArea lists the members of one area via the secondary index.
func (s *Store) StationsInArea(areaID string) ([]station.Key, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	prefix := areaPrefix + areaID + "|"
	iter, err := s.db.NewIter(iterOptionsForPrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("stationstore: area iterator: %w", err)
	}
	defer iter.Close()

	var keys []station.Key
	for iter.First(); iter.Valid(); iter.Next() {
		key, ok := parseAreaKey(iter.Key(), areaID)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("stationstore: iterate area: %w", err)
	}
	return keys, nil
}

// Areas enumerates the distinct area ids with the given prefix
// ("grid:", "cellarea:", "country:"). The scheduler uses this to fan out
// recomputation jobs.
func (s *Store) Areas(areaIDPrefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	prefix := areaPrefix + areaIDPrefix
	iter, err := s.db.NewIter(iterOptionsForPrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("stationstore: areas iterator: %w", err)
	}
	defer iter.Close()

	var ids []string
	last := ""
	for iter.First(); iter.Valid(); iter.Next() {
		id, ok := parseAreaID(iter.Key())
		if !ok || id == last {
			continue
		}
		ids = append(ids, id)
		last = id
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("stationstore: iterate areas: %w", err)
	}
	return ids, nil
}

// Count reports how many stations of a kind are stored.
func (s *Store) Count(kind station.Kind) int64 {
	if s == nil {
		return 0
	}
	counter := s.counts[kind]
	if counter == nil {
		return 0
	}
	return counter.Load()
}

func shardLockKey(kind station.Kind, shardID string) string {
	return string(kind) + "|" + shardID
}

func stationKeyBytes(key station.Key) []byte {
	return []byte(stationPrefix + string(key.Kind) + "|" + key.ShardID() + "|" + key.ID)
}

func parseStationKey(raw []byte) (station.Key, bool) {
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 || parts[0]+"|" != stationPrefix {
		return station.Key{}, false
	}
	return station.Key{Kind: station.Kind(parts[1]), ID: parts[3]}, true
}

func areaKeyBytes(areaID string, key station.Key) []byte {
	return []byte(areaPrefix + areaID + "|" + string(key.Kind) + "|" + key.ID)
}

func parseAreaKey(raw []byte, areaID string) (station.Key, bool) {
	rest := strings.TrimPrefix(string(raw), areaPrefix+areaID+"|")
	parts := strings.SplitN(rest, "|", 2)
	if len(parts) != 2 {
		return station.Key{}, false
	}
	return station.Key{Kind: station.Kind(parts[0]), ID: parts[1]}, true
}

func parseAreaID(raw []byte) (string, bool) {
	rest := strings.TrimPrefix(string(raw), areaPrefix)
	// Area ids never contain '|'; the first segment is the id.
	idx := strings.IndexByte(rest, '|')
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

func countKeyBytes(kind station.Kind) []byte {
	return []byte(metaCountKey + string(kind))
}

func loadCount(db *pebble.DB, kind station.Kind) (int64, error) {
	value, closer, err := db.Get(countKeyBytes(kind))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("stationstore: read count: %w", err)
	}
	defer closer.Close()
	count, err := decodeCount(value)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
