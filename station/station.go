// Package station defines the station identity model: radio kinds, normalized
// station keys, and the static shard topology that routes every key to exactly
// one shard. The aggregator and the scheduler both consult this package so
// write routing and job enumeration agree on partitioning.
package station

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// Kind identifies the radio technology of a station.
type Kind string

const (
	KindWifi      Kind = "wifi"
	KindBluetooth Kind = "bluetooth"
	KindCell      Kind = "cell"
)

// Kinds lists all station kinds in descending locate precision order.
// The order is load-bearing: the locate engine walks it for fallback.
var Kinds = []Kind{KindWifi, KindBluetooth, KindCell}

// shardCounts is fixed at startup. Changing a count re-routes every key of
// that kind, so counts are compile-time constants rather than config.
var shardCounts = map[Kind]int{
	KindWifi:      16,
	KindBluetooth: 16,
	KindCell:      16,
}

var (
	errEmptyID   = errors.New("station: empty identifier")
	errBadKind   = errors.New("station: unknown kind")
	errLongID    = errors.New("station: identifier too long")
	errBadMACLen = errors.New("station: mac identifier must be 12 hex chars")
)

const maxIdentifierLen = 64

// Key uniquely identifies one station. Immutable once built via MakeKey.
type Key struct {
	Kind Kind
	ID   string
}

// MakeKey validates and normalizes an identifier into a Key.
// Wifi and bluetooth identifiers are MAC addresses: separators are stripped
// and hex digits lowercased. Cell identifiers are opaque tuples
// (radio:mcc:mnc:lac:cid) and only get trimmed and lowercased.
func MakeKey(kind Kind, id string) (Key, error) {
	if _, ok := shardCounts[kind]; !ok {
		return Key{}, fmt.Errorf("%w: %q", errBadKind, kind)
	}
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return Key{}, errEmptyID
	}
	if len(id) > maxIdentifierLen {
		return Key{}, errLongID
	}
	if kind == KindWifi || kind == KindBluetooth {
		id = strings.Map(dropMACSeparator, id)
		if len(id) != 12 || !isHex(id) {
			return Key{}, errBadMACLen
		}
	}
	return Key{Kind: kind, ID: id}, nil
}

// ShardID returns the shard this key routes to, as a lowercase hex digit
// string. Deterministic: xxh3 of the identifier mod the kind's shard count.
func (k Key) ShardID() string {
	n := shardCounts[k.Kind]
	if n <= 0 {
		n = 1
	}
	return fmt.Sprintf("%x", xxh3.HashString(k.ID)%uint64(n))
}

// String renders the key for log lines and index entries.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// Shards returns the ordered shard ids for a kind. The scheduler enumerates
// this to fan out per-shard aggregation jobs; the store derives its key
// prefixes from the same list.
func Shards(kind Kind) []string {
	n := shardCounts[kind]
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("%x", i))
	}
	return ids
}

// ShardCount reports how many shards a kind has.
func ShardCount(kind Kind) int {
	return shardCounts[kind]
}

// Rank returns the precision rank of a kind, 0 being the most precise.
// The locate engine consults sources in ascending rank order.
func Rank(kind Kind) int {
	for i, k := range Kinds {
		if k == kind {
			return i
		}
	}
	return len(Kinds)
}

// CellAreaID derives the coverage-area identifier from a cell identifier
// by dropping the cell id component: "gsm:262:1:12345:67890" belongs to
// area "gsm:262:1:12345". Returns "" for malformed identifiers.
func CellAreaID(id string) string {
	parts := strings.Split(id, ":")
	if len(parts) != 5 {
		return ""
	}
	return strings.Join(parts[:4], ":")
}

func dropMACSeparator(r rune) rune {
	switch r {
	case ':', '-', '.':
		return -1
	}
	return r
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
