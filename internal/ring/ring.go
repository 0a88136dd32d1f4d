// Package ring implements the bundle hash ring: the deterministic mapping
// from a topic's canonical name to a 32-bit hash, and from that hash to
// the bundle (contiguous half-open key range) that contains it.
//
// The hash function is fixed to 32-bit FNV-1a over the canonical topic
// byte string and never reimplemented elsewhere.
package ring

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/topicmesh/broker/errs"
)

// MaxHash is the exclusive upper bound of the hash space, 2^32.
const MaxHash uint64 = 1 << 32

// HashOf returns the deterministic 32-bit ring hash of a canonical topic
// byte string (the `<property>/<cluster>/<namespace>/<local>` portion;
// callers pass the already-extracted portion).
func HashOf(canonical string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(canonical))
	return h.Sum32()
}

// Bundles is a namespace's bundles descriptor: a sorted, strictly
// increasing list of boundaries where boundaries[0] == 0 and
// boundaries[len-1] == 2^32-1. The N bundles are [b_i, b_{i+1}).
type Bundles struct {
	Boundaries []uint32
}

// Count returns the number of bundles this descriptor describes.
func (b Bundles) Count() int {
	if len(b.Boundaries) < 2 {
		return 0
	}
	return len(b.Boundaries) - 1
}

// Bundle is a single half-open hash range, the unit of ownership.
type Bundle struct {
	Index int
	Lo    uint32
	Hi    uint64 // may be MaxHash, which does not fit in uint32
}

// Name renders the bundle as "0x%08x_0x%08x".
func (b Bundle) Name() string {
	return fmt.Sprintf("0x%08x_0x%08x", b.Lo, b.Hi)
}

// Default builds the default bundles descriptor for K bundles: segment
// size s = 2^32 / K, boundaries [0, s, 2s, ..., (K-1)s, 2^32-1].
func Default(k int) (Bundles, error) {
	if k < 1 {
		return Bundles{}, errs.New(errs.KindInvalidBundles, "bundle count must be >= 1, got %d", k)
	}
	if uint64(k) > MaxHash {
		return Bundles{}, errs.New(errs.KindInvalidBundles, "bundle count must be <= 2^32, got %d", k)
	}
	segment := MaxHash / uint64(k)
	boundaries := make([]uint32, 0, k+1)
	boundaries = append(boundaries, 0)
	for i := 1; i < k; i++ {
		boundaries = append(boundaries, uint32(uint64(i)*segment))
	}
	boundaries = append(boundaries, uint32(MaxHash-1))
	return Bundles{Boundaries: boundaries}, nil
}

// Validate parses and validates an externally supplied bundles
// descriptor: boundaries are deduplicated and sorted, the first must be
// 0 and the last must be 2^32-1 (or the max uint32 equivalent), and the
// resulting sequence must be strictly increasing with at least 2 entries.
func Validate(boundaries []uint32) (Bundles, error) {
	if len(boundaries) < 2 {
		return Bundles{}, errs.New(errs.KindInvalidBundles, "need at least 2 boundaries, got %d", len(boundaries))
	}
	dedup := make([]uint32, 0, len(boundaries))
	seen := make(map[uint32]struct{}, len(boundaries))
	for _, b := range boundaries {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		dedup = append(dedup, b)
	}
	sort.Slice(dedup, func(i, j int) bool { return dedup[i] < dedup[j] })

	if dedup[0] != 0 {
		return Bundles{}, errs.New(errs.KindInvalidBundles, "first boundary must be 0, got 0x%08x", dedup[0])
	}
	if dedup[len(dedup)-1] != uint32(MaxHash-1) {
		return Bundles{}, errs.New(errs.KindInvalidBundles, "last boundary must be 0x%08x, got 0x%08x", uint32(MaxHash-1), dedup[len(dedup)-1])
	}
	for i := 1; i < len(dedup); i++ {
		if dedup[i] <= dedup[i-1] {
			return Bundles{}, errs.New(errs.KindInvalidBundles, "boundaries must be strictly increasing at index %d", i)
		}
	}
	return Bundles{Boundaries: dedup}, nil
}

// BundleFor returns the unique bundle containing hash, given bundles.
// Ties never occur since boundaries are strictly increasing.
func BundleFor(hash uint32, bundles Bundles) (Bundle, error) {
	n := bundles.Count()
	if n == 0 {
		return Bundle{}, errs.New(errs.KindInvalidBundles, "empty bundles descriptor")
	}
	// boundaries[i] <= hash < boundaries[i+1]; the last bundle's hi is
	// conceptually 2^32 (exclusive), even though boundaries stores
	// 2^32-1 as its final, inclusive marker.
	i := sort.Search(len(bundles.Boundaries), func(i int) bool {
		return bundles.Boundaries[i] > hash
	}) - 1
	if i < 0 {
		i = 0
	}
	if i >= n {
		i = n - 1
	}
	hi := uint64(bundles.Boundaries[i+1])
	if i == n-1 {
		hi = MaxHash
	}
	return Bundle{Index: i, Lo: bundles.Boundaries[i], Hi: hi}, nil
}

// ParseName parses a bundle name of the "0x%08x_0x%08x" form Name
// produces, recovering its Lo/Hi range (Index is not recoverable from
// the name alone and is left zero).
func ParseName(name string) (Bundle, error) {
	var lo uint32
	var hi uint64
	// no scan width: the last bundle's Hi (2^32) has nine hex digits.
	if _, err := fmt.Sscanf(name, "0x%x_0x%x", &lo, &hi); err != nil {
		return Bundle{}, errs.Wrap(errs.KindInvalidBundles, err, "parse bundle name %q", name)
	}
	return Bundle{Lo: lo, Hi: hi}, nil
}

// Split computes the two sub-bundle boundaries resulting from splitting
// bundle b at its range midpoint.
func Split(b Bundle) (lower, upper Bundle) {
	mid := b.Lo + uint32((b.Hi-uint64(b.Lo))/2)
	if mid <= b.Lo {
		mid = b.Lo + 1
	}
	lower = Bundle{Lo: b.Lo, Hi: uint64(mid)}
	upper = Bundle{Lo: mid, Hi: b.Hi}
	return lower, upper
}
