// Package bucket maps seeds to stable percentage buckets.
package bucket

import (
	"math"
	"strings"

	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"github.com/spaolacci/murmur3"
)

// Anonymous is the seed used when a context carries no identifier at all.
const Anonymous = "anon"

// Bucket hashes seed with MurmurHash3 x86_32 (seed 0) into [0,100).
func Bucket(seed string) int {
	return int(murmur3.Sum32([]byte(seed)) % 100)
}

// PctHit reports whether seed falls inside the first round(pct) buckets.
// Raising pct only ever adds members.
func PctHit(seed string, pct float64) bool {
	if math.IsNaN(pct) {
		return false
	}
	return float64(Bucket(seed)) < math.Floor(pct+0.5)
}

// Key joins seed components with "|", e.g. Key(flag, ns, value).
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// SeedValue picks the identifier to hash: the seedBy dimension (fallback when
// seedBy is empty) if populated, else the fixed order userId, cookie, anonId,
// ipUa, "anon".
func SeedValue(seedBy constraints.SeedBy, seeds v1.Seeds, fallback constraints.SeedBy) string {
	if seedBy == "" {
		seedBy = fallback
	}
	if v := pick(seedBy, seeds); v != "" {
		return v
	}
	for _, s := range []string{seeds.UserID, seeds.Cookie, seeds.AnonID, seeds.IPUA} {
		if s != "" {
			return s
		}
	}
	return Anonymous
}

func pick(by constraints.SeedBy, seeds v1.Seeds) string {
	switch by {
	case constraints.SeedByUserID:
		return seeds.UserID
	case constraints.SeedByCookie:
		return seeds.Cookie
	case constraints.SeedByAnonID:
		return seeds.AnonID
	case constraints.SeedByIPUA:
		return seeds.IPUA
	case constraints.SeedByNamespace:
		return seeds.Namespace
	}
	return ""
}
