// Package match compares probe embeddings against a gallery snapshot.
package match

import (
	"math"

	"github.com/your-org/facewatch/internal/gallery"
	"github.com/your-org/facewatch/internal/models"
)

// MatchThreshold is the maximum Euclidean distance for a probe to be
// identified as a gallery entry.
const MatchThreshold = 0.6

// DedupeThreshold is the stricter distance used when deciding whether a probe
// is a near-duplicate of an already stored identity. It guards enrollment and
// unknown-identity creation against materializing the same person twice.
const DedupeThreshold = 0.5

// Result is the outcome of matching one embedding.
type Result struct {
	FaceID     int64
	Name       string
	Distance   float64
	Confidence float64
}

// Best returns the closest gallery entry within MatchThreshold, or ok=false
// when the snapshot is empty or nothing is close enough. Ties resolve to the
// first entry achieving the minimum; snapshot order is deterministic, so the
// result is stable for a given snapshot.
func Best(probe []float32, snap *gallery.Snapshot) (Result, bool) {
	return BestWithin(probe, snap, MatchThreshold)
}

// BestWithin is Best with an explicit distance threshold.
func BestWithin(probe []float32, snap *gallery.Snapshot, threshold float64) (Result, bool) {
	if snap == nil || snap.Len() == 0 {
		return Result{}, false
	}

	bestIdx := -1
	bestDist := math.Inf(1)
	for i := 0; i < snap.Len(); i++ {
		d := Distance(probe, snap.Embedding(i))
		if d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}

	if bestIdx < 0 || bestDist >= threshold {
		return Result{}, false
	}

	entry := snap.Entry(bestIdx)
	return Result{
		FaceID:     entry.ID,
		Name:       entry.Name,
		Distance:   bestDist,
		Confidence: math.Max(0, 1-bestDist),
	}, true
}

// IsDuplicate reports whether the probe is within DedupeThreshold of any
// gallery entry, returning the offending entry when it is.
func IsDuplicate(probe []float32, snap *gallery.Snapshot) (gallery.Entry, bool) {
	if snap == nil {
		return gallery.Entry{}, false
	}
	for i := 0; i < snap.Len(); i++ {
		if Distance(probe, snap.Embedding(i)) < DedupeThreshold {
			return snap.Entry(i), true
		}
	}
	return gallery.Entry{}, false
}

// Distance computes the Euclidean distance between two embeddings. Vectors of
// unequal length are maximally distant, which makes a malformed probe fall
// through to "unknown" instead of producing a bogus match.
func Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Label returns the display name for a match result, falling back to the
// unknown label when there was no match.
func Label(r Result, ok bool) string {
	if !ok {
		return models.UnknownLabel
	}
	return r.Name
}
