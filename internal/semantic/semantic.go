// Package semantic scores how well a backend's declared capabilities match
// a request's requirements, feeding the "quality" term of capability-based
// routing (spec.md §4.6). It uses a light cosine-similarity scorer instead
// of a real embedding model — math32/vek give float32 vector math, not
// semantics, so the vectors here are small hand-built feature encodings,
// not text embeddings.
package semantic

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// Score is on a fixed [0, 1] scale: 1 means the backend's feature vector
// points in exactly the same direction as the request's requirement
// vector, 0 means orthogonal or no declared capability at all. This
// resolves the open scale question left by capability-based routing in
// spec.md §9 — callers combine Score linearly with cost/latency terms.
type Score float32

// FeatureVector is a fixed-dimension encoding of a capability profile.
// Index meaning is defined by the caller (router) building both the
// request-requirement vector and each backend's declared vector with the
// same convention; semantic itself is agnostic to what each dimension
// represents.
type FeatureVector []float32

// CosineSimilarity returns the cosine of the angle between a and b,
// clamped into [0, 1] (negative cosine similarity is treated as 0 — a
// backend whose profile points away from the requirement is no better
// than one that declares nothing).
func CosineSimilarity(a, b FeatureVector) Score {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	dot := vek32.Dot(a, b)
	normA := math32.Sqrt(vek32.Dot(a, a))
	normB := math32.Sqrt(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (normA * normB)
	if cos < 0 {
		cos = 0
	}
	return Score(cos)
}

// CapabilityVector builds a FeatureVector from named boolean/weighted
// capability flags in a stable dimension order, so the router and each
// backend build vectors that line up positionally.
func CapabilityVector(streaming, multiModal, tools, jsonMode bool, maxContextTokens int) FeatureVector {
	b := func(v bool) float32 {
		if v {
			return 1
		}
		return 0
	}
	// context length is log-scaled against a generous ceiling so it
	// contributes without dwarfing the boolean dimensions.
	contextTerm := math32.Log1p(float32(maxContextTokens)) / math32.Log1p(2_000_000)
	if contextTerm > 1 {
		contextTerm = 1
	}
	return FeatureVector{b(streaming), b(multiModal), b(tools), b(jsonMode), contextTerm}
}
