package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	v := CapabilityVector(true, true, true, false, 128_000)
	assert.InDelta(t, 1.0, float32(CosineSimilarity(v, v)), 1e-4)
}

func TestCosineSimilarityOrthogonalIsZero(t *testing.T) {
	a := FeatureVector{1, 0, 0, 0}
	b := FeatureVector{0, 1, 0, 0}
	assert.Equal(t, Score(0), CosineSimilarity(a, b))
}

func TestCosineSimilarityMismatchedLengthIsZero(t *testing.T) {
	a := FeatureVector{1, 0}
	b := FeatureVector{1, 0, 0}
	assert.Equal(t, Score(0), CosineSimilarity(a, b))
}

func TestCapabilityVectorNoCapabilitiesScoresLowAgainstFullCapability(t *testing.T) {
	none := CapabilityVector(false, false, false, false, 0)
	full := CapabilityVector(true, true, true, true, 1_000_000)
	assert.Less(t, float32(CosineSimilarity(none, full)), float32(0.5))
}
