package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Classification(t *testing.T) {
	cause := errors.New("segmenter offline")
	err := fmt.Errorf("photo 42: %w", NewError(KindMaskGenerationFailed, StateMaskGenerating, cause))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindMaskGenerationFailed, kind)
	assert.True(t, IsKind(err, KindMaskGenerationFailed))
	assert.False(t, IsKind(err, KindEncodingFailed))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "mask_generation_failed during mask_generating")

	_, ok = KindOf(cause)
	assert.False(t, ok)
	assert.False(t, IsKind(nil, KindNoSubjectDetected))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "contour_extracting", StateContourExtracting.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateCropping.Terminal())
}
