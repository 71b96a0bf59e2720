package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a photo did not become a sticker.
type Kind string

const (
	KindNoSubjectDetected       Kind = "no_subject_detected"
	KindMaskGenerationFailed    Kind = "mask_generation_failed"
	KindContourExtractionFailed Kind = "contour_extraction_failed"
	KindCropRegionInvalid       Kind = "crop_region_invalid"
	KindEncodingFailed          Kind = "encoding_failed"
	// KindLowQualitySource marks a photo skipped by policy. It is not a
	// failure.
	KindLowQualitySource Kind = "low_quality_source"
	// KindSourceUnavailable marks a photo that could not be fetched.
	KindSourceUnavailable Kind = "source_unavailable"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind  Kind
	Stage State
	Err   error
}

// NewError creates a classified error.
func NewError(kind Kind, stage State, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s during %s", e.Kind, e.Stage)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a pipeline error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a pipeline error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
