package segmentation

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/menta2k/sticker-maker/pkg/types"
)

var (
	ErrSeedOutOfRange         = errors.New("seed point outside the unit square")
	ErrInstanceMapUnavailable = errors.New("instance map buffer is not available")
)

// Origin describes the row order of a label buffer.
type Origin int

const (
	// OriginTopLeft stores row 0 at the top of the image.
	OriginTopLeft Origin = iota
	// OriginBottomLeft stores row 0 at the bottom of the image.
	OriginBottomLeft
)

// InstanceMap is a per-pixel instance label buffer produced by a
// segmentation service. Label 0 is background. The buffer may be released by
// its owner at any time, so every read happens under the lock.
type InstanceMap struct {
	mu     sync.Mutex
	labels []uint8
	width  int
	height int
	origin Origin
}

// NewInstanceMap wraps a row-major label buffer.
func NewInstanceMap(labels []uint8, width, height int, origin Origin) (*InstanceMap, error) {
	if width <= 0 || height <= 0 || len(labels) != width*height {
		return nil, fmt.Errorf("invalid instance map: %dx%d with %d labels", width, height, len(labels))
	}
	return &InstanceMap{labels: labels, width: width, height: height, origin: origin}, nil
}

func (m *InstanceMap) Width() int     { return m.width }
func (m *InstanceMap) Height() int    { return m.height }
func (m *InstanceMap) Origin() Origin { return m.origin }

// LabelAt returns the instance label under a normalized top-left point.
// Coordinates are mapped onto the last pixel index (x*(w-1), y*(h-1)).
// Exactly one sample is read while the buffer is locked.
func (m *InstanceMap) LabelAt(p types.Point) (uint8, error) {
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
		return 0, fmt.Errorf("%w: (%.3f, %.3f)", ErrSeedOutOfRange, p.X, p.Y)
	}

	x := int(p.X * float64(m.width-1))
	y := int(p.Y * float64(m.height-1))
	if m.origin == OriginBottomLeft {
		y = m.height - 1 - y
	}

	m.mu.Lock()
	if m.labels == nil {
		m.mu.Unlock()
		return 0, ErrInstanceMapUnavailable
	}
	label := m.labels[y*m.width+x]
	m.mu.Unlock()

	return label, nil
}

// Release drops the buffer. Later reads fail with ErrInstanceMapUnavailable.
func (m *InstanceMap) Release() {
	m.mu.Lock()
	m.labels = nil
	m.mu.Unlock()
}
