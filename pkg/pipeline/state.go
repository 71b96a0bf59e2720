package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// State is a stage of a single pipeline run.
type State int

const (
	StateStart State = iota
	StateDetecting
	StateMaskGenerating
	StateContourExtracting
	StateCompositing
	StateCropping
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:             "start",
	StateDetecting:         "detecting",
	StateMaskGenerating:    "mask_generating",
	StateContourExtracting: "contour_extracting",
	StateCompositing:       "compositing",
	StateCropping:          "cropping",
	StateDone:              "done",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition describes one state change of a run.
type Transition struct {
	SourceID string
	From     State
	To       State
	At       time.Time
	Err      error
}

// Observer is notified of every transition. Implementations must be safe
// for concurrent use when the orchestrator is shared.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// LoggingObserver logs transitions at debug level and failures at warn.
type LoggingObserver struct {
	log logrus.FieldLogger
}

func NewLoggingObserver(l logrus.FieldLogger) *LoggingObserver {
	return &LoggingObserver{log: l}
}

func (o *LoggingObserver) OnTransition(_ context.Context, t Transition) {
	entry := o.log.WithFields(logrus.Fields{
		"source": t.SourceID,
		"from":   t.From.String(),
		"to":     t.To.String(),
	})
	if t.To == StateFailed {
		entry.WithError(t.Err).Warn("sticker pipeline failed")
		return
	}
	entry.Debug("sticker pipeline transition")
}
