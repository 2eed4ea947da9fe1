package adapter

import (
	"context"

	"score-conversion-service/internal/domain/model"
)

// ProgressFunc is the checkpoint callback a converter must call between
// pipeline stages. Returning a non-nil error tells the converter to stop
// immediately and return that error (cancellation or timeout).
type ProgressFunc func(percent int, stage string) error

// ScoreConverter turns an uploaded document into a playback-score artifact.
// Implementations must call report at every natural stage boundary; the gap
// between two calls bounds the worst-case cancellation latency.
type ScoreConverter interface {
	Convert(ctx context.Context, spec model.JobSpec, report ProgressFunc) (Artifact, error)
}

// Artifact is the converter output before it is persisted.
type Artifact struct {
	ContentType string
	Data        []byte
}
