package convert

import (
	"context"
	"encoding/json"
	"time"

	"score-conversion-service/internal/domain/model"
	"score-conversion-service/internal/domain/ports/adapter"
)

var _ adapter.ScoreConverter = (*NoopConverter)(nil)

// NoopConverter is the dev-mode converter: it walks the real pipeline stages
// on a fixed cadence and emits an empty playback score. StageDelay is also
// the worst-case cancellation latency, since checkpoints sit between stages.
type NoopConverter struct {
	StageDelay time.Duration
}

func NewNoopConverter(stageDelay time.Duration) *NoopConverter {
	if stageDelay <= 0 {
		stageDelay = 200 * time.Millisecond
	}
	return &NoopConverter{StageDelay: stageDelay}
}

var stages = []struct {
	pct   int
	stage string
}{
	{10, "saving uploaded document"},
	{30, "recognizing notation"},
	{60, "building playback score"},
	{90, "finalizing artifact"},
}

func (c *NoopConverter) Convert(ctx context.Context, spec model.JobSpec, report adapter.ProgressFunc) (adapter.Artifact, error) {
	for _, s := range stages {
		if err := report(s.pct, s.stage); err != nil {
			return adapter.Artifact{}, err
		}
		select {
		case <-ctx.Done():
			return adapter.Artifact{}, ctx.Err()
		case <-time.After(c.StageDelay):
		}
	}

	data, _ := json.Marshal(map[string]any{
		"title":    spec.Title,
		"composer": spec.Composer,
		"tempoBpm": 120,
		"events":   []any{},
	})
	return adapter.Artifact{ContentType: "application/json", Data: data}, nil
}
