package stages

import (
	"context"
	"time"
)

// Simulated waits for Delay and succeeds. It stands in for real stage work in
// development and tests.
type Simulated struct {
	Delay time.Duration
}

func (s Simulated) Run(ctx context.Context, in Input) (Output, error) {
	if s.Delay <= 0 {
		return Output{}, ctx.Err()
	}
	timer := time.NewTimer(s.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	case <-timer.C:
		return Output{}, nil
	}
}

// SimulatedPipeline uses Simulated for every stage.
func SimulatedPipeline(delay time.Duration) Pipeline {
	s := Simulated{Delay: delay}
	return Pipeline{Clone: s, Install: s, Build: s, Upload: s}
}
