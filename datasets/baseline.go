package datasets

import (
	"fmt"
	"math"
)

// CommonSenseMAE measures the mean absolute error, in normalized units, of
// the naive forecast that predicts each target as the last target-channel
// value in its window. It pulls steps batches from g, so it advances the
// generator's cursor; callers normally use a dedicated generator for it.
//
// The result is the bar a trained model has to clear: multiply by the target
// channel's standard deviation (NormStats.DenormalizeSpread) to express it in
// physical units.
func CommonSenseMAE(g *WindowGenerator, steps int) (float32, error) {
	if steps <= 0 {
		return 0, fmt.Errorf("steps must be positive, got %d", steps)
	}

	ch := g.Config.TargetChannel
	var total float64
	var count int
	for s := 0; s < steps; s++ {
		batch, err := g.NextBatch()
		if err != nil {
			return 0, fmt.Errorf("failed to pull baseline batch %d: %w", s, err)
		}
		for i, window := range batch.Windows {
			pred := window[len(window)-1][ch]
			total += math.Abs(float64(pred - batch.Targets[i]))
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no samples pulled over %d steps", steps)
	}
	return float32(total / float64(count)), nil
}
