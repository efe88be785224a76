// Package calibration derives a recommended decision threshold from a batch
// of reference images the operator asserts are genuine.
package calibration

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/morphgate/internal/classify"
	"github.com/example/morphgate/internal/gateway"
)

// Input is one reference image to score.
type Input struct {
	Data []byte
	Name string
}

// Bin is one equal-width histogram bucket over the score range.
type Bin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

// RunResult summarizes one completed calibration run. Samples holds only the
// inputs that scored successfully, in input order.
type RunResult struct {
	Samples     []gateway.ScoreSample
	Failures    int
	Recommended float64
}

// Engine scores reference batches and turns the resulting distribution into
// a threshold recommendation.
type Engine struct {
	scorer      gateway.Scorer
	thresholds  *classify.Store
	fraction    float64
	concurrency int
	logger      *zap.Logger
}

// New builds an engine. fraction is the share of genuine reference scores
// the recommended threshold must bound from above, e.g. 0.95.
func New(scorer gateway.Scorer, thresholds *classify.Store, fraction float64, concurrency int, logger *zap.Logger) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{
		scorer:      scorer,
		thresholds:  thresholds,
		fraction:    fraction,
		concurrency: concurrency,
		logger:      logger.Named("calibration"),
	}
}

// Run scores every input concurrently and joins on all of them; per-sample
// requests are independent and may resolve in any order. Failed samples are
// excluded and counted. The run fails outright only when the input set is
// empty (before any network call) or every sample fails.
func (e *Engine) Run(ctx context.Context, inputs []Input) (*RunResult, error) {
	if len(inputs) == 0 {
		return nil, gateway.NewError(gateway.KindNoSamples, "calibration run requires at least one reference image", nil)
	}

	samples := make([]*gateway.ScoreSample, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			sample, err := e.scorer.Score(gctx, input.Data, input.Name)
			if err != nil {
				e.logger.Warn("reference sample failed to score",
					zap.String("filename", input.Name),
					zap.String("error_kind", string(gateway.KindOf(err))),
					zap.Error(err))
				return nil // partial failure is tolerated, not fatal to the run
			}
			samples[i] = sample
			return nil
		})
	}
	_ = g.Wait()

	result := &RunResult{}
	for _, sample := range samples {
		if sample == nil {
			result.Failures++
			continue
		}
		result.Samples = append(result.Samples, *sample)
	}
	if len(result.Samples) == 0 {
		return nil, gateway.NewError(gateway.KindNoSamples, "every reference sample failed to score", nil)
	}

	recommended, err := e.Recommended(result.Samples)
	if err != nil {
		return nil, err
	}
	result.Recommended = recommended

	e.logger.Info("calibration run complete",
		zap.Int("scored", len(result.Samples)),
		zap.Int("failed", result.Failures),
		zap.Float64("recommended_threshold", recommended))
	return result, nil
}

// Recommended computes the smallest threshold such that at least the target
// fraction of the genuine reference scores fall at or below it: the
// ceil(fraction*n)-th order statistic. Deterministic for a given sample set.
func (e *Engine) Recommended(samples []gateway.ScoreSample) (float64, error) {
	if len(samples) == 0 {
		return 0, gateway.NewError(gateway.KindNoSamples, "cannot recommend a threshold from an empty sample set", nil)
	}

	scores := make([]float64, len(samples))
	for i, s := range samples {
		scores[i] = s.RawScore
	}
	sort.Float64s(scores)

	idx := int(math.Ceil(e.fraction*float64(len(scores)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scores) {
		idx = len(scores) - 1
	}

	recommended := scores[idx]
	min, max := e.thresholds.Range()
	if recommended < min {
		recommended = min
	}
	if recommended > max {
		recommended = max
	}
	return recommended, nil
}

// Histogram buckets the sample scores into binCount equal-width bins over
// the configured score range. Out-of-range scores clamp to the edge bins.
func (e *Engine) Histogram(samples []gateway.ScoreSample, binCount int) []Bin {
	min, max := e.thresholds.Range()
	if binCount < 1 {
		binCount = 1
	}
	width := (max - min) / float64(binCount)

	bins := make([]Bin, binCount)
	for i := range bins {
		bins[i].Low = min + float64(i)*width
		bins[i].High = bins[i].Low + width
	}
	bins[binCount-1].High = max

	for _, s := range samples {
		idx := int((s.RawScore - min) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= binCount {
			idx = binCount - 1
		}
		bins[idx].Count++
	}
	return bins
}

// Apply publishes a new active threshold for subsequent classifications.
// Past outcomes are not reinterpreted.
func (e *Engine) Apply(value float64) error {
	return e.thresholds.Apply(value)
}

// Recommend records the result of a run as the standing recommendation.
func (e *Engine) Recommend(value float64) error {
	return e.thresholds.SetRecommended(value)
}
