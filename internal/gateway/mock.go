package gateway

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/google/uuid"
)

// MockScorer scores images in-process without a model service, for local
// development and demos. Scores are a deterministic function of the image
// bytes so repeated submissions of the same file agree.
type MockScorer struct {
	maxBytes int64
	delay    time.Duration
}

// NewMockScorer builds a mock scorer honoring the same size limit as the
// real client. delay simulates inference latency; zero is fine for tests.
func NewMockScorer(maxBytes int64, delay time.Duration) *MockScorer {
	return &MockScorer{maxBytes: maxBytes, delay: delay}
}

// Probe always reports a loaded mock model.
func (m *MockScorer) Probe(ctx context.Context) (*Health, error) {
	return &Health{Status: "healthy", ModelLoaded: true, ModelType: "mock"}, nil
}

// Score derives a logit in roughly [-4, 4) from a hash of the image bytes.
func (m *MockScorer) Score(ctx context.Context, data []byte, name string) (*ScoreSample, error) {
	if err := ValidateImage(data, m.maxBytes); err != nil {
		return nil, err
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, NewError(KindNetworkUnavailable, "mock score cancelled", ctx.Err())
		case <-time.After(m.delay):
		}
	}

	h := fnv.New64a()
	h.Write(data)
	logit := float64(int64(h.Sum64()%8000))/1000.0 - 4.0

	label := LabelGenuine
	if logit >= 0 {
		label = LabelMorphed
	}
	return &ScoreSample{
		AnalysisID: uuid.NewString(),
		RawScore:   logit,
		Label:      label,
		Confidence: sigmoid(logit) * 100,
		ModelID:    "mock",
		Timestamp:  time.Now().UTC(),
	}, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
