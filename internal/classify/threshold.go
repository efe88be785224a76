package classify

import (
	"fmt"
	"sync"

	"github.com/example/morphgate/internal/gateway"
)

// Store holds the two thresholds in play at any time: the calibration
// engine's recommendation and the active one the classify path uses.
// Applying an override never mutates the recommendation.
type Store struct {
	mu sync.RWMutex

	min, max    float64
	unit        float64
	active      float64
	recommended float64
	overridden  bool
}

// NewStore builds a store over the score range [min, max) with the given
// severity unit. Both thresholds start at initial.
func NewStore(min, max, unit, initial float64) *Store {
	return &Store{
		min:         min,
		max:         max,
		unit:        unit,
		active:      initial,
		recommended: initial,
	}
}

// Active returns the threshold the classifier currently uses.
func (s *Store) Active() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Recommended returns the calibration engine's latest recommendation.
func (s *Store) Recommended() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recommended
}

// Range returns the valid score interval.
func (s *Store) Range() (float64, float64) {
	return s.min, s.max
}

// Apply sets the active threshold to an operator-chosen value. Values outside
// the score range are rejected. Past decisions are not reinterpreted.
func (s *Store) Apply(value float64) error {
	if value < s.min || value > s.max {
		return gateway.NewError(gateway.KindInvalidInput,
			fmt.Sprintf("threshold %f outside valid range [%f, %f]", value, s.min, s.max), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = value
	s.overridden = true
	return nil
}

// SetRecommended records a new recommendation. The active threshold follows
// it only while the operator has never applied an override.
func (s *Store) SetRecommended(value float64) error {
	if value < s.min || value > s.max {
		return gateway.NewError(gateway.KindInvalidInput,
			fmt.Sprintf("recommended threshold %f outside valid range [%f, %f]", value, s.min, s.max), nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recommended = value
	if !s.overridden {
		s.active = value
	}
	return nil
}

// Classify interprets rawScore under the currently active threshold.
func (s *Store) Classify(rawScore float64) Decision {
	s.mu.RLock()
	active, unit := s.active, s.unit
	s.mu.RUnlock()
	return Classify(rawScore, active, unit)
}
