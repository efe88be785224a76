package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Label is the class the model assigned to an image.
type Label string

const (
	LabelMorphed Label = "MORPHED"
	LabelGenuine Label = "GENUINE"
)

// ScoreSample is the normalized outcome of one successful scoring call.
// Immutable once returned.
type ScoreSample struct {
	AnalysisID string
	RawScore   float64
	Label      Label
	Confidence float64
	ModelID    string
	Timestamp  time.Time
}

// Health is the model service's self-reported state from a probe.
type Health struct {
	Status      string
	ModelLoaded bool
	ModelType   string
}

// ErrorKind partitions every failure the gateway can surface.
type ErrorKind string

const (
	// KindNetworkUnavailable covers transport failures, DNS failures, and timeouts.
	KindNetworkUnavailable ErrorKind = "network_unavailable"
	// KindServerRejected covers non-success statuses carrying a structured error body.
	KindServerRejected ErrorKind = "server_rejected"
	// KindMalformedResponse covers success statuses whose payload cannot be parsed.
	KindMalformedResponse ErrorKind = "malformed_response"
	// KindInvalidInput covers empty or oversized buffers and out-of-range thresholds.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindNoSamples is a calibration run requested with zero inputs.
	KindNoSamples ErrorKind = "no_samples"
)

// Error tags a failure with its kind so callers can branch without string
// matching. All fallible gateway and calibration operations return one.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a tagged gateway error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Errors that
// did not originate here report KindNetworkUnavailable, the conservative
// default for anything that happened below the contract.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindNetworkUnavailable
}

// Describe renders a human-readable message for an error kind, used by the
// operator-facing failure surface.
func Describe(kind ErrorKind) string {
	switch kind {
	case KindNetworkUnavailable:
		return "the model service could not be reached"
	case KindServerRejected:
		return "the model service rejected the request"
	case KindMalformedResponse:
		return "the model service returned an unreadable response"
	case KindInvalidInput:
		return "the submitted input is invalid"
	case KindNoSamples:
		return "no calibration samples were provided"
	default:
		return "analysis failed"
	}
}

// Scorer is the subset of the model service the rest of the system consumes.
type Scorer interface {
	// Probe issues a reachability check. A non-nil error means unreachable.
	Probe(ctx context.Context) (*Health, error)
	// Score sends one image and returns its normalized sample. It never
	// retries; retry policy belongs to the caller.
	Score(ctx context.Context, data []byte, name string) (*ScoreSample, error)
}
