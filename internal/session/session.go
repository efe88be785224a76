// Package session owns the lifecycle of a single analysis request, from file
// selection through submission to an interpreted terminal outcome.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/morphgate/internal/classify"
	"github.com/example/morphgate/internal/gateway"
	"github.com/example/morphgate/internal/logging"
)

// State is one step of the analysis lifecycle.
type State string

const (
	StateIdle           State = "IDLE"
	StateSubmitting     State = "SUBMITTING"
	StateAwaitingResult State = "AWAITING_RESULT"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
)

// Terminal reports whether the state ends a request's lifecycle.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var (
	// ErrNoFile is returned by Submit when no file has been selected.
	ErrNoFile = errors.New("no file selected")
	// ErrInFlight is returned by Submit while a request is outstanding.
	ErrInFlight = errors.New("a submission is already in flight")
	// ErrDisconnected is returned by Submit when the model service is unreachable.
	ErrDisconnected = errors.New("model service is not connected")
	// ErrNotInFlight is returned by Cancel and Wait when nothing is outstanding.
	ErrNotInFlight = errors.New("no submission in flight")
	// ErrCancelled is returned by Wait when the request was cancelled.
	ErrCancelled = errors.New("submission cancelled")
)

// Request is one submission owned by the session that created it.
type Request struct {
	ID          string
	Data        []byte
	Name        string
	SubmittedAt time.Time
}

// Outcome is the terminal result of one request. Exactly one of
// Sample+Decision or Err is populated.
type Outcome struct {
	RequestID   string
	Sample      *gateway.ScoreSample
	Decision    *classify.Decision
	Err         error
	Kind        gateway.ErrorKind
	CompletedAt time.Time
}

// Session is the state machine for one operator's analysis flow. It enforces
// at-most-one in-flight request and drops results that arrive for a request
// that was cancelled or superseded. Safe for concurrent use.
type Session struct {
	scorer     gateway.Scorer
	monitor    *gateway.Monitor
	thresholds *classify.Store
	logger     *zap.Logger

	mu       sync.Mutex
	state    State
	fileData []byte
	fileName string
	req      *Request
	outcome  *Outcome
	done     chan struct{}
}

// New builds a session in the Idle state with no file selected.
func New(scorer gateway.Scorer, monitor *gateway.Monitor, thresholds *classify.Store, logger *zap.Logger) *Session {
	return &Session{
		scorer:     scorer,
		monitor:    monitor,
		thresholds: thresholds,
		logger:     logger.Named("session"),
		state:      StateIdle,
	}
}

// SelectFile stages a new image and resets the session to Idle, discarding
// any prior request. A result still in flight for the discarded request is
// dropped when it arrives. Valid from any state.
func (s *Session) SelectFile(data []byte, name string) error {
	if len(data) == 0 {
		return gateway.NewError(gateway.KindInvalidInput, "selected file is empty", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.req != nil && !s.state.Terminal() {
		s.logger.Info("superseding in-flight request", zap.String("request_id", s.req.ID))
	}
	s.fileData = data
	s.fileName = name
	s.abandonLocked()
	s.state = StateIdle
	return nil
}

// Submit dispatches the selected file to the scorer. Allowed from Idle or a
// terminal state; rejected while a request is outstanding. The connection is
// re-probed first, so a stale CONNECTED reading cannot let a doomed request
// through.
func (s *Session) Submit(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state == StateSubmitting || s.state == StateAwaitingResult {
		s.mu.Unlock()
		return "", ErrInFlight
	}
	if s.fileData == nil {
		s.mu.Unlock()
		return "", ErrNoFile
	}
	s.mu.Unlock()

	if s.monitor.Refresh(ctx) != gateway.StateConnected {
		return "", ErrDisconnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check: another submission may have won while we were probing.
	if s.state == StateSubmitting || s.state == StateAwaitingResult {
		return "", ErrInFlight
	}

	req := &Request{
		ID:          uuid.NewString(),
		Data:        s.fileData,
		Name:        s.fileName,
		SubmittedAt: time.Now().UTC(),
	}
	s.req = req
	s.outcome = nil
	s.done = make(chan struct{})
	s.state = StateSubmitting

	go s.dispatch(ctx, req)
	return req.ID, nil
}

// dispatch runs the score call and delivers its result. Runs outside the lock.
func (s *Session) dispatch(ctx context.Context, req *Request) {
	s.mu.Lock()
	if s.req == nil || s.req.ID != req.ID {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingResult
	s.mu.Unlock()

	sample, err := s.scorer.Score(ctx, req.Data, req.Name)
	s.complete(req.ID, sample, err)
}

// complete moves the session to a terminal state, unless the request was
// cancelled or superseded in the meantime, in which case the result is
// dropped with no transition.
func (s *Session) complete(requestID string, sample *gateway.ScoreSample, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.req == nil || s.req.ID != requestID {
		s.logger.Debug("dropping stale result", zap.String("request_id", requestID))
		return
	}

	outcome := &Outcome{RequestID: requestID, CompletedAt: time.Now().UTC()}
	if err != nil {
		outcome.Err = err
		outcome.Kind = gateway.KindOf(err)
		s.state = StateFailed
		s.logger.Warn("analysis failed",
			zap.Error(logging.NewOperationError("session.complete", requestID, err)),
			zap.String("error_kind", string(outcome.Kind)))
	} else {
		decision := s.thresholds.Classify(sample.RawScore)
		outcome.Sample = sample
		outcome.Decision = &decision
		s.state = StateSucceeded
		s.logger.Info("analysis succeeded",
			zap.String("request_id", requestID),
			zap.Float64("raw_score", sample.RawScore),
			zap.String("risk", string(decision.Tier)))
	}
	s.outcome = outcome
	close(s.done)
}

// Cancel abandons the in-flight request and returns the session to Idle.
// The eventual network result is ignored; cancellation is cooperative, the
// transport call is not necessarily aborted.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSubmitting && s.state != StateAwaitingResult {
		return ErrNotInFlight
	}
	s.logger.Info("cancelling request", zap.String("request_id", s.req.ID))
	s.abandonLocked()
	s.state = StateIdle
	return nil
}

// abandonLocked forgets the current request so any late result is stale.
// Waiters are released. Caller holds s.mu.
func (s *Session) abandonLocked() {
	s.req = nil
	s.outcome = nil
	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
		s.done = nil
	}
}

// Wait blocks until the current request reaches a terminal state. It returns
// ErrCancelled if the request was cancelled or superseded while waiting.
func (s *Session) Wait(ctx context.Context) (*Outcome, error) {
	s.mu.Lock()
	if s.outcome != nil {
		outcome := s.outcome
		s.mu.Unlock()
		return outcome, nil
	}
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil, ErrNotInFlight
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil, ErrCancelled
	}
	return s.outcome, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the terminal outcome of the current request, or nil.
func (s *Session) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// CanSubmit reports whether a submission would currently be accepted: a file
// is selected, no request is outstanding, and the model service was last
// seen connected.
func (s *Session) CanSubmit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileData == nil {
		return false
	}
	if s.state == StateSubmitting || s.state == StateAwaitingResult {
		return false
	}
	return s.monitor.State() == gateway.StateConnected
}

// FileName returns the name of the currently selected file, if any.
func (s *Session) FileName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName
}
