package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/morphgate/internal/classify"
	"github.com/example/morphgate/internal/gateway"
)

type stubScorer struct {
	mu         sync.Mutex
	probeErr   error
	sample     *gateway.ScoreSample
	scoreErr   error
	release    chan struct{}
	scoreCalls int
}

func (s *stubScorer) Probe(ctx context.Context) (*gateway.Health, error) {
	s.mu.Lock()
	err := s.probeErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &gateway.Health{Status: "healthy", ModelLoaded: true, ModelType: "stub"}, nil
}

func (s *stubScorer) Score(ctx context.Context, data []byte, name string) (*gateway.ScoreSample, error) {
	s.mu.Lock()
	s.scoreCalls++
	release := s.release
	sample, err := s.sample, s.scoreErr
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return sample, nil
}

func (s *stubScorer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreCalls
}

func newTestSession(scorer *stubScorer) *Session {
	monitor := gateway.NewMonitor(scorer, time.Hour, zap.NewNop())
	thresholds := classify.NewStore(-10, 10, 1.0, 0.0)
	return New(scorer, monitor, thresholds, zap.NewNop())
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session never reached %s, stuck at %s", want, sess.State())
}

func TestSubmitSucceedsAndClassifies(t *testing.T) {
	scorer := &stubScorer{sample: &gateway.ScoreSample{
		AnalysisID: "a-1",
		RawScore:   2.5,
		Label:      gateway.LabelMorphed,
		ModelID:    "stub",
	}}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	outcome, err := sess.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sess.State() != StateSucceeded {
		t.Fatalf("state = %s, want %s", sess.State(), StateSucceeded)
	}
	if outcome.Err != nil {
		t.Fatalf("unexpected outcome error: %v", outcome.Err)
	}
	if outcome.Decision.Tier != classify.RiskHigh || !outcome.Decision.Flagged {
		t.Fatalf("unexpected decision: %+v", outcome.Decision)
	}
}

func TestSubmitRejectedWithoutFile(t *testing.T) {
	sess := newTestSession(&stubScorer{})
	if _, err := sess.Submit(context.Background()); !errors.Is(err, ErrNoFile) {
		t.Fatalf("expected ErrNoFile, got %v", err)
	}
}

func TestSubmitRejectedWhileDisconnected(t *testing.T) {
	scorer := &stubScorer{probeErr: errors.New("connection refused")}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	if got := scorer.calls(); got != 0 {
		t.Fatalf("score should not be called while disconnected, got %d calls", got)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %s, want %s", sess.State(), StateIdle)
	}
}

func TestSecondSubmitRejectedWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	scorer := &stubScorer{release: release, sample: &gateway.ScoreSample{RawScore: 1.0, Label: gateway.LabelGenuine}}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	waitForState(t, sess, StateAwaitingResult)

	if _, err := sess.Submit(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}

	close(release)
	waitForState(t, sess, StateSucceeded)
}

func TestCancelDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	scorer := &stubScorer{release: release, sample: &gateway.ScoreSample{RawScore: 3.0, Label: gateway.LabelMorphed}}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, sess, StateAwaitingResult)

	if err := sess.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %s, want %s", sess.State(), StateIdle)
	}

	// The in-flight call now resolves; its result must be dropped.
	close(release)
	time.Sleep(50 * time.Millisecond)
	if sess.State() != StateIdle {
		t.Fatalf("late result caused a transition to %s", sess.State())
	}
	if sess.Outcome() != nil {
		t.Fatalf("late result produced an outcome: %+v", sess.Outcome())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	sess := newTestSession(&stubScorer{})
	if err := sess.Cancel(); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("expected ErrNotInFlight, got %v", err)
	}
}

func TestSelectFileSupersedesInFlightRequest(t *testing.T) {
	release := make(chan struct{})
	scorer := &stubScorer{release: release, sample: &gateway.ScoreSample{RawScore: 3.0, Label: gateway.LabelMorphed}}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("first"), "first.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, sess, StateAwaitingResult)

	if err := sess.SelectFile([]byte("second"), "second.png"); err != nil {
		t.Fatalf("second SelectFile failed: %v", err)
	}
	if sess.State() != StateIdle {
		t.Fatalf("state = %s, want %s", sess.State(), StateIdle)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	if sess.State() != StateIdle {
		t.Fatalf("superseded result caused a transition to %s", sess.State())
	}
	if sess.FileName() != "second.png" {
		t.Fatalf("filename = %s, want second.png", sess.FileName())
	}
}

func TestResubmitAllowedFromTerminalState(t *testing.T) {
	scorer := &stubScorer{sample: &gateway.ScoreSample{RawScore: 0.5, Label: gateway.LabelMorphed}}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if _, err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	firstID := sess.Outcome().RequestID
	requestID, err := sess.Submit(context.Background())
	if err != nil {
		t.Fatalf("resubmit from terminal state failed: %v", err)
	}
	if requestID == firstID {
		t.Fatal("resubmit reused the prior request id")
	}
	if _, err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	if got := scorer.calls(); got != 2 {
		t.Fatalf("expected 2 score calls, got %d", got)
	}
}

func TestFailedScoreReachesFailedState(t *testing.T) {
	scorer := &stubScorer{scoreErr: gateway.NewError(gateway.KindServerRejected, "bad image", nil)}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	outcome, err := sess.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if sess.State() != StateFailed {
		t.Fatalf("state = %s, want %s", sess.State(), StateFailed)
	}
	if outcome.Kind != gateway.KindServerRejected {
		t.Fatalf("error kind = %s, want %s", outcome.Kind, gateway.KindServerRejected)
	}
	if outcome.Sample != nil || outcome.Decision != nil {
		t.Fatal("failed outcome must not carry a sample or decision")
	}
}

func TestCanSubmitTracksLifecycle(t *testing.T) {
	release := make(chan struct{})
	scorer := &stubScorer{release: release, sample: &gateway.ScoreSample{RawScore: 1.0, Label: gateway.LabelGenuine}}
	monitor := gateway.NewMonitor(scorer, time.Hour, zap.NewNop())
	thresholds := classify.NewStore(-10, 10, 1.0, 0.0)
	sess := New(scorer, monitor, thresholds, zap.NewNop())

	if sess.CanSubmit() {
		t.Fatal("CanSubmit must be false with no file selected")
	}

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if sess.CanSubmit() {
		t.Fatal("CanSubmit must be false before the monitor sees a connection")
	}

	monitor.Refresh(context.Background())
	if !sess.CanSubmit() {
		t.Fatal("CanSubmit must be true with a file, Idle state, and a connection")
	}

	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitForState(t, sess, StateAwaitingResult)
	if sess.CanSubmit() {
		t.Fatal("CanSubmit must be false while a request is in flight")
	}

	close(release)
	waitForState(t, sess, StateSucceeded)
	if !sess.CanSubmit() {
		t.Fatal("CanSubmit must be true again from a terminal state")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	scorer := &stubScorer{release: release, sample: &gateway.ScoreSample{RawScore: 1.0, Label: gateway.LabelGenuine}}
	sess := newTestSession(scorer)

	if err := sess.SelectFile([]byte("image"), "face.png"); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if _, err := sess.Submit(context.Background()); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sess.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
