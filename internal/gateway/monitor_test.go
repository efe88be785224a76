package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type flakyProber struct {
	mu  sync.Mutex
	err error
}

func (f *flakyProber) Probe(ctx context.Context) (*Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Health{Status: "healthy", ModelLoaded: true, ModelType: "stub"}, nil
}

func (f *flakyProber) Score(ctx context.Context, data []byte, name string) (*ScoreSample, error) {
	return nil, errors.New("not used")
}

func (f *flakyProber) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestMonitorStartsChecking(t *testing.T) {
	monitor := NewMonitor(&flakyProber{}, time.Hour, zap.NewNop())
	if got := monitor.State(); got != StateChecking {
		t.Fatalf("initial state = %s, want %s", got, StateChecking)
	}
	if monitor.Health() != nil {
		t.Fatal("health must be nil before the first successful probe")
	}
}

func TestRefreshTransitions(t *testing.T) {
	prober := &flakyProber{}
	monitor := NewMonitor(prober, time.Hour, zap.NewNop())

	if got := monitor.Refresh(context.Background()); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
	if health := monitor.Health(); health == nil || !health.ModelLoaded {
		t.Fatalf("unexpected health after successful probe: %+v", health)
	}

	prober.setErr(errors.New("connection refused"))
	if got := monitor.Refresh(context.Background()); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
	if got := monitor.State(); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}

	// Reachability is restored; the next probe recovers.
	prober.setErr(nil)
	if got := monitor.Refresh(context.Background()); got != StateConnected {
		t.Fatalf("state = %s, want %s", got, StateConnected)
	}
}

func TestRefreshNeverReturnsError(t *testing.T) {
	prober := &flakyProber{err: errors.New("dns failure")}
	monitor := NewMonitor(prober, time.Hour, zap.NewNop())

	// A failing probe degrades state instead of propagating an error.
	if got := monitor.Refresh(context.Background()); got != StateDisconnected {
		t.Fatalf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestRunProbesPeriodically(t *testing.T) {
	prober := &flakyProber{}
	monitor := NewMonitor(prober, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if monitor.State() == StateConnected {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if monitor.State() != StateConnected {
		t.Fatal("monitor never connected")
	}

	prober.setErr(errors.New("gone"))
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if monitor.State() == StateDisconnected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("monitor never observed the outage")
}
