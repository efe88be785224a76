package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnectionState is the process-wide reachability of the model service.
type ConnectionState int32

const (
	StateChecking ConnectionState = iota
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateChecking:
		return "CHECKING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Monitor owns ConnectionState. Only Refresh writes it; any number of
// goroutines may read it. Reads may be stale — callers that care re-probe
// via Refresh before acting (the session does this before each submission).
type Monitor struct {
	scorer   Scorer
	interval time.Duration
	logger   *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	health *Health
}

// NewMonitor builds a monitor in the CHECKING state.
func NewMonitor(scorer Scorer, interval time.Duration, logger *zap.Logger) *Monitor {
	m := &Monitor{
		scorer:   scorer,
		interval: interval,
		logger:   logger.Named("monitor"),
	}
	m.state.Store(int32(StateChecking))
	return m
}

// State returns the last observed connection state.
func (m *Monitor) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Health returns the model service's last healthy probe payload, or nil if
// no probe has succeeded yet.
func (m *Monitor) Health() *Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Refresh probes the service now and returns the resulting state. It never
// returns an error: any probe failure is DISCONNECTED. Observers see
// CHECKING while the probe is in flight.
func (m *Monitor) Refresh(ctx context.Context) ConnectionState {
	m.state.Store(int32(StateChecking))

	health, err := m.scorer.Probe(ctx)
	if err != nil {
		m.state.Store(int32(StateDisconnected))
		m.logger.Warn("model service unreachable", zap.Error(err))
		return StateDisconnected
	}

	m.mu.Lock()
	m.health = health
	m.mu.Unlock()

	m.state.Store(int32(StateConnected))
	return StateConnected
}

// Run probes immediately and then on every interval tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.Refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
