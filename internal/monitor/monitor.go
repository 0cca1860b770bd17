// Package monitor tracks per-connection lifecycle state and health for the
// channel pool and its clients: attempt/success/failure counts, a bounded
// sliding window of response times, and the decision of whether a given
// failure is worth reconnecting for.
package monitor

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/metrics"
)

// State is a connection's lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateReconnecting State = "reconnecting"
)

// nonRetryable error markers indicate a permanent authorization problem,
// not a transient network failure. They veto reconnection regardless of the
// remaining attempt budget.
var nonRetryable = []string{
	"AUTH_INVALID",
	"TENANT_NOT_FOUND",
	"UNAUTHORIZED",
	"FORBIDDEN",
}

const (
	// DefaultMaxReconnects is the per-connection reconnection budget.
	DefaultMaxReconnects = 10

	// staleAfter is how long an inactive connection entry is kept before
	// Cleanup evicts it.
	staleAfter = 5 * time.Minute

	// windowSize bounds the response-time sample window.
	windowSize = 100
)

// ConnectionMetrics is an aggregate view of everything the monitor has seen.
type ConnectionMetrics struct {
	TotalAttempts        int64
	TotalSuccesses       int64
	TotalFailures        int64
	TotalDisconnections  int64
	ReconnectionAttempts int64
	ActiveConnections    int
	AverageResponseTime  time.Duration
}

type connState struct {
	state        State
	reconnects   int
	lastError    string
	lastActivity time.Time
}

// Monitor tracks connection lifecycle state. All methods are goroutine-safe;
// concurrent rounds and clients share one instance.
type Monitor struct {
	mu            sync.Mutex
	conns         map[string]*connState
	maxReconnects int
	now           func() time.Time

	// Bounded ring of response-time samples.
	samples [windowSize]time.Duration
	head    int
	filled  int

	attempts       int64
	successes      int64
	failures       int64
	disconnections int64
	reconnects     int64
}

// New creates a Monitor with the default reconnection budget.
func New() *Monitor {
	return NewWithBudget(DefaultMaxReconnects)
}

// NewWithBudget creates a Monitor with a custom per-connection reconnection budget.
func NewWithBudget(maxReconnects int) *Monitor {
	return &Monitor{
		conns:         make(map[string]*connState),
		maxReconnects: maxReconnects,
		now:           time.Now,
	}
}

func (m *Monitor) state(connectionID string) *connState {
	cs, ok := m.conns[connectionID]
	if !ok {
		cs = &connState{}
		m.conns[connectionID] = cs
	}
	cs.lastActivity = m.now()
	return cs
}

// RecordAttempt marks a connection as connecting.
func (m *Monitor) RecordAttempt(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.state(connectionID).state = StateConnecting
}

// RecordSuccess marks a connection as connected and records how long the
// attempt took. A success resets the reconnection budget.
func (m *Monitor) RecordSuccess(connectionID string, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successes++
	cs := m.state(connectionID)
	cs.state = StateConnected
	cs.reconnects = 0
	cs.lastError = ""

	m.samples[m.head] = responseTime
	m.head = (m.head + 1) % windowSize
	if m.filled < windowSize {
		m.filled++
	}
}

// RecordFailure marks a connection as errored and remembers the failure text.
func (m *Monitor) RecordFailure(connectionID string, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	cs := m.state(connectionID)
	cs.state = StateError
	cs.lastError = errText
}

// RecordDisconnection marks a connection as disconnected.
func (m *Monitor) RecordDisconnection(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnections++
	m.state(connectionID).state = StateDisconnected
}

// RecordReconnectAttempt marks a connection as reconnecting and consumes one
// unit of its reconnection budget.
func (m *Monitor) RecordReconnectAttempt(connectionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects++
	cs := m.state(connectionID)
	cs.state = StateReconnecting
	cs.reconnects++
	metrics.Reconnections.Inc()
}

// ShouldReconnect decides whether a failed connection is worth retrying.
// Permanent authorization failures and exhausted budgets are not.
func (m *Monitor) ShouldReconnect(connectionID string, errText string) bool {
	upper := strings.ToUpper(errText)
	for _, marker := range nonRetryable {
		if strings.Contains(upper, marker) {
			return false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.conns[connectionID]
	if !ok {
		return true
	}
	return cs.reconnects < m.maxReconnects
}

// StateOf returns the recorded state for a connection, or the zero State if
// the connection is unknown.
func (m *Monitor) StateOf(connectionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.conns[connectionID]; ok {
		return cs.state
	}
	return ""
}

// GetMetrics returns an aggregate snapshot.
func (m *Monitor) GetMetrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, cs := range m.conns {
		if cs.state == StateConnected {
			active++
		}
	}

	var avg time.Duration
	if m.filled > 0 {
		var sum time.Duration
		for i := 0; i < m.filled; i++ {
			sum += m.samples[i]
		}
		avg = sum / time.Duration(m.filled)
	}

	return ConnectionMetrics{
		TotalAttempts:        m.attempts,
		TotalSuccesses:       m.successes,
		TotalFailures:        m.failures,
		TotalDisconnections:  m.disconnections,
		ReconnectionAttempts: m.reconnects,
		ActiveConnections:    active,
		AverageResponseTime:  avg,
	}
}

// CleanupLoop runs Cleanup on the given interval until ctx is cancelled.
func (m *Monitor) CleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[monitor] cleanup loop stopped")
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// Cleanup evicts connection entries with no activity in the last five
// minutes, keeping the state map bounded over the process lifetime.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-staleAfter)
	for id, cs := range m.conns {
		if cs.lastActivity.Before(cutoff) {
			delete(m.conns, id)
		}
	}
}
