// Package consensus tracks quantum finality signatures and the node's
// availability state machine.
package consensus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"QuantaLedger/internal/observability"
)

// Status is the node's position in its lifecycle. Work is admitted only in
// Running and Ready; Failed and Stopped are terminal.
type Status int

const (
	StatusUndefined Status = iota
	StatusWaitingForInit
	StatusRising
	StatusRunning
	StatusReady
	StatusChasing
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusWaitingForInit:
		return "waiting_for_init"
	case StatusRising:
		return "rising"
	case StatusRunning:
		return "running"
	case StatusReady:
		return "ready"
	case StatusChasing:
		return "chasing"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "undefined"
	}
}

// validTransitions is the closed transition table. Failed and Stopped are
// reachable from everywhere and never left.
var validTransitions = map[Status][]Status{
	StatusUndefined:      {StatusWaitingForInit},
	StatusWaitingForInit: {StatusRising},
	StatusRising:         {StatusRunning, StatusReady, StatusChasing},
	StatusRunning:        {StatusReady, StatusChasing},
	StatusReady:          {StatusRunning, StatusChasing},
	StatusChasing:        {StatusRunning, StatusReady},
}

// Gap thresholds for the Chasing transition. Entering and leaving use
// different bounds so a node hovering at the boundary does not flap.
const (
	DefaultChaseEnterGap = 256
	DefaultChaseExitGap  = 16
)

// StateManager is the node state machine. It gates the engine: a node that
// is rising, chasing, or failed does not admit new work.
type StateManager struct {
	mu            sync.Mutex
	status        Status
	failReason    string
	chaseEnterGap uint64
	chaseExitGap  uint64
	log           zerolog.Logger
	metrics       *observability.Metrics
}

func NewStateManager(logger zerolog.Logger, metrics *observability.Metrics) *StateManager {
	return &StateManager{
		status:        StatusUndefined,
		chaseEnterGap: DefaultChaseEnterGap,
		chaseExitGap:  DefaultChaseExitGap,
		log:           logger.With().Str("component", "nodestate").Logger(),
		metrics:       metrics,
	}
}

// SetChaseGaps overrides the hysteresis bounds; enter must exceed exit.
func (m *StateManager) SetChaseGaps(enter, exit uint64) error {
	if enter <= exit {
		return fmt.Errorf("chase enter gap %d must exceed exit gap %d", enter, exit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chaseEnterGap = enter
	m.chaseExitGap = exit
	return nil
}

func (m *StateManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// FailReason returns why the node failed, if it did.
func (m *StateManager) FailReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failReason
}

// Transition moves the node to a new status, rejecting moves the table does
// not allow. Failed and Stopped are always allowed and absorb repeats.
func (m *StateManager) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

func (m *StateManager) transitionLocked(to Status) error {
	if m.status == to {
		return nil
	}
	if m.status == StatusFailed || m.status == StatusStopped {
		return fmt.Errorf("node is %s, cannot move to %s", m.status, to)
	}
	if to != StatusFailed && to != StatusStopped {
		allowed := false
		for _, next := range validTransitions[m.status] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("invalid transition %s -> %s", m.status, to)
		}
	}

	m.log.Info().Str("from", m.status.String()).Str("to", to.String()).Msg("node state transition")
	m.status = to
	if m.metrics != nil {
		m.metrics.NodeStatus.Set(float64(to))
	}
	return nil
}

// Fail marks the node permanently failed. The first reason wins.
func (m *StateManager) Fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusFailed || m.status == StatusStopped {
		return
	}
	m.failReason = reason
	m.log.Error().Str("reason", reason).Msg("node failed")
	m.status = StatusFailed
	if m.metrics != nil {
		m.metrics.NodeStatus.Set(float64(StatusFailed))
	}
}

// Stop marks a clean shutdown.
func (m *StateManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusFailed || m.status == StatusStopped {
		return
	}
	m.log.Info().Msg("node stopped")
	m.status = StatusStopped
	if m.metrics != nil {
		m.metrics.NodeStatus.Set(float64(StatusStopped))
	}
}

// AcceptingRequests reports whether the engine may take on new work.
func (m *StateManager) AcceptingRequests() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusRunning || m.status == StatusReady
}

// Halted reports a terminal state. A halted node must not apply or attest
// quanta, even on the replay paths that run while chasing.
func (m *StateManager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusFailed || m.status == StatusStopped
}

// ObserveGap feeds the distance between the constellation's apex and the
// local apex into the Chasing hysteresis: a node that falls more than the
// enter gap behind switches to Chasing and only returns to Running once it
// has closed to within the exit gap.
func (m *StateManager) ObserveGap(gap uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusRunning, StatusReady:
		if gap > m.chaseEnterGap {
			m.log.Warn().Uint64("gap", gap).Msg("falling behind, entering chase")
			m.transitionLocked(StatusChasing)
		}
	case StatusChasing:
		if gap <= m.chaseExitGap {
			m.log.Info().Uint64("gap", gap).Msg("caught up, resuming")
			m.transitionLocked(StatusRunning)
		}
	}
}
