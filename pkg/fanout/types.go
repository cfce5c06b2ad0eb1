// Package fanout runs parallel specialist consultations for one session and
// joins their results into a single synthesized reply.
package fanout

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrFanOutActive means the session already has a running execution.
	ErrFanOutActive = errors.New("session already has an active fan-out")

	// ErrNestedFanOut means a specialist tried to start its own fan-out.
	ErrNestedFanOut = errors.New("nested fan-out is not allowed")
)

// Join strategy kinds.
const (
	JoinAll    = "all"
	JoinFirst  = "first"
	JoinQuorum = "quorum"
)

// JoinStrategy decides when an execution has enough specialist results.
type JoinStrategy struct {
	Kind   string `json:"kind"`
	Quorum int    `json:"quorum,omitempty"`
}

// ParseJoinStrategy reads "all", "first", or "quorum(n)".
func ParseJoinStrategy(s string) (JoinStrategy, error) {
	switch {
	case s == JoinAll || s == "":
		return JoinStrategy{Kind: JoinAll}, nil
	case s == JoinFirst:
		return JoinStrategy{Kind: JoinFirst}, nil
	case strings.HasPrefix(s, "quorum(") && strings.HasSuffix(s, ")"):
		n, err := strconv.Atoi(s[len("quorum(") : len(s)-1])
		if err != nil || n < 1 {
			return JoinStrategy{}, fmt.Errorf("invalid quorum in join strategy %q", s)
		}
		return JoinStrategy{Kind: JoinQuorum, Quorum: n}, nil
	default:
		return JoinStrategy{}, fmt.Errorf("unknown join strategy %q", s)
	}
}

// String renders the strategy in its config form.
func (j JoinStrategy) String() string {
	if j.Kind == JoinQuorum {
		return fmt.Sprintf("quorum(%d)", j.Quorum)
	}
	return j.Kind
}

// EntryStatus is the lifecycle state of one specialist consultation.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryTimedOut  EntryStatus = "timed-out"
)

// Terminal reports whether the entry can no longer change.
func (s EntryStatus) Terminal() bool {
	switch s {
	case EntryCompleted, EntryFailed, EntryTimedOut:
		return true
	}
	return false
}

// Entry tracks one specialist inside an execution. ContextNote is the
// coordinator's framing for this specialist alone; the shared prompt lives on
// the execution.
type Entry struct {
	AgentID     string      `json:"agent_id"`
	ContextNote string      `json:"context_note,omitempty"`
	Status      EntryStatus `json:"status"`
	Result      string      `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// ExecutionStatus is the lifecycle state of one fan-out. Failed means the
// join became unsatisfiable before the deadline; timed-out means the deadline
// watcher terminated an unsatisfied join.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionTimedOut  ExecutionStatus = "timed-out"
)

// Execution is the shared record of one fan-out. Every mutation goes through
// its mutex as a single transition-plus-join-check; the struct itself is the
// only shared mutable state between the specialist goroutines, the deadline
// watcher, and the starter.
type Execution struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	TenantID      string          `json:"tenant_id"`
	CoordinatorID string          `json:"coordinator_id"`
	Prompt        string          `json:"prompt"`
	Strategy      JoinStrategy    `json:"strategy"`
	Status        ExecutionStatus `json:"status"`
	Entries       []*Entry        `json:"entries"`
	Synthesis     string          `json:"synthesis,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Deadline      time.Time       `json:"deadline"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`

	mu   sync.Mutex
	done chan struct{}
}

// entry returns the entry for an agent; callers hold the mutex.
func (e *Execution) entry(agentID string) *Entry {
	for _, entry := range e.Entries {
		if entry.AgentID == agentID {
			return entry
		}
	}
	return nil
}

// Done returns a channel closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// View returns a copy safe to read without holding the lock.
func (e *Execution) View() Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := Execution{
		ID:            e.ID,
		SessionID:     e.SessionID,
		TenantID:      e.TenantID,
		CoordinatorID: e.CoordinatorID,
		Prompt:        e.Prompt,
		Strategy:      e.Strategy,
		Status:        e.Status,
		Synthesis:     e.Synthesis,
		CreatedAt:     e.CreatedAt,
		Deadline:      e.Deadline,
		CompletedAt:   e.CompletedAt,
	}
	view.Entries = make([]*Entry, len(e.Entries))
	for i, entry := range e.Entries {
		cp := *entry
		view.Entries[i] = &cp
	}
	return view
}

// EntryResult is one completed specialist answer handed to synthesis.
type EntryResult struct {
	AgentID string `json:"agent_id"`
	Result  string `json:"result"`
}
