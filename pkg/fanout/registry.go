package fanout

import "sync"

// registry enforces at most one running execution per session and indexes
// executions by ID while they run.
type registry struct {
	mu        sync.Mutex
	byIDMap   map[string]*Execution
	bySession map[string]*Execution
}

func newRegistry() *registry {
	return &registry{
		byIDMap:   make(map[string]*Execution),
		bySession: make(map[string]*Execution),
	}
}

// add registers a new execution; a second execution for the same session is
// refused.
func (r *registry) add(exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.bySession[exec.SessionID]; active {
		return ErrFanOutActive
	}
	r.byIDMap[exec.ID] = exec
	r.bySession[exec.SessionID] = exec
	return nil
}

// remove rolls back a registration that never launched.
func (r *registry) remove(exec *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byIDMap, exec.ID)
	delete(r.bySession, exec.SessionID)
}

// release frees the session slot once the execution is terminal.
func (r *registry) release(exec *Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bySession[exec.SessionID] == exec {
		delete(r.bySession, exec.SessionID)
	}
	delete(r.byIDMap, exec.ID)
}

func (r *registry) byID(id string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.byIDMap[id]
	return exec, ok
}

func (r *registry) bySessionID(sessionID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.bySession[sessionID]
	return exec, ok
}
