package chat

import "sync"

// State is one client's conversation thread. Messages is the durable
// history; the remaining fields are the working set of the most recent
// turn and survive only while the client's history flag is enabled.
type State struct {
	Messages      []Message
	ContextInput  string
	Documents     string
	FinalResponse *Completion
	VSMetadata    *SearchMetadata
}

// History holds per-client conversation state. Each client id owns a
// mutex so two turns for the same client never interleave, while turns
// for different clients proceed concurrently.
type History struct {
	mu     sync.Mutex
	states map[string]*State
	locks  map[string]*sync.Mutex
}

// NewHistory creates an empty state registry.
func NewHistory() *History {
	return &History{
		states: make(map[string]*State),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Lock acquires the client's turn mutex and returns the unlock func.
func (h *History) Lock(client string) func() {
	h.mu.Lock()
	l, ok := h.locks[client]
	if !ok {
		l = &sync.Mutex{}
		h.locks[client] = l
	}
	h.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// state returns the client's state, creating it when absent. Callers
// must hold the client's turn mutex.
func (h *History) state(client string) *State {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.states[client]
	if !ok {
		st = &State{}
		h.states[client] = st
	}
	return st
}

// Snapshot returns a copy of the client's stored messages.
func (h *History) Snapshot(client string) []Message {
	unlock := h.Lock(client)
	defer unlock()

	st := h.state(client)
	out := make([]Message, len(st.Messages))
	copy(out, st.Messages)
	return out
}

// Clear drops the client's conversation state. It waits for any active
// turn to finish so a concurrent finalise cannot resurrect the thread.
func (h *History) Clear(client string) {
	unlock := h.Lock(client)
	defer unlock()

	h.mu.Lock()
	delete(h.states, client)
	h.mu.Unlock()
}
