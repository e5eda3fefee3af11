package room

import "encoding/json"

// presenceStore holds ephemeral per-session state: cursor ranges, selection
// colors, whatever clients publish. Last write wins per (session, field),
// nothing is ever persisted, and everything is dropped on disconnect.
// Owned by the room worker, so no locking.
type presenceStore struct {
	states map[string]map[string]json.RawMessage
}

func newPresenceStore() *presenceStore {
	return &presenceStore{states: make(map[string]map[string]json.RawMessage)}
}

// set records one field and returns the session's full state for broadcast.
func (p *presenceStore) set(sessionID, field string, value json.RawMessage) map[string]json.RawMessage {
	state, ok := p.states[sessionID]
	if !ok {
		state = make(map[string]json.RawMessage)
		p.states[sessionID] = state
	}
	state[field] = value
	return state
}

func (p *presenceStore) get(sessionID string) map[string]json.RawMessage {
	return p.states[sessionID]
}

func (p *presenceStore) remove(sessionID string) {
	delete(p.states, sessionID)
}
