package loop

import "sync"

// State is where a target's cycle currently is.
type State string

const (
	StateIdle      State = "IDLE"
	StateSampling  State = "SAMPLING"
	StateDeciding  State = "DECIDING"
	StateActing    State = "ACTING"
	StateVerifying State = "VERIFYING"
	StateRecording State = "RECORDING"
)

type stateTable struct {
	mu     sync.RWMutex
	states map[string]State
}

func (s *stateTable) set(targetID string, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(map[string]State)
	}
	s.states[targetID] = st
}

func (s *stateTable) get(targetID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[targetID]; ok {
		return st
	}
	return StateIdle
}
