package heartbeat

import (
	"sort"
	"sync"
	"time"

	"suiteline/internal/domain"
)

// Seen is what the liveness table knows about one agent.
type Seen struct {
	State    domain.AgentState
	LastSeen time.Time
}

// Liveness is the process-wide liveness table plus the set of agents suspected
// to have crashed. It starts empty and is never persisted.
type Liveness struct {
	mu      sync.Mutex
	agents  map[string]Seen
	crashed map[string]struct{}
}

func NewLiveness() *Liveness {
	return &Liveness{agents: map[string]Seen{}, crashed: map[string]struct{}{}}
}

// Update records a heartbeat, last write wins. It reports whether the agent
// was unknown before.
func (l *Liveness) Update(agentID string, state domain.AgentState, ts time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, known := l.agents[agentID]
	l.agents[agentID] = Seen{State: state, LastSeen: ts}
	return !known
}

func (l *Liveness) Get(agentID string) (Seen, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.agents[agentID]
	return s, ok
}

// Remove forgets the agent entirely.
func (l *Liveness) Remove(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.agents, agentID)
	delete(l.crashed, agentID)
}

// Flag adds every agent silent for longer than timeout to the crashed set and
// returns the ones newly flagged.
func (l *Liveness) Flag(now time.Time, timeout time.Duration) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var flagged []string
	for id, s := range l.agents {
		if _, ok := l.crashed[id]; ok {
			continue
		}
		if now.Sub(s.LastSeen) > timeout {
			l.crashed[id] = struct{}{}
			flagged = append(flagged, id)
		}
	}
	sort.Strings(flagged)
	return flagged
}

// Crashed returns the flagged agents in a stable order.
func (l *Liveness) Crashed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.crashed))
	for id := range l.crashed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Liveness) IsCrashed(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.crashed[agentID]
	return ok
}

func (l *Liveness) Len() (live, crashed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.agents), len(l.crashed)
}
