package runtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// None tracks agents in memory without starting anything. Agents are expected
// to be launched externally with the returned ids.
type None struct {
	mu         sync.Mutex
	executions map[string][]string
	stopped    map[string]bool
}

func NewNone() *None {
	return &None{executions: map[string][]string{}, stopped: map[string]bool{}}
}

func (n *None) Start(ctx context.Context, executionID string, cfg AgentConfig) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]string, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
	}
	n.executions[executionID] = append(n.executions[executionID], ids...)
	return ids, nil
}

func (n *None) Stop(ctx context.Context, ids []string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		n.stopped[id] = true
	}
	return true, nil
}

func (n *None) IsStopped(ctx context.Context, id string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped[id], nil
}

func (n *None) Cleanup(ctx context.Context, executionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.executions[executionID] {
		delete(n.stopped, id)
	}
	delete(n.executions, executionID)
	return nil
}

// Agents returns the ids started for an execution and not yet cleaned up.
func (n *None) Agents(executionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.executions[executionID]...)
}
