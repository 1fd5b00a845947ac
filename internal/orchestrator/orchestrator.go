// Package orchestrator registers agents and finalizes executions once every
// agent of an execution has stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"suiteline/internal/config"
	"suiteline/internal/domain"
	"suiteline/internal/events"
	"suiteline/internal/lifecycle"
	"suiteline/internal/logger"
	"suiteline/internal/repo"
	"suiteline/internal/runtime"
)

var ErrUnsupportedStateCombination = errors.New("unsupported terminal state combination")

const allCrashedReason = "all agents crashed"

type Orchestrator struct {
	Repo      repo.Repo
	Lifecycle *lifecycle.Lifecycle
	Runtime   runtime.Runtime
	Events    events.Writer
	Log       *zap.Logger
	Now       func() time.Time

	// GracePeriod separates the first all-terminal check from the single re-check.
	GracePeriod time.Duration
	// MixedPolicy is config.MixedTerminalError or config.MixedTerminalFail.
	MixedPolicy string
	// Sleep waits between the two checks; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	bg sync.WaitGroup

	mu sync.Mutex
	// unsupported maps executions to the terminal state mix already reported
	// as unsupported; the same mix is not waited for or logged again.
	unsupported map[string]string
}

func New(r repo.Repo, lc *lifecycle.Lifecycle, rt runtime.Runtime, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		Repo:        r,
		Lifecycle:   lc,
		Runtime:     rt,
		Events:      events.Writer{DB: r.DB},
		Log:         logger.OrNop(log).Named("orchestrator"),
		Now:         time.Now,
		MixedPolicy: config.MixedTerminalError,
		Sleep:       sleepCtx,
		unsupported: map[string]string{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// RegisterAgents stores the agents of an execution and then their STARTING
// status. The two writes are separate transactions; when the second fails the
// agents stay registered without a status.
func (o *Orchestrator) RegisterAgents(ctx context.Context, executionID string, containerIDs []string) error {
	now := o.now()
	agents := make([]domain.Agent, 0, len(containerIDs))
	statuses := make([]domain.AgentStatus, 0, len(containerIDs))
	for _, id := range containerIDs {
		agents = append(agents, domain.Agent{ID: id, ExecutionID: executionID, CreatedAt: now})
		statuses = append(statuses, domain.AgentStatus{AgentID: id, State: domain.AgentStarting, Timestamp: now})
	}
	if err := o.Repo.InsertAgents(ctx, agents); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	if err := o.Repo.InsertAgentStatuses(ctx, statuses); err != nil {
		o.Log.Error("agents registered without initial status",
			zap.String("execution_id", executionID), zap.Strings("agents", containerIDs), zap.Error(err))
		return fmt.Errorf("record initial agent status: %w", err)
	}
	if err := o.Events.AppendNow(ctx, events.AgentsRegistered, executionID, "execution", executionID,
		events.EventPayload{"agents": containerIDs}); err != nil {
		o.Log.Warn("append registration event failed", zap.String("execution_id", executionID), zap.Error(err))
	}
	o.Log.Info("agents registered", zap.String("execution_id", executionID), zap.Int("count", len(containerIDs)))
	return nil
}

// ShouldTerminate reports whether an idle agent with nothing left to claim is
// done. When it is, the agent is marked TERMINATED and finalization of its
// execution is started in the background.
func (o *Orchestrator) ShouldTerminate(ctx context.Context, agentID string) (bool, error) {
	agent, err := o.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("agent %s: %w", agentID, err)
	}
	e, err := o.Repo.GetExecution(ctx, agent.ExecutionID)
	if err != nil {
		return false, fmt.Errorf("execution %s: %w", agent.ExecutionID, err)
	}
	if !e.Status.Terminal() {
		ready, err := o.Repo.CountByStatus(ctx, e.ID, domain.TestReady)
		if err != nil {
			return false, err
		}
		held, err := o.Repo.CountRunningByAgent(ctx, agentID)
		if err != nil {
			return false, err
		}
		if ready > 0 || held > 0 {
			return false, nil
		}
	}
	if _, err := o.Repo.AppendServerStatus(ctx, agentID, domain.AgentTerminated, o.now()); err != nil {
		return false, fmt.Errorf("mark agent terminated: %w", err)
	}
	o.Log.Info("agent terminated", zap.String("agent_id", agentID), zap.String("execution_id", e.ID))

	o.FinalizeAsync(e.ID)
	return true, nil
}

// FinalizeAsync runs FinalizeExecution in the background. Wait blocks until it returns.
func (o *Orchestrator) FinalizeAsync(executionID string) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		if err := o.FinalizeExecution(context.Background(), executionID); err != nil {
			o.Log.Warn("background finalize failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}()
}

// Finalize finalizes the execution the agent belongs to.
func (o *Orchestrator) Finalize(ctx context.Context, agentID string) error {
	agent, err := o.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	return o.FinalizeExecution(ctx, agent.ExecutionID)
}

// allTerminal reports whether the execution still runs and every agent has stopped.
func (o *Orchestrator) allTerminal(ctx context.Context, executionID string) (map[string]domain.AgentState, bool, error) {
	e, err := o.Repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, false, err
	}
	if e.Status.Terminal() {
		return nil, false, nil
	}
	states, err := o.Repo.CurrentAgentStates(ctx, executionID)
	if err != nil {
		return nil, false, err
	}
	if len(states) == 0 {
		return nil, false, nil
	}
	for _, s := range states {
		if !s.Terminal() {
			return states, false, nil
		}
	}
	return states, true, nil
}

// FinalizeExecution moves the execution to its terminal status once all of its
// agents are in a terminal state, confirmed by one re-check after the grace
// period, and then cleans up its containers.
func (o *Orchestrator) FinalizeExecution(ctx context.Context, executionID string) error {
	states, ok, err := o.allTerminal(ctx, executionID)
	if err != nil || !ok {
		return err
	}
	if o.alreadyReported(executionID, states) {
		_, _, classErr := classify(executionID, states)
		return classErr
	}
	if err := o.Sleep(ctx, o.GracePeriod); err != nil {
		return err
	}
	states, ok, err = o.allTerminal(ctx, executionID)
	if err != nil || !ok {
		return err
	}

	to, reason, classErr := classify(executionID, states)
	if classErr != nil {
		o.Log.Error("cannot finalize execution",
			zap.String("execution_id", executionID),
			zap.String("states", describe(states)),
			zap.Error(classErr))
		if o.MixedPolicy != config.MixedTerminalFail {
			o.remember(executionID, states)
			return classErr
		}
		to, reason = domain.ExecutionError, "unsupported agent state combination: "+describe(states)
	}

	if _, err := o.Lifecycle.Transition(ctx, executionID, to, reason); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return classErr
		}
		return fmt.Errorf("finalize %s: %w", executionID, err)
	}
	if err := o.Runtime.Cleanup(ctx, executionID); err != nil {
		o.Log.Error("runtime cleanup failed", zap.String("execution_id", executionID), zap.Error(err))
		return errors.Join(classErr, fmt.Errorf("cleanup %s: %w", executionID, err))
	}
	return classErr
}

func classify(executionID string, states map[string]domain.AgentState) (domain.ExecutionStatus, string, error) {
	stopped, crashed := 0, 0
	for _, s := range states {
		switch s {
		case domain.AgentStoppedByOrch, domain.AgentTerminated:
			stopped++
		case domain.AgentCrashed:
			crashed++
		}
	}
	switch {
	case stopped == len(states):
		return domain.ExecutionFinished, "", nil
	case crashed == len(states):
		return domain.ExecutionError, allCrashedReason, nil
	}
	return "", "", fmt.Errorf("%w: %w", ErrUnsupportedStateCombination, domain.InvariantError{
		Subject: "execution " + executionID,
		Detail:  "agents ended in " + describe(states),
	})
}

// describe renders agent states as a stable "STATE=count" list.
func describe(states map[string]domain.AgentState) string {
	counts := map[domain.AgentState]int{}
	for _, s := range states {
		counts[s]++
	}
	parts := make([]string, 0, len(counts))
	for s, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", s, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// alreadyReported reports whether the execution's current state mix was
// already found unsupported. Under the fail policy nothing is remembered.
func (o *Orchestrator) alreadyReported(executionID string, states map[string]domain.AgentState) bool {
	if o.MixedPolicy == config.MixedTerminalFail {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	mix, ok := o.unsupported[executionID]
	return ok && mix == describe(states)
}

func (o *Orchestrator) remember(executionID string, states map[string]domain.AgentState) {
	o.mu.Lock()
	o.unsupported[executionID] = describe(states)
	o.mu.Unlock()
}

// forgetExcept drops remembered executions that are no longer running.
func (o *Orchestrator) forgetExcept(running []domain.Execution) {
	keep := make(map[string]bool, len(running))
	for _, e := range running {
		keep[e.ID] = true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for id := range o.unsupported {
		if !keep[id] {
			delete(o.unsupported, id)
		}
	}
}

// FinalizeSweep tries to finalize every RUNNING execution. A failure on one
// execution is logged and does not stop the others.
func (o *Orchestrator) FinalizeSweep(ctx context.Context) error {
	running, err := o.Repo.ListExecutions(ctx, domain.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	o.forgetExcept(running)
	var errs []error
	for _, e := range running {
		if err := o.FinalizeExecution(ctx, e.ID); err != nil {
			o.Log.Warn("finalize sweep: execution skipped", zap.String("execution_id", e.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceError moves the execution to ERROR at once and cleans up its containers.
// It is a no-op when the execution already reached a terminal status.
func (o *Orchestrator) ForceError(ctx context.Context, executionID, reason string) error {
	if _, err := o.Lifecycle.Transition(ctx, executionID, domain.ExecutionError, reason); err != nil {
		if errors.Is(err, lifecycle.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if err := o.Runtime.Cleanup(ctx, executionID); err != nil {
		return fmt.Errorf("cleanup %s: %w", executionID, err)
	}
	return nil
}

// Wait blocks until background finalizations have returned.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}
