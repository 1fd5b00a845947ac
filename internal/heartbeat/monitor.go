// Package heartbeat ingests agent heartbeats and detects agents that went silent.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"suiteline/internal/domain"
	"suiteline/internal/events"
	"suiteline/internal/lifecycle"
	"suiteline/internal/logger"
	"suiteline/internal/metrics"
	"suiteline/internal/orchestrator"
	"suiteline/internal/repo"
	"suiteline/internal/runtime"
	"suiteline/internal/scheduler"
)

var ErrUnknownState = errors.New("unknown agent state")

const allCrashedReason = "all agents crashed"

type Monitor struct {
	Repo         repo.Repo
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Lifecycle    *lifecycle.Lifecycle
	Runtime      runtime.Runtime
	Events       events.Writer
	Log          *zap.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
	// Timeout is how long an agent may stay silent before it is suspected crashed.
	Timeout time.Duration

	live *Liveness
}

func New(r repo.Repo, s *scheduler.Scheduler, o *orchestrator.Orchestrator, lc *lifecycle.Lifecycle, rt runtime.Runtime, log *zap.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		Repo:         r,
		Scheduler:    s,
		Orchestrator: o,
		Lifecycle:    lc,
		Runtime:      rt,
		Events:       events.Writer{DB: r.DB},
		Log:          logger.OrNop(log).Named("heartbeat"),
		Metrics:      m,
		Now:          time.Now,
		Timeout:      time.Minute,
		live:         NewLiveness(),
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Liveness exposes the in-memory liveness table.
func (m *Monitor) Liveness() *Liveness {
	return m.live
}

func (m *Monitor) observe(hb domain.Heartbeat, d domain.Directive) {
	if m.Metrics == nil {
		return
	}
	m.Metrics.HeartbeatsTotal.WithLabelValues(string(hb.State), string(d.Kind)).Inc()
	live, crashed := m.live.Len()
	m.Metrics.LiveAgents.Set(float64(live))
	m.Metrics.SuspectedCrashes.Set(float64(crashed))
}

// Accept records a heartbeat and answers with what the agent should do next.
func (m *Monitor) Accept(ctx context.Context, hb domain.Heartbeat) (domain.Directive, error) {
	if !hb.State.Valid() {
		return domain.Directive{}, fmt.Errorf("%w: %q", ErrUnknownState, hb.State)
	}
	agent, err := m.Repo.GetAgent(ctx, hb.AgentID)
	if err != nil {
		return domain.Directive{}, fmt.Errorf("agent %s: %w", hb.AgentID, err)
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = m.now()
	}
	log := m.Log.With(zap.String("agent_id", agent.ID), zap.String("execution_id", agent.ExecutionID), zap.String("state", string(hb.State)))

	_, statusErr := m.Repo.AppendAgentStatus(ctx, domain.AgentStatus{AgentID: agent.ID, State: hb.State, Timestamp: hb.Timestamp})
	first := m.live.Update(agent.ID, hb.State, hb.Timestamp)
	if statusErr != nil {
		log.Warn("agent status write failed", zap.Error(statusErr))
		if m.Metrics != nil {
			m.Metrics.StatusWriteFailures.Inc()
		}
		d := domain.Wait()
		m.observe(hb, d)
		return d, nil
	}
	if _, err := m.Lifecycle.MarkRunning(ctx, agent.ExecutionID); err != nil {
		log.Warn("mark execution running failed", zap.Error(err))
	}

	d, err := m.directive(ctx, log, agent, hb.State, first)
	m.observe(hb, d)
	return d, err
}

func (m *Monitor) directive(ctx context.Context, log *zap.Logger, agent domain.Agent, state domain.AgentState, first bool) (domain.Directive, error) {
	switch state {
	case domain.AgentStarting, domain.AgentIdle:
		return m.nextWork(ctx, log, agent, first)
	case domain.AgentFinished:
		held, err := m.Repo.CountRunningByAgent(ctx, agent.ID)
		if err != nil {
			return m.transient(log, err)
		}
		if held == 0 {
			return m.nextWork(ctx, log, agent, first)
		}
		n, err := m.Repo.FailAgentTests(ctx, agent.ID, domain.TestFailed, m.now())
		if err != nil {
			log.Warn("failing outstanding tests failed", zap.Error(err))
		} else {
			log.Info("outstanding tests failed after FINISHED", zap.Int64("tests", n))
		}
		return domain.Wait(), nil
	case domain.AgentBusy:
		return domain.Continue(), nil
	case domain.AgentCrashed:
		err := domain.InvariantError{Subject: "agent " + agent.ID, Detail: "agent reported CRASHED in a heartbeat"}
		log.Error("invariant violation", zap.Error(err))
		return domain.Wait(), err
	}
	// BACKEND_FAILURE, BACKEND_UNREACHABLE, CLI_FAILED, STOPPED_BY_ORCH, TERMINATED
	return domain.Wait(), nil
}

func (m *Monitor) nextWork(ctx context.Context, log *zap.Logger, agent domain.Agent, first bool) (domain.Directive, error) {
	batch, err := m.Scheduler.GetBatch(ctx, agent.ID)
	if err != nil {
		return m.transient(log, err)
	}
	if !batch.Empty() {
		return domain.NewJob(batch), nil
	}
	if first {
		return domain.Wait(), nil
	}
	done, err := m.Orchestrator.ShouldTerminate(ctx, agent.ID)
	if err != nil {
		return m.transient(log, err)
	}
	if !done {
		return domain.Wait(), nil
	}
	m.live.Remove(agent.ID)
	return domain.Terminate(), nil
}

// transient answers Wait for store hiccups and surfaces everything else.
func (m *Monitor) transient(log *zap.Logger, err error) (domain.Directive, error) {
	if repo.IsTransient(err) {
		log.Warn("transient store error", zap.Error(err))
		return domain.Wait(), nil
	}
	return domain.Wait(), err
}

// DetectCrashes flags every agent silent for longer than the timeout.
func (m *Monitor) DetectCrashes(ctx context.Context) []string {
	flagged := m.live.Flag(m.now(), m.Timeout)
	for _, id := range flagged {
		seen, _ := m.live.Get(id)
		m.Log.Warn("agent missed heartbeats",
			zap.String("agent_id", id),
			zap.String("last_state", string(seen.State)),
			zap.Time("last_seen", seen.LastSeen))
	}
	return flagged
}

// ProcessCrashes stops every flagged agent. Only a confirmed stop records the
// crash; unconfirmed agents stay flagged for the next pass.
func (m *Monitor) ProcessCrashes(ctx context.Context) error {
	var errs []error
	for _, id := range m.live.Crashed() {
		if err := m.processCrash(ctx, id); err != nil {
			m.Log.Warn("crash processing failed", zap.String("agent_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
		}
	}
	if m.Metrics != nil {
		live, crashed := m.live.Len()
		m.Metrics.LiveAgents.Set(float64(live))
		m.Metrics.SuspectedCrashes.Set(float64(crashed))
	}
	return errors.Join(errs...)
}

func (m *Monitor) processCrash(ctx context.Context, agentID string) error {
	stopped, err := m.Runtime.Stop(ctx, []string{agentID})
	if err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	if !stopped {
		m.Log.Info("agent stop not confirmed, retrying next pass", zap.String("agent_id", agentID))
		return nil
	}
	agent, err := m.Repo.GetAgent(ctx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		m.live.Remove(agentID)
		return nil
	}
	if err != nil {
		return err
	}

	state, err := m.Repo.CurrentAgentState(ctx, agentID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	// agents that stopped on their own keep their state
	if state != domain.AgentStoppedByOrch && state != domain.AgentTerminated {
		if _, err := m.Repo.AppendServerStatus(ctx, agentID, domain.AgentCrashed, m.now()); err != nil {
			return fmt.Errorf("record crash: %w", err)
		}
		n, err := m.Repo.FailAgentTests(ctx, agentID, domain.TestFailed, m.now())
		if err != nil {
			return fmt.Errorf("fail outstanding tests: %w", err)
		}
		if m.Metrics != nil {
			m.Metrics.AgentsCrashedTotal.Inc()
		}
		if err := m.Events.AppendNow(ctx, events.AgentCrashed, agent.ExecutionID, "agent", agentID,
			events.EventPayload{"failed_tests": n}); err != nil {
			m.Log.Warn("append crash event failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		m.Log.Warn("agent crashed", zap.String("agent_id", agentID), zap.String("execution_id", agent.ExecutionID), zap.Int64("failed_tests", n))
	}
	m.live.Remove(agentID)

	states, err := m.Repo.CurrentAgentStates(ctx, agent.ExecutionID)
	if err != nil {
		return err
	}
	allCrashed := len(states) > 0
	for _, s := range states {
		if s != domain.AgentCrashed {
			allCrashed = false
			break
		}
	}
	if allCrashed {
		if err := m.Orchestrator.ForceError(ctx, agent.ExecutionID, allCrashedReason); err != nil {
			return fmt.Errorf("force error: %w", err)
		}
		return nil
	}
	m.Orchestrator.FinalizeAsync(agent.ExecutionID)
	return nil
}

// Sweep runs one detection pass followed by one processing pass.
func (m *Monitor) Sweep(ctx context.Context) error {
	m.DetectCrashes(ctx)
	return m.ProcessCrashes(ctx)
}
