// Package engine wires the store, scheduler, heartbeat monitor, orchestrator
// and lifecycle together and exposes the use cases the API and CLI call.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"suiteline/internal/config"
	"suiteline/internal/domain"
	"suiteline/internal/events"
	"suiteline/internal/heartbeat"
	"suiteline/internal/lifecycle"
	"suiteline/internal/logger"
	"suiteline/internal/metrics"
	"suiteline/internal/orchestrator"
	"suiteline/internal/repo"
	"suiteline/internal/runtime"
	"suiteline/internal/scheduler"
)

var ErrValidation = errors.New("validation failed")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Runtime runtime.Runtime

	Lifecycle    *lifecycle.Lifecycle
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Monitor      *heartbeat.Monitor

	jobs *jobs
}

func New(db *sql.DB, cfg *config.Config, rt runtime.Runtime, log *zap.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if rt == nil {
		rt = runtime.NewNone()
	}
	log = logger.OrNop(log)
	r := repo.Repo{DB: db}
	m := metrics.New()

	lc := lifecycle.New(r, log, m)
	s := scheduler.New(r, log, m)
	o := orchestrator.New(r, lc, rt, log)
	o.GracePeriod = cfg.Orchestrator.GracePeriod
	o.MixedPolicy = cfg.Orchestrator.MixedTerminalPolicy
	mon := heartbeat.New(r, s, o, lc, rt, log, m)
	mon.Timeout = cfg.Heartbeat.Timeout

	return &Engine{
		DB:           db,
		Repo:         r,
		Events:       events.Writer{DB: db},
		Config:       cfg,
		Now:          time.Now,
		Log:          log,
		Metrics:      m,
		Runtime:      rt,
		Lifecycle:    lc,
		Scheduler:    s,
		Orchestrator: o,
		Monitor:      mon,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// SetClock replaces the clock of every component.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
	e.Lifecycle.Now = now
	e.Lifecycle.Events.Now = now
	e.Scheduler.Now = now
	e.Orchestrator.Now = now
	e.Orchestrator.Events.Now = now
	e.Monitor.Now = now
	e.Monitor.Events.Now = now
}

// SuiteCreateOptions are parameters for registering a test suite.
type SuiteCreateOptions struct {
	ID       string
	Name     string
	RootPath string
	Tests    []string
}

// CreateSuite stores a suite with its test paths.
func (e *Engine) CreateSuite(ctx context.Context, opts SuiteCreateOptions) (domain.TestSuite, []domain.Test, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.TestSuite{}, nil, fmt.Errorf("%w: suite name is required", ErrValidation)
	}
	if len(opts.Tests) == 0 {
		return domain.TestSuite{}, nil, fmt.Errorf("%w: suite needs at least one test", ErrValidation)
	}
	seen := make(map[string]bool, len(opts.Tests))
	for _, p := range opts.Tests {
		if strings.TrimSpace(p) == "" {
			return domain.TestSuite{}, nil, fmt.Errorf("%w: empty test path", ErrValidation)
		}
		if seen[p] {
			return domain.TestSuite{}, nil, fmt.Errorf("%w: duplicate test path %q", ErrValidation, p)
		}
		seen[p] = true
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	suite := domain.TestSuite{ID: id, Name: opts.Name, RootPath: opts.RootPath, CreatedAt: e.now()}
	tests, err := e.Repo.InsertSuite(ctx, suite, opts.Tests)
	if err != nil {
		return domain.TestSuite{}, nil, err
	}
	if err := e.Events.AppendNow(ctx, events.SuiteCreated, "", "suite", suite.ID,
		events.EventPayload{"name": suite.Name, "tests": len(tests)}); err != nil {
		e.Log.Warn("append suite event failed", zap.String("suite_id", suite.ID), zap.Error(err))
	}
	return suite, tests, nil
}

// DeleteSuite obsoletes every live execution built from the suite, removes
// their containers and then deletes the suite with its tests.
func (e *Engine) DeleteSuite(ctx context.Context, id string) error {
	if _, err := e.Repo.GetSuite(ctx, id); err != nil {
		return fmt.Errorf("suite %s: %w", id, err)
	}
	linked, err := e.Repo.ExecutionsForSuite(ctx, id)
	if err != nil {
		return err
	}
	var obsoleted []string
	for _, ex := range linked {
		if !ex.Status.Live() {
			continue
		}
		if _, err := e.Lifecycle.Transition(ctx, ex.ID, domain.ExecutionObsolete, "suite "+id+" deleted"); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				continue
			}
			return fmt.Errorf("obsolete execution %s: %w", ex.ID, err)
		}
		obsoleted = append(obsoleted, ex.ID)
		if err := e.Runtime.Cleanup(ctx, ex.ID); err != nil {
			e.Log.Error("runtime cleanup failed", zap.String("execution_id", ex.ID), zap.Error(err))
		}
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteSuite(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.SuiteDeleted, "", "suite", id,
			events.EventPayload{"obsoleted_executions": obsoleted})
	})
	if err != nil {
		return fmt.Errorf("delete suite %s: %w", id, err)
	}
	e.Log.Info("suite deleted", zap.String("suite_id", id), zap.Strings("obsoleted", obsoleted))
	return nil
}

// StartOptions are parameters for starting an execution.
type StartOptions struct {
	SuiteIDs  []string
	BatchSize int
	Agents    int
	Image     string
	Env       map[string]string
}

// CreateExecution stores a PENDING execution with one READY test execution per
// test of the given suites.
func (e *Engine) CreateExecution(ctx context.Context, opts StartOptions) (domain.Execution, error) {
	if len(opts.SuiteIDs) == 0 {
		return domain.Execution{}, fmt.Errorf("%w: at least one suite is required", ErrValidation)
	}
	if opts.BatchSize < 0 {
		return domain.Execution{}, fmt.Errorf("%w: batch_size must not be negative", ErrValidation)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = e.Config.Scheduler.DefaultBatchSize
	}
	for _, id := range opts.SuiteIDs {
		if _, err := e.Repo.GetSuite(ctx, id); err != nil {
			return domain.Execution{}, fmt.Errorf("suite %s: %w", id, err)
		}
	}
	tests, err := e.Repo.ListTests(ctx, opts.SuiteIDs)
	if err != nil {
		return domain.Execution{}, err
	}

	now := e.now()
	ex := domain.Execution{
		ID:        uuid.NewString(),
		Status:    domain.ExecutionPending,
		BatchSize: opts.BatchSize,
		AllTests:  len(tests),
		CreatedAt: now,
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertExecution(ctx, tx, ex); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if err := e.Repo.LinkSuites(ctx, tx, ex.ID, opts.SuiteIDs); err != nil {
			return err
		}
		if err := e.Repo.InsertTestExecutions(ctx, tx, ex.ID, tests, now); err != nil {
			return fmt.Errorf("insert test executions: %w", err)
		}
		return e.Events.Append(ctx, tx, events.ExecutionCreated, ex.ID, "execution", ex.ID, events.EventPayload{
			"suites": opts.SuiteIDs, "tests": len(tests), "batch_size": opts.BatchSize,
		})
	})
	if err != nil {
		return domain.Execution{}, err
	}
	return e.Repo.GetExecution(ctx, ex.ID)
}

// StartExecution creates the execution, starts its agent containers and
// registers them. A failed start moves the execution to ERROR.
func (e *Engine) StartExecution(ctx context.Context, opts StartOptions) (domain.Execution, []string, error) {
	if opts.Agents <= 0 {
		return domain.Execution{}, nil, fmt.Errorf("%w: agents must be positive", ErrValidation)
	}
	ex, err := e.CreateExecution(ctx, opts)
	if err != nil {
		return domain.Execution{}, nil, err
	}
	log := e.Log.With(zap.String("execution_id", ex.ID))

	image := opts.Image
	if image == "" {
		image = e.Config.Runtime.Image
	}
	env := make(map[string]string, len(e.Config.Runtime.Env)+len(opts.Env))
	for k, v := range e.Config.Runtime.Env {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	ids, err := e.Runtime.Start(ctx, ex.ID, runtime.AgentConfig{
		Count:     opts.Agents,
		Image:     image,
		ServerURL: e.Config.Runtime.ServerURL,
		Env:       env,
	})
	if err == nil {
		err = e.Orchestrator.RegisterAgents(ctx, ex.ID, ids)
	}
	if err != nil {
		log.Error("starting agents failed", zap.Error(err))
		if ferr := e.Orchestrator.ForceError(ctx, ex.ID, "starting agents failed: "+err.Error()); ferr != nil {
			log.Error("marking execution failed", zap.Error(ferr))
		}
		return domain.Execution{}, nil, fmt.Errorf("start agents: %w", err)
	}
	log.Info("execution started", zap.Int("agents", len(ids)), zap.Int("tests", ex.AllTests))
	return ex, ids, nil
}

// UpdateExecutionStatus applies an externally requested status change.
// Terminal targets also remove the execution's containers.
func (e *Engine) UpdateExecutionStatus(ctx context.Context, id string, status domain.ExecutionStatus, reason string) (domain.Execution, error) {
	if !status.Valid() {
		return domain.Execution{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	ex, err := e.Lifecycle.Transition(ctx, id, status, reason)
	if err != nil {
		return domain.Execution{}, err
	}
	if status.Terminal() {
		if err := e.Runtime.Cleanup(ctx, id); err != nil {
			e.Log.Error("runtime cleanup failed", zap.String("execution_id", id), zap.Error(err))
		}
	}
	return ex, nil
}

// ReportResults records results reported by the agent holding the tests.
func (e *Engine) ReportResults(ctx context.Context, agentID string, results []repo.TestResult) (domain.Execution, error) {
	if len(results) == 0 {
		return domain.Execution{}, fmt.Errorf("%w: no results", ErrValidation)
	}
	for _, r := range results {
		if !r.Status.Result() {
			return domain.Execution{}, fmt.Errorf("%w: %q is not a result status", ErrValidation, r.Status)
		}
	}
	execID, err := e.Repo.ReportResults(ctx, agentID, results, e.now())
	if err != nil {
		return domain.Execution{}, err
	}
	return e.Repo.GetExecution(ctx, execID)
}

// Heartbeat forwards an agent heartbeat to the monitor.
func (e *Engine) Heartbeat(ctx context.Context, hb domain.Heartbeat) (domain.Directive, error) {
	return e.Monitor.Accept(ctx, hb)
}

// GetBatch claims the next batch for an agent.
func (e *Engine) GetBatch(ctx context.Context, agentID string) (domain.Batch, error) {
	return e.Scheduler.GetBatch(ctx, agentID)
}

// Start schedules the periodic sweeps.
func (e *Engine) Start() error {
	if e.jobs != nil {
		return nil
	}
	j, err := e.newJobs()
	if err != nil {
		return err
	}
	e.jobs = j
	j.start()
	return nil
}

// Stop stops the sweeps and waits for running and background work.
func (e *Engine) Stop(ctx context.Context) error {
	if e.jobs != nil {
		if err := e.jobs.stop(ctx); err != nil {
			return err
		}
		e.jobs = nil
	}
	done := make(chan struct{})
	go func() {
		e.Orchestrator.Wait()
		e.Lifecycle.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
