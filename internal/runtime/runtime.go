// Package runtime starts, stops and removes agent containers.
package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"suiteline/internal/config"
)

// LabelExecution tags every agent container with the execution it serves.
const LabelExecution = "suiteline.execution"

// AgentConfig describes the agents to start for one execution.
type AgentConfig struct {
	Count     int
	Image     string
	ServerURL string
	Env       map[string]string
}

// Runtime is the container backend agents run on. Agent ids are container ids.
type Runtime interface {
	Start(ctx context.Context, executionID string, cfg AgentConfig) ([]string, error)
	// Stop reports true only when every container is confirmed stopped.
	Stop(ctx context.Context, ids []string) (bool, error)
	IsStopped(ctx context.Context, id string) (bool, error)
	// Cleanup removes every container of the execution and prunes dangling images.
	Cleanup(ctx context.Context, executionID string) error
}

// New builds the runtime selected by cfg.Driver.
func New(cfg config.RuntimeConfig, log *zap.Logger) (Runtime, error) {
	switch cfg.Driver {
	case "docker":
		return NewDocker(cfg, log)
	case "none", "":
		return NewNone(), nil
	}
	return nil, fmt.Errorf("unknown runtime driver %q", cfg.Driver)
}

func agentEnv(executionID string, cfg AgentConfig) []string {
	env := []string{
		"SUITELINE_EXECUTION_ID=" + executionID,
	}
	if cfg.ServerURL != "" {
		env = append(env, "SUITELINE_SERVER_URL="+cfg.ServerURL)
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}
