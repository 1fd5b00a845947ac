package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"suiteline/internal/config"
	"suiteline/internal/logger"
)

// shortIDLen matches the id docker exposes inside the container as $HOSTNAME.
const shortIDLen = 12

// Docker runs one agent per container on a Docker engine.
type Docker struct {
	cli         *client.Client
	image       string
	network     string
	stopTimeout time.Duration
	env         map[string]string
	log         *zap.Logger
}

func NewDocker(cfg config.RuntimeConfig, log *zap.Logger) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize docker client: %w", err)
	}
	return &Docker{
		cli:         cli,
		image:       cfg.Image,
		network:     cfg.Network,
		stopTimeout: cfg.StopTimeout,
		env:         cfg.Env,
		log:         logger.OrNop(log).Named("docker"),
	}, nil
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func (d *Docker) Start(ctx context.Context, executionID string, cfg AgentConfig) ([]string, error) {
	image := cfg.Image
	if image == "" {
		image = d.image
	}
	env := map[string]string{}
	for k, v := range d.env {
		env[k] = v
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	cfg.Env = env

	var ids []string
	for i := 0; i < cfg.Count; i++ {
		hostCfg := &container.HostConfig{}
		var netCfg *network.NetworkingConfig
		if d.network != "" {
			hostCfg.NetworkMode = container.NetworkMode(d.network)
		}
		resp, err := d.cli.ContainerCreate(ctx, &container.Config{
			Image:  image,
			Env:    agentEnv(executionID, cfg),
			Labels: map[string]string{LabelExecution: executionID},
		}, hostCfg, netCfg, nil, "")
		if err != nil {
			return ids, fmt.Errorf("failed to create agent container: %w", err)
		}
		id := shortID(resp.ID)
		if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
			return ids, fmt.Errorf("failed to start container %s: %w", id, err)
		}
		ids = append(ids, id)
	}
	d.log.Info("agents started", zap.String("execution_id", executionID), zap.Strings("containers", ids))
	return ids, nil
}

func (d *Docker) Stop(ctx context.Context, ids []string) (bool, error) {
	var timeout *int
	if d.stopTimeout > 0 {
		secs := int(d.stopTimeout.Seconds())
		timeout = &secs
	}
	all := true
	for _, id := range ids {
		err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: timeout})
		if err != nil && !client.IsErrNotFound(err) {
			return false, fmt.Errorf("failed to stop container %s: %w", id, err)
		}
		stopped, err := d.IsStopped(ctx, id)
		if err != nil {
			return false, err
		}
		all = all && stopped
	}
	return all, nil
}

func (d *Docker) IsStopped(ctx context.Context, id string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if client.IsErrNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	return info.State == nil || !info.State.Running, nil
}

func (d *Docker) Cleanup(ctx context.Context, executionID string) error {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelExecution+"="+executionID)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		err := d.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container %s: %w", shortID(c.ID), err)
		}
	}
	report, err := d.cli.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		d.log.Warn("image prune failed", zap.Error(err))
	} else {
		d.log.Debug("images pruned", zap.Int("count", len(report.ImagesDeleted)), zap.Uint64("reclaimed", report.SpaceReclaimed))
	}
	d.log.Info("execution cleaned up", zap.String("execution_id", executionID), zap.Int("containers", len(containers)))
	return nil
}
