package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// DockerAPI is the subset of the Docker Engine client used by DockerRuntime
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// DockerRuntimeOption configures a DockerRuntime
type DockerRuntimeOption func(*DockerRuntime)

// WithDockerAPI replaces the engine client, mainly for tests
func WithDockerAPI(api DockerAPI) DockerRuntimeOption {
	return func(d *DockerRuntime) {
		d.api = api
	}
}

// DockerRuntime drives sandboxes through the Docker Engine API
type DockerRuntime struct {
	logger *zap.Logger
	api    DockerAPI
}

// NewDockerRuntime connects to the engine named by the DOCKER_* environment
func NewDockerRuntime(logger *zap.Logger, opts ...DockerRuntimeOption) (*DockerRuntime, error) {
	d := &DockerRuntime{logger: logger}
	for _, opt := range opts {
		opt(d)
	}

	if d.api == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.api = cli
	}

	return d, nil
}

// containerConfigs translates a ContainerSpec into engine create parameters
func containerConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		WorkingDir:      spec.WorkingDir,
		Labels:          spec.Labels,
		NetworkDisabled: spec.NetworkDisabled,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
		SecurityOpt: []string{"no-new-privileges:true"},
	}
	if spec.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	return cfg, hostCfg
}

func (d *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg := containerConfigs(spec)
	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	for _, warning := range resp.Warnings {
		d.logger.Warn("Docker create warning", zap.String("sandbox_id", resp.ID), zap.String("warning", warning))
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := d.api.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, waitError(ctx, waitCtx, err)
	case <-waitCtx.Done():
		return -1, waitError(ctx, waitCtx, waitCtx.Err())
	}
}

// waitError separates the wait deadline from cancellation of the caller
func waitError(parent, waitCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return ErrWaitTimeout
	}
	return fmt.Errorf("container wait: %w", err)
}

func (d *DockerRuntime) Logs(ctx context.Context, id string) (string, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	// One buffer for both streams keeps their interleaving
	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, rc); err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	return combined.String(), nil
}

func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	if err := d.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("container kill: %w", err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := d.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]string, error) {
	args := filters.NewArgs()
	for _, kv := range labelSelectors(labels) {
		args.Add("label", kv)
	}

	containers, err := d.api.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

// labelSelectors renders labels as sorted key=value filters
func labelSelectors(labels map[string]string) []string {
	selectors := make([]string, 0, len(labels))
	for k, v := range labels {
		selectors = append(selectors, k+"="+v)
	}
	sort.Strings(selectors)
	return selectors
}
