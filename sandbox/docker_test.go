package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDockerAPI implements DockerAPI for testing
type fakeDockerAPI struct {
	createName    string
	createConfig  *container.Config
	createHost    *container.HostConfig
	killSignal    string
	removeOptions container.RemoveOptions
	listOptions   container.ListOptions
	pulledRef     string

	waitStatus *container.WaitResponse
	waitErr    error
	logStream  []byte
	listResult []container.Summary
}

func (f *fakeDockerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, containerName string,
) (container.CreateResponse, error) {
	f.createName = containerName
	f.createConfig = config
	f.createHost = hostConfig
	return container.CreateResponse{ID: "abc123"}, nil
}

func (f *fakeDockerAPI) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDockerAPI) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	switch {
	case f.waitStatus != nil:
		statusCh <- *f.waitStatus
	case f.waitErr != nil:
		errCh <- f.waitErr
	default:
		// Behave like the engine: report the context error once it fires
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
	}
	return statusCh, errCh
}

func (f *fakeDockerAPI) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logStream)), nil
}

func (f *fakeDockerAPI) ContainerKill(_ context.Context, _ string, signal string) error {
	f.killSignal = signal
	return nil
}

func (f *fakeDockerAPI) ContainerRemove(_ context.Context, _ string, options container.RemoveOptions) error {
	f.removeOptions = options
	return nil
}

func (f *fakeDockerAPI) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.listOptions = options
	return f.listResult, nil
}

func (f *fakeDockerAPI) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulledRef = ref
	return io.NopCloser(strings.NewReader(`{"status":"Pulling"}`)), nil
}

func newTestDockerRuntime(t *testing.T, api *fakeDockerAPI) *DockerRuntime {
	t.Helper()
	rt, err := NewDockerRuntime(zaptest.NewLogger(t), WithDockerAPI(api))
	require.NoError(t, err)
	return rt
}

func TestContainerConfigs(t *testing.T) {
	spec := ContainerSpec{
		Name:       "coderunner-1",
		Image:      "python:3.12-slim",
		Command:    []string{"python", "/code/__wrapper__.py"},
		WorkingDir: "/code",
		Mounts: []Mount{
			{Source: "/ws/code", Target: "/code", ReadOnly: true},
			{Source: "/ws/output", Target: "/output"},
		},
		MemoryBytes:     256 * BytesPerMB,
		NanoCPUs:        NanoCPUsPerCPU,
		NetworkDisabled: true,
		Labels:          map[string]string{"colab-worker": "true"},
	}

	cfg, host := containerConfigs(spec)

	assert.Equal(t, "python:3.12-slim", cfg.Image)
	assert.Equal(t, []string{"python", "/code/__wrapper__.py"}, []string(cfg.Cmd))
	assert.Equal(t, "/code", cfg.WorkingDir)
	assert.True(t, cfg.NetworkDisabled)
	assert.Equal(t, map[string]string{"colab-worker": "true"}, cfg.Labels)

	assert.Equal(t, container.NetworkMode("none"), host.NetworkMode)
	assert.Equal(t, int64(256*BytesPerMB), host.Memory)
	assert.Equal(t, int64(NanoCPUsPerCPU), host.NanoCPUs)
	assert.Equal(t, []mount.Mount{
		{Type: mount.TypeBind, Source: "/ws/code", Target: "/code", ReadOnly: true},
		{Type: mount.TypeBind, Source: "/ws/output", Target: "/output", ReadOnly: false},
	}, host.Mounts)

	spec.NetworkDisabled = false
	cfg, host = containerConfigs(spec)
	assert.False(t, cfg.NetworkDisabled)
	assert.Empty(t, string(host.NetworkMode))
}

func TestDockerRuntimeCreate(t *testing.T) {
	api := &fakeDockerAPI{}
	rt := newTestDockerRuntime(t, api)

	id, err := rt.Create(context.Background(), ContainerSpec{Name: "coderunner-x", Image: "python:3.12-slim"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "coderunner-x", api.createName)
}

func TestDockerRuntimeWait(t *testing.T) {
	t.Run("ExitCode", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeDockerAPI{waitStatus: &container.WaitResponse{StatusCode: 3}})
		code, err := rt.Wait(context.Background(), "abc123", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 3, code)
	})

	t.Run("WaitExitError", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeDockerAPI{waitStatus: &container.WaitResponse{
			Error: &container.WaitExitError{Message: "oom"},
		}})
		_, err := rt.Wait(context.Background(), "abc123", time.Second)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oom")
	})

	t.Run("Timeout", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeDockerAPI{})
		code, err := rt.Wait(context.Background(), "abc123", 20*time.Millisecond)
		require.ErrorIs(t, err, ErrWaitTimeout)
		assert.Equal(t, -1, code)
	})

	t.Run("ParentCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rt := newTestDockerRuntime(t, &fakeDockerAPI{})
		_, err := rt.Wait(ctx, "abc123", time.Minute)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrWaitTimeout)
	})

	t.Run("EngineError", func(t *testing.T) {
		rt := newTestDockerRuntime(t, &fakeDockerAPI{waitErr: errors.New("no such container")})
		_, err := rt.Wait(context.Background(), "abc123", time.Minute)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrWaitTimeout)
	})
}

func TestDockerRuntimeLogs(t *testing.T) {
	var stream bytes.Buffer
	_, err := stdcopy.NewStdWriter(&stream, stdcopy.Stdout).Write([]byte("out line\n"))
	require.NoError(t, err)
	_, err = stdcopy.NewStdWriter(&stream, stdcopy.Stderr).Write([]byte("err line\n"))
	require.NoError(t, err)

	rt := newTestDockerRuntime(t, &fakeDockerAPI{logStream: stream.Bytes()})
	logs, err := rt.Logs(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "out line\nerr line\n", logs)
}

func TestDockerRuntimeKillRemoveList(t *testing.T) {
	api := &fakeDockerAPI{listResult: []container.Summary{{ID: "one"}, {ID: "two"}}}
	rt := newTestDockerRuntime(t, api)
	ctx := context.Background()

	require.NoError(t, rt.Kill(ctx, "abc123"))
	assert.Equal(t, "SIGKILL", api.killSignal)

	require.NoError(t, rt.Remove(ctx, "abc123"))
	assert.True(t, api.removeOptions.Force)

	ids, err := rt.List(ctx, map[string]string{"colab-worker": "true"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, ids)
	assert.Equal(t, []string{"colab-worker=true"}, api.listOptions.Filters.Get("label"))
	assert.False(t, api.listOptions.All)

	require.NoError(t, rt.PullImage(ctx, "python:3.12-slim"))
	assert.Equal(t, "python:3.12-slim", api.pulledRef)
}
