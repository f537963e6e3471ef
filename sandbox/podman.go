package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIRuntime drives sandboxes through a Docker-compatible CLI such as podman
type CLIRuntime struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner for CLIRuntime
func WithCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(c *CLIRuntime) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLIRuntime creates a runtime that shells out to binary
func NewCLIRuntime(logger *zap.Logger, binary string, opts ...CLIRuntimeOption) *CLIRuntime {
	if binary == "" {
		binary = "podman"
	}
	c := &CLIRuntime{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes a CLI sub-command and fails on a non-zero exit
func (c *CLIRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmdArgs := append([]string{c.binary}, args...)
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, cmdArgs)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", c.binary, args[0], err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%s %s exited with code %d: %s", c.binary, args[0], exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// createArgs translates a ContainerSpec into `create` arguments
func createArgs(spec ContainerSpec) []string {
	args := []string{
		"create",
		"--name", spec.Name,
		"--memory", fmt.Sprintf("%db", spec.MemoryBytes),
		"--cpus", strconv.FormatFloat(float64(spec.NanoCPUs)/NanoCPUsPerCPU, 'f', -1, 64),
		"--security-opt", "no-new-privileges",
	}
	if spec.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	for _, selector := range labelSelectors(spec.Labels) {
		args = append(args, "--label", selector)
	}
	for _, m := range spec.Mounts {
		opt := fmt.Sprintf("type=bind,source=%s,target=%s", m.Source, m.Target)
		if m.ReadOnly {
			opt += ",readonly"
		}
		args = append(args, "--mount", opt)
	}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func (c *CLIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	stdout, err := c.run(ctx, createArgs(spec)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("%s create returned no container id", c.binary)
	}
	return id, nil
}

func (c *CLIRuntime) Start(ctx context.Context, id string) error {
	_, err := c.run(ctx, "start", id)
	return err
}

func (c *CLIRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, err := c.run(waitCtx, "wait", id)

	// The runner reports a killed process as an exit, so check the deadline first
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return -1, ErrWaitTimeout
	}
	if err != nil {
		return -1, err
	}

	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return -1, fmt.Errorf("%s wait returned no exit code", c.binary)
	}
	code, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return -1, fmt.Errorf("%s wait returned invalid exit code %q: %w", c.binary, stdout, err)
	}
	return code, nil
}

// Logs returns the sandbox's stdout followed by its stderr. The CLI delivers
// the two streams on separate pipes, so their relative line order is lost.
func (c *CLIRuntime) Logs(ctx context.Context, id string) (string, error) {
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.binary, "logs", id})
	if err != nil {
		return "", fmt.Errorf("%s logs: %w", c.binary, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%s logs exited with code %d: %s", c.binary, exitCode, strings.TrimSpace(stderr))
	}
	return stdout + stderr, nil
}

func (c *CLIRuntime) Kill(ctx context.Context, id string) error {
	_, err := c.run(ctx, "kill", "--signal", "KILL", id)
	return err
}

func (c *CLIRuntime) Remove(ctx context.Context, id string) error {
	_, err := c.run(ctx, "rm", "--force", id)
	return err
}

func (c *CLIRuntime) List(ctx context.Context, labels map[string]string) ([]string, error) {
	args := []string{"ps", "--quiet", "--no-trunc"}
	for _, selector := range labelSelectors(labels) {
		args = append(args, "--filter", "label="+selector)
	}
	stdout, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(stdout), nil
}

func (c *CLIRuntime) PullImage(ctx context.Context, image string) error {
	c.logger.Debug("Pulling image", zap.String("image", image), zap.String("binary", c.binary))
	_, err := c.run(ctx, "pull", "--quiet", image)
	return err
}
