package sandbox

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"regexp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/coderunner/job"
)

// SandboxNamePrefix prefixes every sandbox name this worker creates
const SandboxNamePrefix = "coderunner-"

// packagePattern accepts a distribution name with optional extras and version specifiers
var packagePattern = regexp.MustCompile(
	`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?` +
		`(?:\[[A-Za-z0-9._-]+(?:,[A-Za-z0-9._-]+)*\])?` +
		`(?:(?:==|!=|<=|>=|~=|<|>)[A-Za-z0-9.*+!_-]+(?:,(?:==|!=|<=|>=|~=|<|>)[A-Za-z0-9.*+!_-]+)*)?$`)

// LauncherOption configures a Launcher
type LauncherOption func(*Launcher)

// WithNameGenerator overrides how sandbox names are generated
func WithNameGenerator(gen func() string) LauncherOption {
	return func(l *Launcher) {
		l.newName = gen
	}
}

// Launcher turns a job and its workspace into a running sandbox
type Launcher struct {
	logger  *zap.Logger
	runtime Runtime
	config  *Config
	fs      FileSystem
	newName func() string
}

// NewLauncher creates a launcher bound to runtime
func NewLauncher(logger *zap.Logger, runtime Runtime, config *Config, fs FileSystem, opts ...LauncherOption) *Launcher {
	l := &Launcher{
		logger:  logger,
		runtime: runtime,
		config:  config,
		fs:      fs,
		newName: func() string { return SandboxNamePrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch creates and starts the job's sandbox. When the sandbox was created
// but could not be started, the handle is returned alongside the error so the
// caller can remove it.
func (l *Launcher) Launch(ctx context.Context, j job.Job, ws *Workspace) (string, error) {
	spec, err := l.BuildSpec(j, ws)
	if err != nil {
		return "", err
	}

	id, err := l.runtime.Create(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}

	l.logger.Debug("Sandbox created",
		zap.String("job_id", j.JobID),
		zap.String("sandbox_id", id),
		zap.String("name", spec.Name),
		zap.Bool("network", !spec.NetworkDisabled),
		zap.Int("mounts", len(spec.Mounts)))

	if err := l.runtime.Start(ctx, id); err != nil {
		return id, fmt.Errorf("failed to start sandbox: %w", err)
	}

	return id, nil
}

// BuildSpec assembles the command, mounts, limits and labels for a job
func (l *Launcher) BuildSpec(j job.Job, ws *Workspace) (ContainerSpec, error) {
	command, err := BuildCommand(j.Packages)
	if err != nil {
		return ContainerSpec{}, err
	}

	mounts, err := l.buildMounts(j, ws)
	if err != nil {
		return ContainerSpec{}, err
	}

	labels := make(map[string]string, len(l.config.Labels))
	for k, v := range l.config.Labels {
		labels[k] = v
	}

	return ContainerSpec{
		Name:            l.newName(),
		Image:           l.config.Image,
		Command:         command,
		WorkingDir:      CodeMountPath,
		Mounts:          mounts,
		MemoryBytes:     int64(l.config.MemoryMB) * BytesPerMB,
		NanoCPUs:        int64(math.Round(l.config.CPUs * NanoCPUsPerCPU)),
		NetworkDisabled: !j.NeedsNetwork(),
		Labels:          labels,
	}, nil
}

func (l *Launcher) buildMounts(j job.Job, ws *Workspace) ([]Mount, error) {
	mounts := []Mount{
		{Source: ws.CodeDir, Target: CodeMountPath, ReadOnly: true},
		{Source: ws.OutputDir, Target: OutputMountPath, ReadOnly: false},
	}

	if l.config.UploadDir == "" {
		return mounts, nil
	}

	uploadRoot, err := filepath.Abs(l.config.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
	}

	roomDir, err := resolveChild(uploadRoot, j.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsafeRoom, j.RoomID)
	}

	exists, err := l.fs.FileExists(roomDir)
	if err != nil {
		l.logger.Warn("Failed to check upload dir", zap.String("path", roomDir), zap.Error(err))
		return mounts, nil
	}
	if exists {
		mounts = append(mounts, Mount{Source: roomDir, Target: DataMountPath, ReadOnly: true})
	}

	return mounts, nil
}

// BuildCommand returns the sandbox command line. Packages are handed to the
// shell as positional parameters and never spliced into the script.
func BuildCommand(packages []string) ([]string, error) {
	entry := CodeMountPath + "/" + WrapperFileName
	if len(packages) == 0 {
		return []string{"python", entry}, nil
	}

	for _, pkg := range packages {
		if !packagePattern.MatchString(pkg) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPackage, pkg)
		}
	}

	script := fmt.Sprintf(`pip install --no-cache-dir -q "$@" && python %s`, entry)
	command := make([]string, 0, len(packages)+4)
	command = append(command, "sh", "-c", script, "sh")
	command = append(command, packages...)
	return command, nil
}
