package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderunner/job"
)

// TimeoutMessage is the output reported for jobs that exceed the timeout
const TimeoutMessage = "Execution timed out"

// DefaultCleanupTimeout bounds sandbox removal after a job finishes
const DefaultCleanupTimeout = 10 * time.Second

// OutcomeKind classifies how a job ended
type OutcomeKind int

const (
	// OutcomeCompleted means the sandbox ran to exit; the exit code may be non-zero
	OutcomeCompleted OutcomeKind = iota
	// OutcomeLaunchFailure means the workspace or sandbox could not be set up
	OutcomeLaunchFailure
	// OutcomeTimeout means the sandbox was killed after the wall-clock budget
	OutcomeTimeout
	// OutcomeFault means something unexpected went wrong while supervising
	OutcomeFault
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeLaunchFailure:
		return "launch_failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFault:
		return "fault"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of supervising one job
type Outcome struct {
	Kind     OutcomeKind
	Output   string
	Plots    []job.Plot
	ExitCode int
	Err      error
}

// Succeeded reports whether the job ran to completion with exit code zero
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeCompleted && o.ExitCode == 0
}

func failedOutcome(kind OutcomeKind, err error) Outcome {
	return Outcome{Kind: kind, Output: err.Error(), Plots: []job.Plot{}, ExitCode: -1, Err: err}
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithCleanupTimeout overrides the time allowed for post-job cleanup
func WithCleanupTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.cleanupTimeout = d
	}
}

// Supervisor runs one job end to end and always cleans up after it
type Supervisor struct {
	logger         *zap.Logger
	runtime        Runtime
	builder        *WorkspaceBuilder
	launcher       *Launcher
	fs             FileSystem
	config         *Config
	cleanupTimeout time.Duration
}

// NewSupervisor wires a supervisor with its workspace builder and launcher
func NewSupervisor(logger *zap.Logger, runtime Runtime, config *Config, fs FileSystem, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:         logger,
		runtime:        runtime,
		builder:        NewWorkspaceBuilder(fs, config.WorkDir),
		launcher:       NewLauncher(logger, runtime, config, fs),
		fs:             fs,
		config:         config,
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs j and returns its outcome. It never panics. When onCreated is
// non-nil it is called once the job's sandbox exists in the runtime.
func (s *Supervisor) Execute(ctx context.Context, j job.Job, onCreated func()) (outcome Outcome) {
	log := s.logger.With(zap.String("job_id", j.JobID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered panic while supervising job", zap.Any("panic", r))
			outcome = failedOutcome(OutcomeFault, fmt.Errorf("internal error: %v", r))
		}
	}()

	ws, err := s.builder.Build(j)
	if err != nil {
		log.Warn("Failed to build workspace", zap.Error(err))
		return failedOutcome(OutcomeLaunchFailure, err)
	}

	var handle string
	defer func() {
		s.cleanup(ctx, log, ws, handle)
	}()

	handle, err = s.launcher.Launch(ctx, j, ws)
	if handle != "" && onCreated != nil {
		onCreated()
	}
	if err != nil {
		log.Warn("Failed to launch sandbox", zap.Error(err))
		return failedOutcome(OutcomeLaunchFailure, err)
	}

	log = log.With(zap.String("sandbox_id", handle))
	log.Info("Sandbox started", zap.Duration("timeout", s.config.Timeout))

	exitCode, err := s.runtime.Wait(ctx, handle, s.config.Timeout)
	if errors.Is(err, ErrWaitTimeout) {
		log.Warn("Sandbox timed out, killing it")
		s.kill(ctx, log, handle)
		return Outcome{
			Kind:     OutcomeTimeout,
			Output:   TimeoutMessage,
			Plots:    []job.Plot{},
			ExitCode: -1,
			Err:      ErrWaitTimeout,
		}
	}
	if err != nil {
		log.Error("Failed waiting for sandbox", zap.Error(err))
		return failedOutcome(OutcomeFault, fmt.Errorf("failed waiting for sandbox: %w", err))
	}

	logs, err := s.runtime.Logs(ctx, handle)
	if err != nil {
		log.Error("Failed to read sandbox logs", zap.Error(err))
		return failedOutcome(OutcomeFault, fmt.Errorf("failed to read sandbox logs: %w", err))
	}

	output := SanitizeOutput(logs, s.config.MaxOutputBytes)
	plots := ExtractPlots(log, s.fs, ws.OutputDir, s.config.ArtifactPatterns, s.config.MaxArtifactBytes)

	log.Info("Sandbox finished",
		zap.Int("exit_code", exitCode),
		zap.Int("output_bytes", len(output)),
		zap.Int("plots", len(plots)))

	return Outcome{
		Kind:     OutcomeCompleted,
		Output:   output,
		Plots:    plots,
		ExitCode: exitCode,
	}
}

func (s *Supervisor) kill(ctx context.Context, log *zap.Logger, handle string) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()
	if err := s.runtime.Kill(killCtx, handle); err != nil {
		log.Warn("Failed to kill sandbox", zap.Error(err))
	}
}

// cleanup runs on every path, including shutdown, so it does not inherit
// cancellation from the job context.
func (s *Supervisor) cleanup(ctx context.Context, log *zap.Logger, ws *Workspace, handle string) {
	if handle != "" {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
		if err := s.runtime.Remove(removeCtx, handle); err != nil {
			log.Warn("Failed to remove sandbox", zap.String("sandbox_id", handle), zap.Error(err))
		}
		cancel()
	}

	if err := ws.Cleanup(); err != nil {
		log.Warn("Failed to remove workspace", zap.String("path", ws.Root), zap.Error(err))
	}
}
