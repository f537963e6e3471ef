package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Paths inside the sandbox
const (
	CodeMountPath   = "/code"
	OutputMountPath = "/output"
	DataMountPath   = "/data"
	WrapperFileName = "__wrapper__.py"
)

// File permission and size constants
const (
	DirPermission       = 0755
	OutputDirPermission = 0777
	FilePermission      = 0644
	BytesPerKB          = 1024
	BytesPerMB          = 1024 * 1024
	NanoCPUsPerCPU      = 1_000_000_000
)

var (
	// ErrWaitTimeout is returned by Runtime.Wait when the sandbox outlives its budget.
	ErrWaitTimeout = errors.New("sandbox wait timed out")
	// ErrUnsafeFilename is returned for job filenames that do not resolve to a direct child of the code directory.
	ErrUnsafeFilename = errors.New("unsafe filename")
	// ErrEntrypointMissing is returned when the entrypoint is not one of the job's files.
	ErrEntrypointMissing = errors.New("entrypoint not found in files")
	// ErrInvalidPackage is returned for package names that pip would not treat as a requirement.
	ErrInvalidPackage = errors.New("invalid package name")
	// ErrUnsafeRoom is returned for room identifiers that would escape the upload root.
	ErrUnsafeRoom = errors.New("unsafe room id")
)

// Mount binds a host path into the sandbox
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes one sandbox to create
type ContainerSpec struct {
	Name            string
	Image           string
	Command         []string
	WorkingDir      string
	Mounts          []Mount
	MemoryBytes     int64
	NanoCPUs        int64
	NetworkDisabled bool
	Labels          map[string]string
}

// Runtime is the external isolation service the worker drives.
// Handles returned by Create are opaque runtime identifiers.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the sandbox exits and returns its exit code, or
	// ErrWaitTimeout once timeout elapses.
	Wait(ctx context.Context, id string, timeout time.Duration) (int, error)
	// Logs returns combined stdout and stderr.
	Logs(ctx context.Context, id string) (string, error)
	Kill(ctx context.Context, id string) error
	// Remove force-removes the sandbox whether or not it is running.
	Remove(ctx context.Context, id string) error
	// List returns the running sandboxes carrying all of labels.
	List(ctx context.Context, labels map[string]string) ([]string, error)
	PullImage(ctx context.Context, image string) error
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // arguments are built by this package

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	Chmod(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	ReadDir(dirname string) ([]os.DirEntry, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) Chmod(path string, perm os.FileMode) error {
	return os.Chmod(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) ReadDir(dirname string) ([]os.DirEntry, error) {
	return os.ReadDir(dirname)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
