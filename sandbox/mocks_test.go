package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
	// block makes matching commands wait for context cancellation
	block map[string]bool
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	cmdKey := strings.Join(args, " ")

	m.mu.Lock()
	m.calls = append(m.calls, args)
	blocked := m.block[cmdKey]
	result, exists := m.commandResults[cmdKey]
	m.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return "", "", -1, nil
	}
	if exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) lastCall() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}

// fakeRuntime implements Runtime in memory
type fakeRuntime struct {
	mu sync.Mutex

	created []ContainerSpec
	started []string
	killed  []string
	removed []string
	pulled  []string

	logsCalls int

	createErr error
	startErr  error
	logsErr   error
	removeErr error

	exitCode int
	logs     string

	// onStart runs with the created spec, e.g. to emulate the job writing files
	onStart func(spec ContainerSpec)
	// waitFn overrides Wait
	waitFn func(ctx context.Context, id string, timeout time.Duration) (int, error)
	// panicOnWait makes Wait panic
	panicOnWait bool
}

func (f *fakeRuntime) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return fmt.Sprintf("sandbox-%d", len(f.created)), nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.started = append(f.started, id)
	spec := f.created[len(f.created)-1]
	hook := f.onStart
	f.mu.Unlock()

	if hook != nil {
		hook(spec)
	}
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	if f.panicOnWait {
		panic("runtime exploded")
	}
	if f.waitFn != nil {
		return f.waitFn(ctx, id, timeout)
	}
	return f.exitCode, nil
}

func (f *fakeRuntime) Logs(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logsCalls++
	if f.logsErr != nil {
		return "", f.logsErr
	}
	return f.logs, nil
}

func (f *fakeRuntime) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeRuntime) List(context.Context, map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := make([]string, 0)
	for i := range f.created {
		id := fmt.Sprintf("sandbox-%d", i+1)
		if !contains(f.removed, id) {
			live = append(live, id)
		}
	}
	return live, nil
}

func (f *fakeRuntime) PullImage(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func mountSource(spec ContainerSpec, target string) string {
	for _, m := range spec.Mounts {
		if m.Target == target {
			return m.Source
		}
	}
	return ""
}
