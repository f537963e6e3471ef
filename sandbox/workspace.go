package sandbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/isdmx/coderunner/job"
)

// wrapperTemplate is the entry script placed next to the user's files.
// The single verb receives the JSON-quoted entrypoint path.
const wrapperTemplate = `import os
import runpy
import sys

sys.path.insert(0, '/code')
os.chdir('/code')
os.makedirs('/output', exist_ok=True)

try:
    import matplotlib
    matplotlib.use('Agg')
    import matplotlib.pyplot as plt

    _original_savefig = plt.savefig

    def _savefig_to_output(fname, *args, **kwargs):
        if isinstance(fname, (str, os.PathLike)) and not os.path.isabs(fname):
            fname = os.path.join('/output', os.fspath(fname))
        return _original_savefig(fname, *args, **kwargs)

    plt.savefig = _savefig_to_output
except ImportError:
    pass

runpy.run_path(%s, run_name='__main__')
`

// Workspace is the per-job directory tree mounted into a sandbox
type Workspace struct {
	Root      string
	CodeDir   string
	OutputDir string

	fs FileSystem
}

// Cleanup removes the whole workspace tree
func (w *Workspace) Cleanup() error {
	return w.fs.RemoveAll(w.Root)
}

// WorkspaceBuilder materializes jobs on the host filesystem
type WorkspaceBuilder struct {
	fs      FileSystem
	baseDir string
}

// NewWorkspaceBuilder creates a builder that allocates workspaces under baseDir,
// or under the system temporary directory when baseDir is empty.
func NewWorkspaceBuilder(fs FileSystem, baseDir string) *WorkspaceBuilder {
	return &WorkspaceBuilder{fs: fs, baseDir: baseDir}
}

// Build writes the job's files and the entry script into a fresh workspace.
// Nothing is left on disk when Build fails.
func (b *WorkspaceBuilder) Build(j job.Job) (*Workspace, error) {
	if err := validateFiles(j); err != nil {
		return nil, err
	}

	baseDir := b.baseDir
	if baseDir != "" {
		abs, err := filepath.Abs(baseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve work dir: %w", err)
		}
		baseDir = abs
		if err := b.fs.MkdirAll(baseDir, DirPermission); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}

	root, err := b.fs.MkdirTemp(baseDir, "coderunner-job-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	ws := &Workspace{
		Root:      root,
		CodeDir:   filepath.Join(root, "code"),
		OutputDir: filepath.Join(root, "output"),
		fs:        b.fs,
	}

	if err := b.populate(ws, j); err != nil {
		_ = ws.Cleanup()
		return nil, err
	}

	return ws, nil
}

func (b *WorkspaceBuilder) populate(ws *Workspace, j job.Job) error {
	if err := b.fs.MkdirAll(ws.CodeDir, DirPermission); err != nil {
		return fmt.Errorf("failed to create code dir: %w", err)
	}
	if err := b.fs.MkdirAll(ws.OutputDir, DirPermission); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	// The sandbox user is not necessarily the host user
	if err := b.fs.Chmod(ws.OutputDir, OutputDirPermission); err != nil {
		return fmt.Errorf("failed to open output dir: %w", err)
	}

	names := make([]string, 0, len(j.Files))
	for name := range j.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path, err := resolveChild(ws.CodeDir, name)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
		}
		if err := b.fs.WriteFile(path, []byte(j.Files[name]), FilePermission); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	wrapper, err := WrapperScript(j.Entrypoint)
	if err != nil {
		return err
	}
	if err := b.fs.WriteFile(filepath.Join(ws.CodeDir, WrapperFileName), []byte(wrapper), FilePermission); err != nil {
		return fmt.Errorf("failed to write entry script: %w", err)
	}

	return nil
}

func validateFiles(j job.Job) error {
	for name := range j.Files {
		if name == WrapperFileName {
			return fmt.Errorf("%w: %q is reserved", ErrUnsafeFilename, name)
		}
		if _, err := resolveChild("/code", name); err != nil {
			return fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
		}
	}
	if _, ok := j.Files[j.Entrypoint]; !ok {
		return fmt.Errorf("%w: %q", ErrEntrypointMissing, j.Entrypoint)
	}
	return nil
}

// WrapperScript renders the entry script that runs entrypoint as __main__
func WrapperScript(entrypoint string) (string, error) {
	target, err := json.Marshal(CodeMountPath + "/" + entrypoint)
	if err != nil {
		return "", fmt.Errorf("failed to encode entrypoint: %w", err)
	}
	return fmt.Sprintf(wrapperTemplate, target), nil
}

// resolveChild returns root/name when name is a single path element that
// stays a direct child of root after canonical resolution.
func resolveChild(root, name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid path element %q", name)
	}

	cleanRoot := filepath.Clean(root)
	path := filepath.Join(cleanRoot, name)
	if filepath.Dir(path) != cleanRoot {
		return "", fmt.Errorf("path element %q escapes %s", name, root)
	}
	return path, nil
}
