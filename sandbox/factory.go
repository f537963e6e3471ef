package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderunner/config"
)

// Config holds the per-sandbox policy shared by the launcher and supervisor
type Config struct {
	Image            string
	Timeout          time.Duration
	MemoryMB         int
	CPUs             float64
	MaxOutputBytes   int
	MaxArtifactBytes int64
	WorkDir          string
	UploadDir        string
	Labels           map[string]string
	ArtifactPatterns []string
}

// NewConfig derives the sandbox policy from the application configuration
func NewConfig(cfg *config.Config) *Config {
	return &Config{
		Image:            cfg.Sandbox.Image,
		Timeout:          cfg.GetTimeout(),
		MemoryMB:         cfg.Sandbox.MemoryMB,
		CPUs:             cfg.Sandbox.CPUs,
		MaxOutputBytes:   cfg.Sandbox.MaxOutputKB * BytesPerKB,
		MaxArtifactBytes: int64(cfg.Sandbox.MaxArtifactSizeMB) * BytesPerMB,
		WorkDir:          cfg.Sandbox.WorkDir,
		UploadDir:        cfg.Sandbox.UploadDir,
		Labels:           cfg.MarkerLabel(),
		ArtifactPatterns: cfg.Sandbox.ArtifactPatterns,
	}
}

// NewRuntime creates the isolation runtime selected by sandbox.backend
func NewRuntime(logger *zap.Logger, cfg *config.Config) (Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return NewDockerRuntime(logger)
	case "podman":
		return NewCLIRuntime(logger, cfg.Sandbox.PodmanBinary), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
