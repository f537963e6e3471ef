package sandbox

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/isdmx/coderunner/job"
)

// Lines emitted by pip that say nothing about the user's program
var (
	installerNoisePrefixes = []string{
		"WARNING:",
		"[notice]",
	}
	installerNoiseFragments = []string{
		"pip install --upgrade pip",
		"Running pip as the",
		"root-user-action",
		"possibly rendering your system unusable",
		"pypa.io/warnings/venv",
	}
)

// TruncationMarker returns the suffix appended to output cut at maxBytes
func TruncationMarker(maxBytes int) string {
	return fmt.Sprintf("\n\n... [Output truncated to %dKB]", maxBytes/BytesPerKB)
}

// TruncateOutput caps s at maxBytes without splitting a multi-byte character.
// A truncated result carries the marker.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}

	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker(maxBytes)
}

// FilterInstallerNoise drops package-installer chatter and trims blank lines
// from both ends of what remains.
func FilterInstallerNoise(s string) string {
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if !isInstallerNoise(line) {
			kept = append(kept, line)
		}
	}

	start, end := 0, len(kept)
	for start < end && strings.TrimSpace(kept[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(kept[end-1]) == "" {
		end--
	}
	return strings.Join(kept[start:end], "\n")
}

func isInstallerNoise(line string) bool {
	for _, prefix := range installerNoisePrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	for _, fragment := range installerNoiseFragments {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

// SanitizeOutput turns raw sandbox logs into the output stored in a result
func SanitizeOutput(raw string, maxBytes int) string {
	valid := strings.ToValidUTF8(raw, string(utf8.RuneError))
	return FilterInstallerNoise(TruncateOutput(valid, maxBytes))
}

// ExtractPlots base64-encodes the regular files in dir whose names match any
// of patterns, case-insensitively. Unreadable or oversized files are skipped.
// The result is never nil.
func ExtractPlots(logger *zap.Logger, fs FileSystem, dir string, patterns []string, maxBytes int64) []job.Plot {
	plots := []job.Plot{}

	entries, err := fs.ReadDir(dir)
	if err != nil {
		logger.Debug("Output directory not readable", zap.String("dir", dir), zap.Error(err))
		return plots
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		// Symlinks would let sandboxed code point the worker at host files
		if !entry.Type().IsRegular() || !matchesAny(entry.Name(), patterns) {
			continue
		}

		if maxBytes > 0 {
			info, err := entry.Info()
			if err != nil {
				logger.Warn("Failed to stat artifact", zap.String("name", entry.Name()), zap.Error(err))
				continue
			}
			if info.Size() > maxBytes {
				logger.Warn("Skipping oversized artifact",
					zap.String("name", entry.Name()),
					zap.Int64("size", info.Size()),
					zap.Int64("limit", maxBytes))
				continue
			}
		}

		data, err := fs.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("Failed to read artifact", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}

		plots = append(plots, job.Plot{
			Name: entry.Name(),
			Data: base64.StdEncoding.EncodeToString(data),
		})
	}

	return plots
}

func matchesAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, pattern := range patterns {
		if ok, err := filepath.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}
