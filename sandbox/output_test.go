package sandbox

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTruncateOutput(t *testing.T) {
	const limit = 10 * BytesPerKB

	t.Run("ShortOutputUnchanged", func(t *testing.T) {
		assert.Equal(t, "hello", TruncateOutput("hello", limit))
	})

	t.Run("ExactLimitUnchanged", func(t *testing.T) {
		s := strings.Repeat("a", limit)
		assert.Equal(t, s, TruncateOutput(s, limit))
	})

	t.Run("LongOutputCut", func(t *testing.T) {
		s := strings.Repeat("a", limit+100)
		got := TruncateOutput(s, limit)
		assert.True(t, strings.HasSuffix(got, "\n\n... [Output truncated to 10KB]"))
		assert.Equal(t, limit+len(TruncationMarker(limit)), len(got))
	})

	t.Run("NeverSplitsRunes", func(t *testing.T) {
		for _, r := range []string{"é", "€", "😀"} {
			for pad := 0; pad < 4; pad++ {
				s := strings.Repeat("x", pad) + strings.Repeat(r, limit)
				got := TruncateOutput(s, limit)
				assert.True(t, utf8.ValidString(got), "rune %q pad %d", r, pad)
				assert.LessOrEqual(t, len(got), limit+len(TruncationMarker(limit)))
			}
		}
	})
}

func TestFilterInstallerNoise(t *testing.T) {
	raw := strings.Join([]string{
		"",
		"WARNING: Running pip as the 'root' user can result in broken permissions",
		"[notice] A new release of pip is available: 24.0 -> 24.2",
		"[notice] To update, run: pip install --upgrade pip",
		"see https://pip.pypa.io/warnings/venv",
		"use --root-user-action=ignore",
		"this is possibly rendering your system unusable",
		"hello",
		"",
		"  world WARNING: inline is kept",
		"",
		"   ",
	}, "\n")

	got := FilterInstallerNoise(raw)
	assert.Equal(t, "hello\n\n  world WARNING: inline is kept", got)
}

func TestSanitizeOutput(t *testing.T) {
	t.Run("TruncatesBeforeFiltering", func(t *testing.T) {
		limit := 64
		raw := strings.Repeat("b", 60) + "\nWARNING: noisy line that crosses the cap"
		got := SanitizeOutput(raw, limit)
		// The cut leaves a partial noise line that is no longer a full match
		assert.True(t, strings.HasPrefix(got, strings.Repeat("b", 60)))
		assert.Contains(t, got, "[Output truncated to 0KB]")
	})

	t.Run("InvalidBytesReplaced", func(t *testing.T) {
		got := SanitizeOutput("ok\xff\xfe", 1024)
		assert.True(t, utf8.ValidString(got))
		assert.True(t, strings.HasPrefix(got, "ok"))
	})

	t.Run("BoundedByCapAndMarker", func(t *testing.T) {
		limit := 10 * BytesPerKB
		inputs := []string{
			strings.Repeat("line of output\n", 5000),
			strings.Repeat("ü", limit),
			strings.Repeat("\n", limit*2),
		}
		for _, in := range inputs {
			assert.LessOrEqual(t, len(SanitizeOutput(in, limit)), limit+len(TruncationMarker(limit)))
		}
	})
}

func TestExtractPlots(t *testing.T) {
	patterns := []string{"*.png", "*.jpg", "*.jpeg", "*.svg"}
	logger := zaptest.NewLogger(t)

	t.Run("MatchesImageExtensions", func(t *testing.T) {
		dir := t.TempDir()
		png := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plot1.png"), png, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "B.JPG"), []byte("jpg"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "chart.svg"), []byte("<svg/>"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b"), 0644))
		require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0755))

		plots := ExtractPlots(logger, &RealFileSystem{}, dir, patterns, 0)
		require.Len(t, plots, 3)
		assert.Equal(t, "B.JPG", plots[0].Name)
		assert.Equal(t, "chart.svg", plots[1].Name)
		assert.Equal(t, "plot1.png", plots[2].Name)

		decoded, err := base64.StdEncoding.DecodeString(plots[2].Data)
		require.NoError(t, err)
		assert.Equal(t, png, decoded)
	})

	t.Run("MissingDirYieldsEmptyList", func(t *testing.T) {
		plots := ExtractPlots(logger, &RealFileSystem{}, filepath.Join(t.TempDir(), "absent"), patterns, 0)
		assert.NotNil(t, plots)
		assert.Empty(t, plots)
	})

	t.Run("SkipsSymlinks", func(t *testing.T) {
		dir := t.TempDir()
		secret := filepath.Join(t.TempDir(), "secret.png")
		require.NoError(t, os.WriteFile(secret, []byte("host file"), 0644))
		require.NoError(t, os.Symlink(secret, filepath.Join(dir, "leak.png")))

		assert.Empty(t, ExtractPlots(logger, &RealFileSystem{}, dir, patterns, 0))
	})

	t.Run("SkipsOversized", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "big.png"), make([]byte, 2048), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "small.png"), []byte("x"), 0644))

		plots := ExtractPlots(logger, &RealFileSystem{}, dir, patterns, 1024)
		require.Len(t, plots, 1)
		assert.Equal(t, "small.png", plots[0].Name)
	})

	t.Run("UnreadableEntrySkipped", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("a"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), []byte("b"), 0644))

		fs := &failingReadFS{RealFileSystem: RealFileSystem{}, fail: filepath.Join(dir, "a.png")}
		plots := ExtractPlots(logger, fs, dir, patterns, 0)
		require.Len(t, plots, 1)
		assert.Equal(t, "b.png", plots[0].Name)
	})
}

// failingReadFS fails ReadFile for a single path
type failingReadFS struct {
	RealFileSystem
	fail string
}

func (f *failingReadFS) ReadFile(name string) ([]byte, error) {
	if name == f.fail {
		return nil, os.ErrPermission
	}
	return f.RealFileSystem.ReadFile(name)
}
