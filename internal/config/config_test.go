package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	require.Equal(t, 16000, cfg.Pipeline.SampleRate)
	require.Equal(t, 12000, cfg.Pipeline.FrameSize)
	require.EqualValues(t, 16<<20, cfg.Server.MaxUploadBytes)
	require.Equal(t, ":5000", cfg.Server.Listen)
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(`
log:
  level: debug
  json: true
model:
  dir: /srv/quietwav/models
  convert_command: ["tf2onnx", "{src}", "{dst}"]
  sessions: 2
pipeline:
  workers: 4
  quality: medium
server:
  listen: 127.0.0.1:8080
  shutdown_timeout: 3s
`))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Log.JSON)
	require.Equal(t, "/srv/quietwav/models", cfg.Model.Dir)
	require.Equal(t, []string{"tf2onnx", "{src}", "{dst}"}, cfg.Model.ConvertCommand)
	require.Equal(t, 2, cfg.Model.Sessions)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, "medium", cfg.Pipeline.Quality)
	require.Equal(t, 12000, cfg.Pipeline.FrameSize)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Listen)
	require.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFromReaderEmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader("pipeline:\n  frame_sise: 10\n"))
	require.ErrorContains(t, err, "frame_sise")
}

func TestValidateJoinsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Log.Level = "shout"
	cfg.Pipeline.FrameSize = 0
	cfg.Pipeline.Workers = 0
	cfg.Pipeline.Quality = "lossless"
	cfg.Model.SHA256 = "abc"
	cfg.Server.MaxUploadBytes = 0

	err := Validate(cfg)
	require.Error(t, err)
	for _, field := range []string{"log.level", "pipeline.frame_size", "pipeline.workers", "pipeline.quality", "model.sha256", "server.max_upload_bytes"} {
		require.ErrorContains(t, err, field)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  sample_rate: 8000\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8000, cfg.Pipeline.SampleRate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "config: open")
}
