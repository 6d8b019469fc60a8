package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "edgedetect-engine.yaml")

	content := `
command: ["python3", "detect.py", "--model", "yolov8n.pt"]
confidence_threshold: 0.4
timeout: 15s
class_names:
  0: person
  16: dog
`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"python3", "detect.py", "--model", "yolov8n.pt"}, cfg.Command)
	assert.InDelta(t, 0.4, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, "dog", cfg.ClassNames[16])
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/edgedetect-engine.yaml")

	// Missing file falls back to defaults; the command is still required
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.InDelta(t, defaultConfidenceThreshold, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, defaultTimeout, cfg.Timeout)
	assert.NotNil(t, cfg.ClassNames)
	require.ErrorIs(t, cfg.Validate(), ErrNoCommand)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "edgedetect-engine.yaml")

	err := os.WriteFile(configPath, []byte("command: [unterminated\n"), 0644)
	require.NoError(t, err)

	_, err = LoadConfig(configPath)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("EDGEDETECT_ENGINE_COMMAND", "/opt/detect --fast")
	t.Setenv("EDGEDETECT_ENGINE_CONFIDENCE", "0.6")
	t.Setenv("EDGEDETECT_ENGINE_TIMEOUT", "3s")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))

	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/detect", "--fast"}, cfg.Command)
	assert.InDelta(t, 0.6, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
}

func TestLoadConfigFromEnv_CustomPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "custom.yaml")

	err := os.WriteFile(configPath, []byte("command: [\"detector\"]\n"), 0644)
	require.NoError(t, err)

	t.Setenv(ConfigPathEnvVar, configPath)

	cfg, err := LoadConfigFromEnv()

	require.NoError(t, err)
	assert.Equal(t, []string{"detector"}, cfg.Command)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:   "valid",
			config: Config{Command: []string{"detector"}, ConfidenceThreshold: 0.25},
		},
		{
			name:    "no command",
			config:  Config{ConfidenceThreshold: 0.25},
			wantErr: ErrNoCommand,
		},
		{
			name:    "blank program",
			config:  Config{Command: []string{"  "}},
			wantErr: ErrNoCommand,
		},
		{
			name:    "threshold above one",
			config:  Config{Command: []string{"detector"}, ConfidenceThreshold: 1.5},
			wantErr: ErrInvalidThreshold,
		},
		{
			name:    "negative threshold",
			config:  Config{Command: []string{"detector"}, ConfidenceThreshold: -0.1},
			wantErr: ErrInvalidThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)

				return
			}

			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
