package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
runtime:
  trusted_namespace: rslethz/
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, DefaultQueuePrefix, cfg.Queue.Prefix)
	assert.Equal(t, DefaultContainerPrefix, cfg.Runtime.ContainerPrefix)
	assert.Equal(t, "bridge", cfg.Runtime.NetworkMode)
	assert.Equal(t, int64(256), cfg.Runtime.PidsLimit)
	assert.Equal(t, DefaultDiskQuota, cfg.Runtime.DiskQuota)
	assert.Equal(t, "10m", cfg.Runtime.LogMaxSize)
	assert.Equal(t, "1", cfg.Runtime.LogMaxFile)
	assert.True(t, cfg.Runtime.LegacyEnvEnabled())
	assert.Equal(t, time.Minute, cfg.Worker.HeartbeatEvery())
	assert.Equal(t, time.Minute, cfg.Worker.ReconcileEvery())
	assert.Equal(t, 24*time.Hour, cfg.Worker.ContainerAgeLimit())
	assert.Equal(t, DefaultFolderURLTemplate, cfg.Artifacts.FolderURLTemplate)
}

func TestParse_KeepsExplicitValues(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  driver: sqlite
  sqlite:
    path: /tmp/aw.db
runtime:
  trusted_namespace: myorg/
  network_mode: host
  legacy_env: false
worker:
  reconcile_interval: 15
`))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/aw.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "host", cfg.Runtime.NetworkMode)
	assert.False(t, cfg.Runtime.LegacyEnvEnabled())
	assert.Equal(t, 15*time.Second, cfg.Worker.ReconcileEvery())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing trusted namespace", `server: {port: 1}`},
		{"blank trusted namespace", "runtime:\n  trusted_namespace: '  '\n"},
		{"unknown driver", "database: {driver: postgres}\nruntime: {trusted_namespace: a/}\n"},
		{"unknown network", "runtime: {trusted_namespace: a/, network_mode: overlay}\n"},
		{"folder template without placeholder", "runtime: {trusted_namespace: a/}\nartifacts: {folder_url_template: https://x}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("DOCKER_HUB_USERNAME", "robot")
	t.Setenv("DOCKER_HUB_PASSWORD", "s3cret")
	t.Setenv("ARTIFACTS_UPLOADER_IMAGE", "rslethz/uploader:1")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "robot", cfg.Registry.Username)
	assert.Equal(t, "s3cret", cfg.Registry.Password)
	assert.Equal(t, "rslethz/uploader:1", cfg.Artifacts.UploaderImage)
}

func TestInit_ReadsConfigPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))
	t.Setenv("CONFIG_PATH", path)

	require.NoError(t, Init())
	require.NotNil(t, GlobalConfig)
	assert.Equal(t, "rslethz/", GlobalConfig.Runtime.TrustedNamespace)
}
