package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	DefaultServerPort        = 9090
	DefaultQueuePrefix       = "action-queue-"
	DefaultMaxRetry          = 2
	DefaultRetryDelay        = 30
	DefaultHeartbeatInterval = 60
	DefaultReconcileInterval = 60
	DefaultMaxContainerAge   = 24 * 60 * 60
	DefaultContainerPrefix   = "kleinkram-user-action-"
	DefaultVolumePrefix      = "vol-"
	DefaultOutputPath        = "/out"
	DefaultScratchPath       = "/tmp_disk"
	DefaultNetworkMode       = "bridge"
	DefaultPidsLimit         = 256
	DefaultDiskQuota         = int64(40_737_418_240)
	DefaultLogMaxSize        = "10m"
	DefaultLogMaxFile        = "1"
	DefaultStopGrace         = 10
	DefaultRegistryServer    = "https://index.docker.io/v1/"
	DefaultUploaderImage     = "rslethz/grandtour-datasets:artifact-uploader-latest"
	DefaultUploaderPrefix    = "kleinkram-artifact-uploader-"
	DefaultFolderURLTemplate = "https://drive.google.com/drive/folders/%s"
	DefaultUploaderRuntime   = 60 * 60
	DefaultSQLitePath        = "data/actionworker.db"
)

// ApplyDefaults fills zero values with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Database.MySQL.Port <= 0 {
		cfg.Database.MySQL.Port = 3306
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = DefaultSQLitePath
	}

	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = DefaultQueuePrefix
	}
	if cfg.Queue.MaxRetry <= 0 {
		cfg.Queue.MaxRetry = DefaultMaxRetry
	}
	if cfg.Queue.RetryDelay <= 0 {
		cfg.Queue.RetryDelay = DefaultRetryDelay
	}
	if cfg.Queue.TaskTimeout < 0 {
		cfg.Queue.TaskTimeout = 0
	}

	if cfg.Worker.HeartbeatInterval <= 0 {
		cfg.Worker.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Worker.ReconcileInterval <= 0 {
		cfg.Worker.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.Worker.MaxContainerAge <= 0 {
		cfg.Worker.MaxContainerAge = DefaultMaxContainerAge
	}
	if cfg.Worker.GPUMemoryGB < 0 {
		cfg.Worker.GPUMemoryGB = 0
	}

	rt := &cfg.Runtime
	if rt.ContainerPrefix == "" {
		rt.ContainerPrefix = DefaultContainerPrefix
	}
	if rt.VolumePrefix == "" {
		rt.VolumePrefix = DefaultVolumePrefix
	}
	if rt.OutputPath == "" {
		rt.OutputPath = DefaultOutputPath
	}
	if rt.ScratchPath == "" {
		rt.ScratchPath = DefaultScratchPath
	}
	if rt.NetworkMode == "" {
		rt.NetworkMode = DefaultNetworkMode
	}
	if rt.PidsLimit <= 0 {
		rt.PidsLimit = DefaultPidsLimit
	}
	if rt.DiskQuota <= 0 {
		rt.DiskQuota = DefaultDiskQuota
	}
	if rt.LogMaxSize == "" {
		rt.LogMaxSize = DefaultLogMaxSize
	}
	if rt.LogMaxFile == "" {
		rt.LogMaxFile = DefaultLogMaxFile
	}
	if rt.StopGrace <= 0 {
		rt.StopGrace = DefaultStopGrace
	}
	if rt.LegacyEnv == nil {
		legacy := true
		rt.LegacyEnv = &legacy
	}

	if cfg.Registry.ServerAddress == "" {
		cfg.Registry.ServerAddress = DefaultRegistryServer
	}

	art := &cfg.Artifacts
	if art.UploaderImage == "" {
		art.UploaderImage = DefaultUploaderImage
	}
	if art.UploaderPrefix == "" {
		art.UploaderPrefix = DefaultUploaderPrefix
	}
	if art.FolderURLTemplate == "" {
		art.FolderURLTemplate = DefaultFolderURLTemplate
	}
	if art.MaxRuntime <= 0 {
		art.MaxRuntime = DefaultUploaderRuntime
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
}

// Validate rejects configurations the worker must not run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Runtime.TrustedNamespace) == "" {
		return fmt.Errorf("runtime.trusted_namespace must not be empty")
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Runtime.NetworkMode {
	case "bridge", "host", "none":
	default:
		return fmt.Errorf("unsupported network mode %q", c.Runtime.NetworkMode)
	}
	if !strings.Contains(c.Artifacts.FolderURLTemplate, "%s") {
		return fmt.Errorf("artifacts.folder_url_template must contain %%s")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"DOCKER_HUB_USERNAME", &cfg.Registry.Username},
		{"DOCKER_HUB_PASSWORD", &cfg.Registry.Password},
		{"ARTIFACTS_UPLOADER_IMAGE", &cfg.Artifacts.UploaderImage},
		{"GOOGLE_ARTIFACT_UPLOADER_KEY_FILE", &cfg.Artifacts.CredentialsFile},
		{"GOOGLE_ARTIFACT_FOLDER_ID", &cfg.Artifacts.ParentFolderID},
		{"MYSQL_PASSWORD", &cfg.Database.MySQL.Password},
		{"REDIS_PASSWORD", &cfg.Redis.Password},
		{"WORKER_IDENTIFIER", &cfg.Worker.Identifier},
		{"OPS_API_KEY", &cfg.Server.APIKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
}

// LegacyEnvEnabled reports whether deprecated container variables are exported.
func (r RuntimeConfig) LegacyEnvEnabled() bool {
	return r.LegacyEnv == nil || *r.LegacyEnv
}

func (w WorkerConfig) HeartbeatEvery() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

func (w WorkerConfig) ReconcileEvery() time.Duration {
	return time.Duration(w.ReconcileInterval) * time.Second
}

func (w WorkerConfig) ContainerAgeLimit() time.Duration {
	return time.Duration(w.MaxContainerAge) * time.Second
}
