package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Registry  RegistryConfig  `yaml:"registry"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Logger    LoggerConfig    `yaml:"logger"`
}

// ServerConfig ops server configuration
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Mode   string `yaml:"mode"`    // debug, release
	APIKey string `yaml:"api_key"` // bearer token for /v1, empty disables auth
}

// DatabaseConfig selects the relational store backing actions and workers
type DatabaseConfig struct {
	Driver string       `yaml:"driver"` // mysql, sqlite
	MySQL  MySQLConfig  `yaml:"mysql"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// MySQLConfig MySQL configuration
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// SQLiteConfig single-host database file
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig action queue configuration
type QueueConfig struct {
	Prefix      string `yaml:"prefix"`       // queue name is prefix + worker identifier
	MaxRetry    int    `yaml:"max_retry"`    // retries after the first attempt
	RetryDelay  int    `yaml:"retry_delay"`  // base retry delay (seconds), multiplied by attempt
	TaskTimeout int    `yaml:"task_timeout"` // upper bound for one job (seconds), 0 derives it from max runtime
}

// WorkerConfig worker loop configuration
type WorkerConfig struct {
	Identifier        string `yaml:"identifier"`         // stable logical name, defaults to os hostname
	HeartbeatInterval int    `yaml:"heartbeat_interval"` // seconds
	ReconcileInterval int    `yaml:"reconcile_interval"` // seconds
	MaxContainerAge   int    `yaml:"max_container_age"`  // seconds
	GPUMemoryGB       int    `yaml:"gpu_memory_gb"`      // advertised GPU memory when a GPU is present, 0 means unknown
}

// RuntimeConfig container runtime configuration
type RuntimeConfig struct {
	Host             string `yaml:"host"` // empty uses DOCKER_HOST / default socket
	TrustedNamespace string `yaml:"trusted_namespace"`
	ContainerPrefix  string `yaml:"container_prefix"`
	VolumePrefix     string `yaml:"volume_prefix"`
	OutputPath       string `yaml:"output_path"`
	ScratchPath      string `yaml:"scratch_path"`
	NetworkMode      string `yaml:"network_mode"` // bridge, host, none
	PidsLimit        int64  `yaml:"pids_limit"`
	DiskQuota        int64  `yaml:"disk_quota"` // bytes
	LogMaxSize       string `yaml:"log_max_size"`
	LogMaxFile       string `yaml:"log_max_file"`
	StopGrace        int    `yaml:"stop_grace"` // seconds
	AlwaysPull       bool   `yaml:"always_pull"`
	LegacyEnv        *bool  `yaml:"legacy_env"`
}

// RegistryConfig trusted registry credentials
type RegistryConfig struct {
	ServerAddress string `yaml:"server_address"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
}

// ArtifactsConfig artifact uploader configuration
type ArtifactsConfig struct {
	UploaderImage     string `yaml:"uploader_image"`
	UploaderPrefix    string `yaml:"uploader_prefix"`
	CredentialsFile   string `yaml:"credentials_file"`
	ParentFolderID    string `yaml:"parent_folder_id"`
	FolderURLTemplate string `yaml:"folder_url_template"` // %s is replaced with the folder id
	MaxRuntime        int    `yaml:"max_runtime"`         // seconds
}

// EndpointsConfig endpoints handed to action containers
type EndpointsConfig struct {
	API           string `yaml:"api"`
	ObjectStorage string `yaml:"object_storage"`
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Format string           `yaml:"format"` // console, json
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// Init initializes configuration
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := Load(configPath)
	if err != nil {
		return err
	}

	GlobalConfig = cfg
	return nil
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml bytes and applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
