package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config represents runtime configuration for the service. Values come from a
// JSON file first; MEETSCRIBE_* environment variables override individual fields.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Engine      EngineConfig              `json:"engine"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" env:"MEETSCRIBE_ADDR"`
	PublicBaseURL     string `json:"public_base_url" env:"MEETSCRIBE_PUBLIC_BASE_URL"`
	FileBaseDir       string `json:"file_base_dir" env:"MEETSCRIBE_FILE_BASE_DIR"`
	MaxUploadMB       int64  `json:"max_upload_mb" env:"MEETSCRIBE_MAX_UPLOAD_MB"`
	MinWorkers        int    `json:"min_workers" env:"MEETSCRIBE_MIN_WORKERS"`
	MaxWorkers        int    `json:"max_workers" env:"MEETSCRIBE_MAX_WORKERS"`
	QueueSize         int    `json:"queue_size" env:"MEETSCRIBE_QUEUE_SIZE"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" env:"MEETSCRIBE_WORKER_IDLE_MIN"`
	LogLevel          string `json:"log_level" env:"MEETSCRIBE_LOG_LEVEL"`
}

// EngineConfig locates the external processing engines.
type EngineConfig struct {
	FFmpegBin      string `json:"ffmpeg_bin" env:"MEETSCRIBE_FFMPEG_BIN"`
	PythonBin      string `json:"python_bin" env:"MEETSCRIBE_PYTHON_BIN"`
	ScriptDir      string `json:"script_dir" env:"MEETSCRIBE_SCRIPT_DIR"`
	StepTimeoutMin int    `json:"step_timeout_min" env:"MEETSCRIBE_STEP_TIMEOUT_MIN"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host" env:"MEETSCRIBE_REDIS_HOST"`
	Port     int    `json:"port" env:"MEETSCRIBE_REDIS_PORT"`
	Username string `json:"username" env:"MEETSCRIBE_REDIS_USERNAME"`
	Password string `json:"password" env:"MEETSCRIBE_REDIS_PASSWORD"`
	DB       int    `json:"db" env:"MEETSCRIBE_REDIS_DB"`
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Engine.ScriptDir == "" {
		return nil, fmt.Errorf("engine.script_dir must be configured")
	}
	if !filepath.IsAbs(cfg.Engine.ScriptDir) {
		cfg.Engine.ScriptDir = filepath.Join(filepath.Dir(absPath), cfg.Engine.ScriptDir)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.PublicBaseURL == "" {
		c.BasicConfig.PublicBaseURL = "http://localhost:8090"
	}
	if c.BasicConfig.FileBaseDir == "" {
		c.BasicConfig.FileBaseDir = "./data/uploads"
	}
	if c.BasicConfig.MaxUploadMB <= 0 {
		c.BasicConfig.MaxUploadMB = 500
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 1
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers + 3
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 64
	}
	if c.Engine.FFmpegBin == "" {
		c.Engine.FFmpegBin = "ffmpeg"
	}
	if c.Engine.PythonBin == "" {
		c.Engine.PythonBin = "python3"
	}
	if c.Engine.StepTimeoutMin <= 0 {
		c.Engine.StepTimeoutMin = 30
	}
}
