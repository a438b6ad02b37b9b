// Package config loads the service configuration from yaml and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config 服务配置
type Config struct {
	Http     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Model    ModelConfig    `yaml:"model"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Database DatabaseConfig `yaml:"database"`
	Retrain  RetrainConfig  `yaml:"retrain"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadMB    int64         `yaml:"max_upload_mb"`
	APIToken       string        `yaml:"api_token"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Console    bool   `yaml:"console"`
}

// ModelConfig describes where artifacts live. Labels is the label set used
// before any artifact is loaded (upload validation, bootstrap training).
type ModelConfig struct {
	Path      string   `yaml:"path"`
	Dir       string   `yaml:"dir"`
	Labels    []string `yaml:"labels"`
	FullNames []string `yaml:"full_names"`
	Watch     bool     `yaml:"watch"`
}

type UploadsConfig struct {
	Dir                 string `yaml:"dir"`
	ArchiveDir          string `yaml:"archive_dir"`
	ArchiveAfterRetrain bool   `yaml:"archive_after_retrain"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RetrainConfig zero values take defaults. A negative validation_split or
// patience turns validation or early stopping off.
type RetrainConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	MaxJobs         int           `yaml:"max_jobs"`
	Timeout         time.Duration `yaml:"timeout"`
	ValidationSplit float64       `yaml:"validation_split"`
	Patience        int           `yaml:"patience"`
}

// AlertsConfig 重训练告警。WebhookURL为空时告警只写日志。
type AlertsConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Cooldown   time.Duration `yaml:"cooldown"`
	OnSuccess  bool          `yaml:"on_success"`
}

var (
	DefaultLabels    = []string{"CBSD", "CGM", "CMD", "Healthy", "Unknown"}
	DefaultFullNames = []string{
		"Cassava Brown Streak Disease (CBSD)",
		"Cassava Green Mottle (CGM)",
		"Cassava Mosaic Disease (CMD)",
		"Healthy",
		"Unknown",
	}
)

// Default returns a configuration with every field populated.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (a missing file is not an error), then .env, then
// CASSAVA_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Http.Port == 0 {
		c.Http.Port = 8000
	}
	if c.Http.Timeout == 0 {
		c.Http.Timeout = 30 * time.Second
	}
	if len(c.Http.AllowedOrigins) == 0 {
		c.Http.AllowedOrigins = []string{"*"}
	}
	if c.Http.MaxUploadMB == 0 {
		c.Http.MaxUploadMB = 32
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Model.Path == "" {
		c.Model.Path = "models/model_v1.json"
	}
	if c.Model.Dir == "" {
		c.Model.Dir = "models"
	}
	if len(c.Model.Labels) == 0 {
		c.Model.Labels = append([]string(nil), DefaultLabels...)
		if len(c.Model.FullNames) == 0 {
			c.Model.FullNames = append([]string(nil), DefaultFullNames...)
		}
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "data/uploads"
	}
	if c.Uploads.ArchiveDir == "" {
		c.Uploads.ArchiveDir = "data/uploads_archive"
	}
	if c.Retrain.Workers == 0 {
		c.Retrain.Workers = 1
	}
	if c.Retrain.QueueSize == 0 {
		c.Retrain.QueueSize = 16
	}
	if c.Retrain.MaxJobs == 0 {
		c.Retrain.MaxJobs = 1000
	}
	if c.Retrain.ValidationSplit == 0 {
		c.Retrain.ValidationSplit = 0.2
	}
	if c.Retrain.Patience == 0 {
		c.Retrain.Patience = 3
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = 5 * time.Minute
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CASSAVA_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CASSAVA_HTTP_PORT: %w", err)
		}
		c.Http.Port = port
	}
	if v := os.Getenv("CASSAVA_API_TOKEN"); v != "" {
		c.Http.APIToken = v
	}
	if v := os.Getenv("CASSAVA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CASSAVA_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv("CASSAVA_MODEL_PATH"); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv("CASSAVA_MODEL_DIR"); v != "" {
		c.Model.Dir = v
	}
	if v := os.Getenv("CASSAVA_UPLOADS_DIR"); v != "" {
		c.Uploads.Dir = v
	}
	if v := os.Getenv("CASSAVA_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CASSAVA_ALERT_WEBHOOK"); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv("CASSAVA_RETRAIN_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CASSAVA_RETRAIN_WORKERS: %w", err)
		}
		c.Retrain.Workers = workers
	}
	return nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Http.Port)
	}
	if c.Retrain.Workers < 0 {
		return errors.New("retrain workers must be positive")
	}
	if c.Retrain.QueueSize < 0 || c.Retrain.MaxJobs < 0 {
		return errors.New("retrain queue_size and max_jobs must be positive")
	}
	if c.Retrain.ValidationSplit >= 1 {
		return fmt.Errorf("validation_split must be below 1, got %v", c.Retrain.ValidationSplit)
	}
	if len(c.Model.FullNames) != 0 && len(c.Model.FullNames) != len(c.Model.Labels) {
		return errors.New("model full_names must match labels")
	}
	seen := make(map[string]bool, len(c.Model.Labels))
	for _, label := range c.Model.Labels {
		if label == "" || strings.ContainsAny(label, `./\`) {
			return fmt.Errorf("invalid label %q", label)
		}
		if seen[label] {
			return fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = true
	}
	return nil
}
