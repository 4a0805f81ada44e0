package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "NATIVESYS"

type Config struct {
	MaxNativeHandles       int    `mapstructure:"max_native_handles" json:"max_native_handles" yaml:"max_native_handles"`
	NativeDisabled         bool   `mapstructure:"native_disabled" json:"native_disabled" yaml:"native_disabled"`
	RefreshIntervalSeconds int    `mapstructure:"refresh_interval_seconds" json:"refresh_interval_seconds" yaml:"refresh_interval_seconds"`
	RefreshWorkers         int    `mapstructure:"refresh_workers" json:"refresh_workers" yaml:"refresh_workers"`
	RefreshQueueSize       int    `mapstructure:"refresh_queue_size" json:"refresh_queue_size" yaml:"refresh_queue_size"`
	LogLevel               string `mapstructure:"log_level" json:"log_level" yaml:"log_level"`
	LogFormat              string `mapstructure:"log_format" json:"log_format" yaml:"log_format"`
	LogFile                string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	LogMaxSizeMB           int    `mapstructure:"log_max_size_mb" json:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups          int    `mapstructure:"log_max_backups" json:"log_max_backups" yaml:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		MaxNativeHandles:       50,
		RefreshIntervalSeconds: 30,
		RefreshWorkers:         4,
		RefreshQueueSize:       256,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
	}
}

// RefreshInterval is RefreshIntervalSeconds as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// Load reads cfgFile, or nativesys.yaml from the config directory or the
// working directory when cfgFile is empty. NATIVESYS_* environment variables
// override file values. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("nativesys")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	d := Default()
	v.SetDefault("max_native_handles", d.MaxNativeHandles)
	v.SetDefault("native_disabled", d.NativeDisabled)
	v.SetDefault("refresh_interval_seconds", d.RefreshIntervalSeconds)
	v.SetDefault("refresh_workers", d.RefreshWorkers)
	v.SetDefault("refresh_queue_size", d.RefreshQueueSize)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)
	return v
}

// SaveTo writes cfg as YAML to cfgFile, or to the default location when
// cfgFile is empty, and returns the path written.
func SaveTo(cfg *Config, cfgFile string) (string, error) {
	v := viper.New()
	v.Set("max_native_handles", cfg.MaxNativeHandles)
	v.Set("native_disabled", cfg.NativeDisabled)
	v.Set("refresh_interval_seconds", cfg.RefreshIntervalSeconds)
	v.Set("refresh_workers", cfg.RefreshWorkers)
	v.Set("refresh_queue_size", cfg.RefreshQueueSize)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "nativesys.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return "", err
	}
	return cfgPath, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "NativeSys")
	case "darwin":
		return "/Library/Application Support/NativeSys"
	default:
		return "/etc/nativesys"
	}
}
