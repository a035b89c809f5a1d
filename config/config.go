package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logcfg "github.com/ncobase/guardrail/logging/logger/config"
	"github.com/spf13/viper"
)

const envPrefix = "GUARDRAIL"

// Config represents the configuration implementation.
type Config struct {
	AppName     string
	Environment string
	Logger      *logcfg.Config
	Observes    *Observes
	Security    *Security
	Interceptor *Interceptor
	Plugin      *Plugin
	Permission  *Permission
	Audit       *Audit
	Metrics     *Metrics

	v  *viper.Viper
	mu sync.Mutex
}

// IsDevelopment reports whether the environment is a development one
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Environment) {
	case "", "dev", "development", "local":
		return true
	}
	return false
}

// LoadConfig loads the configuration from the file.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/guardrail")
		v.AddConfigPath("$HOME/.guardrail")
		v.AddConfigPath(".")
		if ex, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Dir(ex))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{
		AppName:     getStringOrDefault(v, "app_name", "guardrail"),
		Environment: getStringOrDefault(v, "environment", "development"),
		Logger:      logcfg.GetConfig(v),
		Observes:    getObservesConfig(v),
		Security:    getSecurityConfig(v),
		Interceptor: getInterceptorConfig(v),
		Plugin:      getPluginConfig(v),
		Permission:  getPermissionConfig(v),
		Audit:       getAuditConfig(v),
		Metrics:     getMetricsConfig(v),
		v:           v,
	}
	return cfg
}

// GetDefaultConfig returns the configuration used when no file is present
func GetDefaultConfig() *Config {
	return fromViper(viper.New())
}

// Validate checks every section
func (c *Config) Validate() error {
	validators := []interface{ Validate() error }{
		c.Security, c.Interceptor, c.Plugin, c.Permission, c.Audit,
	}
	for _, section := range validators {
		if err := section.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Viper exposes the underlying viper instance
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Watch reloads the configuration when the file changes and passes the
// new value to callback. Invalid reloads are reported through onError.
func (c *Config) Watch(callback func(*Config), onError func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()

		next := fromViper(c.v)
		if err := next.Validate(); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to reload config: %w", err))
			}
			return
		}
		callback(next)
	})
	c.v.WatchConfig()
}
