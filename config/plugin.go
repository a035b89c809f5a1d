package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

var defaultManifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// Plugin configures discovery and loading
type Plugin struct {
	Directories     []string      `json:"directories" yaml:"directories"`
	ManifestNames   []string      `json:"manifest_names" yaml:"manifest_names"`
	LoadTimeout     time.Duration `json:"load_timeout" yaml:"load_timeout"`
	InitTimeout     time.Duration `json:"init_timeout" yaml:"init_timeout"`
	Watch           bool          `json:"watch" yaml:"watch"`
	PlatformVersion string        `json:"platform_version" yaml:"platform_version"`
}

// Validate validates plugin configuration
func (p *Plugin) Validate() error {
	if len(p.ManifestNames) == 0 {
		return fmt.Errorf("plugin.manifest_names cannot be empty")
	}
	if p.LoadTimeout <= 0 || p.InitTimeout <= 0 {
		return fmt.Errorf("plugin load and init timeouts must be positive")
	}
	return nil
}

func getPluginConfig(v *viper.Viper) *Plugin {
	return &Plugin{
		Directories:     v.GetStringSlice("plugin.directories"),
		ManifestNames:   getStringSliceOrDefault(v, "plugin.manifest_names", defaultManifestNames),
		LoadTimeout:     getDurationOrDefault(v, "plugin.load_timeout", 30*time.Second),
		InitTimeout:     getDurationOrDefault(v, "plugin.init_timeout", 60*time.Second),
		Watch:           getBoolOrDefault(v, "plugin.watch", false),
		PlatformVersion: v.GetString("plugin.platform_version"),
	}
}
