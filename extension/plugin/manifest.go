package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/extension/security"
	"github.com/ncobase/guardrail/version"
	"gopkg.in/yaml.v3"
)

// Runtimes a manifest may select
const (
	RuntimeInProcess = "inprocess"
	RuntimeRPC       = "rpc"
)

// DefaultManifestNames are tried in order when discovering a plugin directory
var DefaultManifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// Manifest describes a plugin directory
type Manifest struct {
	Name               string          `yaml:"name" json:"name" validate:"required,plugin_name"`
	Version            string          `yaml:"version" json:"version" validate:"required,platform_version"`
	Description        string          `yaml:"description" json:"description"`
	Author             string          `yaml:"author" json:"author"`
	Runtime            string          `yaml:"runtime" json:"runtime" validate:"oneof=inprocess rpc"`
	EntryPoint         string          `yaml:"entry_point" json:"entry_point" validate:"required"`
	Entry              string          `yaml:"entry" json:"entry" validate:"required_if=Runtime inprocess"`
	Binary             string          `yaml:"binary" json:"binary" validate:"required_if=Runtime rpc"`
	MinPlatformVersion string          `yaml:"min_platform_version" json:"min_platform_version" validate:"omitempty,platform_version"`
	MaxPlatformVersion string          `yaml:"max_platform_version" json:"max_platform_version" validate:"omitempty,platform_version"`
	Checksum           string          `yaml:"checksum" json:"checksum" validate:"omitempty,checksum"`
	Permissions        []string        `yaml:"permissions" json:"permissions" validate:"dive,required"`
	Limits             *ManifestLimits `yaml:"limits" json:"limits"`
	Config             map[string]any  `yaml:"config" json:"config"`
}

// ManifestLimits overrides the configured sandbox budget for one plugin
type ManifestLimits struct {
	MaxMemoryMB          int      `yaml:"max_memory_mb" json:"max_memory_mb" validate:"gte=0"`
	MaxCPUPercent        float64  `yaml:"max_cpu_percent" json:"max_cpu_percent" validate:"gte=0,lte=100"`
	MaxExecutionSeconds  float64  `yaml:"max_execution_seconds" json:"max_execution_seconds" validate:"gte=0"`
	MaxFileDescriptors   int      `yaml:"max_file_descriptors" json:"max_file_descriptors" validate:"gte=0"`
	MaxThreads           int      `yaml:"max_threads" json:"max_threads" validate:"gte=0"`
	MaxAPICallsPerMinute int      `yaml:"max_api_calls_per_minute" json:"max_api_calls_per_minute" validate:"gte=0"`
	AllowedDomains       []string `yaml:"allowed_domains" json:"allowed_domains" validate:"dive,domain_pattern"`
}

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	domainPattern = regexp.MustCompile(`^(\*\.)?[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
	validate      = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.Split(f.Tag.Get("yaml"), ",")[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("platform_version", func(fl validator.FieldLevel) bool {
		return version.Canonical(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("domain_pattern", func(fl validator.FieldLevel) bool {
		return domainPattern.MatchString(strings.ToLower(fl.Field().String()))
	})
	_ = v.RegisterValidation("checksum", func(fl validator.FieldLevel) bool {
		return checksumPattern.MatchString(fl.Field().String())
	})
	return v
}

var fieldMessages = map[string]string{
	"required":         "%s is required",
	"required_if":      "%s is required for this runtime",
	"oneof":            "%s must be one of [%s]",
	"gte":              "%s must be greater than or equal to %s",
	"lte":              "%s must be less than or equal to %s",
	"plugin_name":      "%s must be lowercase letters, digits, '-' or '_'",
	"platform_version": "%s must be a semantic version",
	"domain_pattern":   "%s must be a domain or *.domain",
	"checksum":         "%s must be blake2b:<64 hex digits>",
}

func fieldMessage(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Manifest.")
	msg, ok := fieldMessages[e.Tag()]
	if !ok {
		return fmt.Sprintf("%s: %s", ecode.FieldIsInvalid(field), e.Tag())
	}
	if strings.Count(msg, "%s") == 2 {
		return fmt.Sprintf(msg, field, e.Param())
	}
	return fmt.Sprintf(msg, field)
}

// ParseManifest decodes a YAML or JSON manifest. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, ecode.Wrap(ecode.PluginLoadFailed, err, "decode manifest")
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Runtime == "" {
		m.Runtime = RuntimeInProcess
	}
	m.Name = strings.TrimSpace(m.Name)
}

// ReadManifest reads the first manifest file of names found in dir
func ReadManifest(dir string, names []string) (*Manifest, string, error) {
	if len(names) == 0 {
		names = DefaultManifestNames
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, path, ecode.Wrap(ecode.PluginLoadFailed, err, "read manifest %s", path)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, path, fmt.Errorf("%s: %w", path, err)
		}
		return m, path, nil
	}
	return nil, "", ecode.New(ecode.PluginLoadFailed, "%s", ecode.NotExist("manifest in "+dir))
}

// Validate checks the manifest schema
func (m *Manifest) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ecode.Wrap(ecode.PluginLoadFailed, err, "validate manifest")
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fieldMessage(e))
	}
	sort.Strings(msgs)
	return ecode.New(ecode.PluginLoadFailed, "invalid manifest: %s", strings.Join(msgs, "; ")).
		WithField("fields", msgs)
}

// CheckCompatibility reports whether the plugin supports platform.
// Both bounds are inclusive; an empty bound is open.
func (m *Manifest) CheckCompatibility(platform string) error {
	if version.Canonical(platform) == "" {
		return ecode.New(ecode.PluginLoadFailed, "platform version %q is invalid", platform)
	}
	if m.MinPlatformVersion != "" && version.Compare(platform, m.MinPlatformVersion) < 0 {
		return ecode.New(ecode.PluginLoadFailed, "plugin %s requires platform >= %s, running %s",
			m.Name, m.MinPlatformVersion, platform)
	}
	if m.MaxPlatformVersion != "" && version.Compare(platform, m.MaxPlatformVersion) > 0 {
		return ecode.New(ecode.PluginLoadFailed, "plugin %s requires platform <= %s, running %s",
			m.Name, m.MaxPlatformVersion, platform)
	}
	return nil
}

// SandboxLimits applies the manifest overrides to base
func (m *Manifest) SandboxLimits(base security.Limits) security.Limits {
	if m.Limits == nil {
		return base.Override(security.Limits{})
	}
	l := m.Limits
	return base.Override(security.Limits{
		MaxMemoryMB:          l.MaxMemoryMB,
		MaxCPUPercent:        l.MaxCPUPercent,
		MaxExecution:         time.Duration(l.MaxExecutionSeconds * float64(time.Second)),
		MaxFileDescriptors:   l.MaxFileDescriptors,
		MaxThreads:           l.MaxThreads,
		MaxAPICallsPerMinute: l.MaxAPICallsPerMinute,
		AllowedDomains:       l.AllowedDomains,
	})
}

// ResolvePath resolves rel inside dir. Paths that escape dir are a security violation.
func ResolvePath(dir, rel string) (string, error) {
	if rel == "" {
		return "", ecode.New(ecode.PluginLoadFailed, "%s", ecode.FieldIsRequired("path"))
	}
	if filepath.IsAbs(rel) {
		return "", ecode.New(ecode.SecurityViolation, "path %s must be relative to the plugin directory", rel)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", ecode.Wrap(ecode.PluginLoadFailed, err, "resolve %s", dir)
	}
	full := filepath.Join(root, rel)
	r, err := filepath.Rel(root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ecode.New(ecode.SecurityViolation, "path %s escapes the plugin directory", rel)
	}
	return full, nil
}
