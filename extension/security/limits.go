package security

import (
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ncobase/guardrail/config"
)

// Limits is the immutable resource budget of one sandbox
type Limits struct {
	MaxMemoryMB          int
	MaxCPUPercent        float64
	MaxExecution         time.Duration
	MaxFileDescriptors   int
	MaxThreads           int
	MaxAPICallsPerMinute int
	AllowedDomains       []string
}

// Limits handed to a plugin child process, which applies them to itself
const (
	EnvMaxMemoryMB        = "GUARDRAIL_MAX_MEMORY_MB"
	EnvMaxFileDescriptors = "GUARDRAIL_MAX_FDS"
)

// DefaultLimits returns the built-in budget
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:          512,
		MaxCPUPercent:        80,
		MaxExecution:         300 * time.Second,
		MaxFileDescriptors:   1024,
		MaxThreads:           64,
		MaxAPICallsPerMinute: 1000,
	}
}

// LimitsFromConfig converts the sandbox config section
func LimitsFromConfig(c *config.Sandbox) Limits {
	if c == nil {
		return DefaultLimits()
	}
	return Limits{
		MaxMemoryMB:          c.MaxMemoryMB,
		MaxCPUPercent:        c.MaxCPUPercent,
		MaxExecution:         time.Duration(c.MaxExecutionSeconds * float64(time.Second)),
		MaxFileDescriptors:   c.MaxFileDescriptors,
		MaxThreads:           c.MaxThreads,
		MaxAPICallsPerMinute: c.MaxAPICallsPerMinute,
		AllowedDomains:       slices.Clone(c.AllowedDomains),
	}
}

// Override returns l with the positive fields of o applied. Domains in o
// replace those in l when present.
func (l Limits) Override(o Limits) Limits {
	out := l
	if o.MaxMemoryMB != 0 {
		out.MaxMemoryMB = o.MaxMemoryMB
	}
	if o.MaxCPUPercent > 0 {
		out.MaxCPUPercent = o.MaxCPUPercent
	}
	if o.MaxExecution > 0 {
		out.MaxExecution = o.MaxExecution
	}
	if o.MaxFileDescriptors > 0 {
		out.MaxFileDescriptors = o.MaxFileDescriptors
	}
	if o.MaxThreads > 0 {
		out.MaxThreads = o.MaxThreads
	}
	if o.MaxAPICallsPerMinute > 0 {
		out.MaxAPICallsPerMinute = o.MaxAPICallsPerMinute
	}
	if len(o.AllowedDomains) > 0 {
		out.AllowedDomains = slices.Clone(o.AllowedDomains)
	} else {
		out.AllowedDomains = slices.Clone(l.AllowedDomains)
	}
	return out
}

// DomainAllowed checks domain against allowed. An empty list allows
// everything; "*.example.com" matches any subdomain of example.com.
func DomainAllowed(allowed []string, domain string) bool {
	if len(allowed) == 0 {
		return true
	}
	host := strings.ToLower(strings.TrimSpace(domain))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return false
	}

	for _, entry := range allowed {
		entry = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(entry)), ".")
		if entry == "" {
			continue
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// Environ renders the limits a child process can enforce on itself
func (l Limits) Environ() []string {
	var env []string
	if l.MaxMemoryMB > 0 {
		env = append(env, EnvMaxMemoryMB+"="+strconv.Itoa(l.MaxMemoryMB))
	}
	if l.MaxFileDescriptors > 0 {
		env = append(env, EnvMaxFileDescriptors+"="+strconv.Itoa(l.MaxFileDescriptors))
	}
	return env
}

// LimitsFromEnv reads the values written by Environ. Missing or malformed
// entries stay zero, which means unlimited.
func LimitsFromEnv(getenv func(string) string) Limits {
	atoi := func(key string) int {
		n, err := strconv.Atoi(strings.TrimSpace(getenv(key)))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return Limits{
		MaxMemoryMB:        atoi(EnvMaxMemoryMB),
		MaxFileDescriptors: atoi(EnvMaxFileDescriptors),
	}
}
