package security

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ncobase/guardrail/ecode"
	"github.com/ncobase/guardrail/logging/logger"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/time/rate"
)

const (
	apiWindow = time.Minute
	bytesInMB = 1024 * 1024
)

// Sampler reads resource usage of the process hosting a sandbox
type Sampler interface {
	RSS() (uint64, error)
	VMS() (uint64, error)
	CPUPercent() (float64, error)
	NumThreads() (int32, error)
}

type processSampler struct {
	proc *process.Process
}

// NewProcessSampler samples the process with the given pid
func NewProcessSampler(pid int32) (Sampler, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return &processSampler{proc: p}, nil
}

// SelfSampler samples the current process
func SelfSampler() (Sampler, error) {
	return NewProcessSampler(int32(os.Getpid()))
}

func (s *processSampler) RSS() (uint64, error) {
	m, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return m.RSS, nil
}

func (s *processSampler) VMS() (uint64, error) {
	m, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return m.VMS, nil
}

func (s *processSampler) CPUPercent() (float64, error) {
	return s.proc.CPUPercent()
}

func (s *processSampler) NumThreads() (int32, error) {
	return s.proc.NumThreads()
}

// ResourceStats is a point-in-time view of a monitor
type ResourceStats struct {
	PluginID       string        `json:"plugin_id"`
	StartedAt      time.Time     `json:"started_at"`
	Elapsed        time.Duration `json:"elapsed"`
	BaselineRSS    uint64        `json:"baseline_rss"`
	LastRSS        uint64        `json:"last_rss"`
	MemoryDeltaMB  float64       `json:"memory_delta_mb"`
	LastCPUPercent float64       `json:"last_cpu_percent"`
	LastThreads    int32         `json:"last_threads"`
	APICalls       int           `json:"api_calls"`
	WindowStart    time.Time     `json:"window_start"`
}

// ResourceMonitor holds the counters of one sandbox activation. Every check
// is a synchronous check; nothing runs in the background.
type ResourceMonitor struct {
	pluginID string
	limits   Limits
	sampler  Sampler
	now      func() time.Time
	burst    *rate.Limiter

	mu          sync.Mutex
	start       time.Time
	baselineRSS uint64
	lastRSS     uint64
	lastCPU     float64
	lastThreads int32
	apiCalls    int
	windowStart time.Time
}

// MonitorOption configures a ResourceMonitor
type MonitorOption func(*ResourceMonitor)

// WithSampler replaces the process sampler
func WithSampler(s Sampler) MonitorOption {
	return func(m *ResourceMonitor) { m.sampler = s }
}

// WithMonitorClock replaces time.Now
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *ResourceMonitor) { m.now = now }
}

// WithBurstLimit adds a token bucket refilled at the per-minute rate that
// admits at most burst calls at once
func WithBurstLimit(burst int) MonitorOption {
	return func(m *ResourceMonitor) {
		if burst <= 0 || m.limits.MaxAPICallsPerMinute <= 0 {
			return
		}
		m.burst = rate.NewLimiter(rate.Limit(float64(m.limits.MaxAPICallsPerMinute)/apiWindow.Seconds()), burst)
	}
}

// NewResourceMonitor creates a monitor and records the memory baseline
func NewResourceMonitor(pluginID string, limits Limits, opts ...MonitorOption) *ResourceMonitor {
	m := &ResourceMonitor{pluginID: pluginID, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		if s, err := SelfSampler(); err == nil {
			m.sampler = s
		} else {
			logger.Warnf(context.Background(), "plugin %s: process sampler unavailable: %v", pluginID, err)
		}
	}
	m.Reset()
	return m
}

// Reset restarts the clock, the API window and the memory baseline
func (m *ResourceMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.start = now
	m.windowStart = now
	m.apiCalls = 0
	m.baselineRSS = 0
	if m.sampler != nil {
		if rss, err := m.sampler.RSS(); err == nil {
			m.baselineRSS = rss
			m.lastRSS = rss
		}
	}
}

// CheckMemory fails when RSS grew by more than MaxMemoryMB since the baseline.
// A limit of zero or less disables the check.
func (m *ResourceMonitor) CheckMemory() error {
	if m.limits.MaxMemoryMB <= 0 || m.sampler == nil {
		return nil
	}
	rss, err := m.sampler.RSS()
	if err != nil {
		logger.Warnf(context.Background(), "plugin %s: sample memory: %v", m.pluginID, err)
		return nil
	}

	m.mu.Lock()
	m.lastRSS = rss
	delta := deltaMB(rss, m.baselineRSS)
	m.mu.Unlock()

	if delta > float64(m.limits.MaxMemoryMB) {
		return ecode.New(ecode.ResourceExceeded, "plugin %s memory %s", m.pluginID, ecode.Exceeded("limit")).
			WithField("delta_mb", delta).
			WithField("limit_mb", m.limits.MaxMemoryMB)
	}
	return nil
}

// CheckCPU reports whether CPU usage is within the soft limit. Exceeding it
// only logs a warning.
func (m *ResourceMonitor) CheckCPU() bool {
	if m.limits.MaxCPUPercent <= 0 || m.sampler == nil {
		return true
	}
	pct, err := m.sampler.CPUPercent()
	if err != nil {
		logger.Warnf(context.Background(), "plugin %s: sample cpu: %v", m.pluginID, err)
		return true
	}

	m.mu.Lock()
	m.lastCPU = pct
	m.mu.Unlock()

	if pct > m.limits.MaxCPUPercent {
		logger.Warnf(context.Background(), "plugin %s cpu %.1f%% above soft limit %.1f%%", m.pluginID, pct, m.limits.MaxCPUPercent)
		return false
	}
	return true
}

// CheckThreads reports whether the thread count is within MaxThreads. Like
// CPU it is a soft limit.
func (m *ResourceMonitor) CheckThreads() bool {
	if m.limits.MaxThreads <= 0 || m.sampler == nil {
		return true
	}
	n, err := m.sampler.NumThreads()
	if err != nil {
		return true
	}

	m.mu.Lock()
	m.lastThreads = n
	m.mu.Unlock()

	if int(n) > m.limits.MaxThreads {
		logger.Warnf(context.Background(), "plugin %s runs %d threads, soft limit %d", m.pluginID, n, m.limits.MaxThreads)
		return false
	}
	return true
}

// CheckExecutionTime fails once the activation has run longer than MaxExecution
func (m *ResourceMonitor) CheckExecutionTime() error {
	if m.limits.MaxExecution <= 0 {
		return nil
	}
	m.mu.Lock()
	elapsed := m.now().Sub(m.start)
	m.mu.Unlock()

	if elapsed > m.limits.MaxExecution {
		return ecode.New(ecode.ResourceExceeded, "plugin %s execution time %s", m.pluginID, ecode.Exceeded("limit")).
			WithField("elapsed", elapsed.String()).
			WithField("limit", m.limits.MaxExecution.String())
	}
	return nil
}

// TrackAPICall counts one outbound call in the 60 second window
func (m *ResourceMonitor) TrackAPICall() error {
	m.mu.Lock()
	now := m.now()
	if now.Sub(m.windowStart) > apiWindow {
		m.windowStart = now
		m.apiCalls = 0
	}
	m.apiCalls++
	count := m.apiCalls
	m.mu.Unlock()

	if m.limits.MaxAPICallsPerMinute > 0 && count > m.limits.MaxAPICallsPerMinute {
		return ecode.New(ecode.RateLimitExceeded, "api call budget of %d per minute exhausted", m.limits.MaxAPICallsPerMinute)
	}
	if m.burst != nil && !m.burst.AllowN(now, 1) {
		return ecode.New(ecode.RateLimitExceeded, "api call burst %s", ecode.Exceeded("limit"))
	}
	return nil
}

// Check runs every limit check in turn, returning the first hard failure
func (m *ResourceMonitor) Check() error {
	if err := m.CheckMemory(); err != nil {
		return err
	}
	if err := m.CheckExecutionTime(); err != nil {
		return err
	}
	m.CheckCPU()
	m.CheckThreads()
	return nil
}

// Stats returns a snapshot of the counters without sampling or changing them
func (m *ResourceMonitor) Stats() ResourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ResourceStats{
		PluginID:       m.pluginID,
		StartedAt:      m.start,
		Elapsed:        m.now().Sub(m.start),
		BaselineRSS:    m.baselineRSS,
		LastRSS:        m.lastRSS,
		MemoryDeltaMB:  deltaMB(m.lastRSS, m.baselineRSS),
		LastCPUPercent: m.lastCPU,
		LastThreads:    m.lastThreads,
		APICalls:       m.apiCalls,
		WindowStart:    m.windowStart,
	}
}

func deltaMB(current, baseline uint64) float64 {
	if current <= baseline {
		return 0
	}
	return float64(current-baseline) / bytesInMB
}
