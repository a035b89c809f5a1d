package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ncobase/guardrail/logging/logger/config"
	"github.com/ncobase/guardrail/security/redact"
	"github.com/sirupsen/logrus"
)

const VersionKey = "version"

// Logger wraps logrus with context-aware helpers
type Logger struct {
	*logrus.Logger
	version string
	logFile *os.File
}

var (
	standardLogger *Logger
	once           sync.Once
)

// StdLogger returns the process logger
func StdLogger() *Logger {
	once.Do(func() {
		standardLogger = &Logger{Logger: logrus.New()}
		standardLogger.SetFormatter(&logrus.JSONFormatter{})
		standardLogger.AddHook(newDesensitizeHook(config.Default().Desensitization))
	})
	return standardLogger
}

// New configures the standard logger and returns its cleanup function
func New(c *config.Config) (func(), error) {
	return StdLogger().Init(c)
}

// NewLogger builds an independent logger writing to out
func NewLogger(out io.Writer, c *config.Config) *Logger {
	l := &Logger{Logger: logrus.New()}
	if c == nil {
		c = config.Default()
	}
	l.SetOutput(out)
	l.apply(c)
	return l
}

// SetVersion sets the version for logging
func (l *Logger) SetVersion(v string) {
	l.version = v
}

// Init applies configuration
func (l *Logger) Init(c *config.Config) (func(), error) {
	if c == nil {
		c = config.Default()
	}
	l.apply(c)

	switch c.Output {
	case "stderr":
		l.SetOutput(os.Stderr)
	case "file":
		if c.OutputFile == "" {
			return nil, fmt.Errorf("logger output_file is required for file output")
		}
		if err := os.MkdirAll(filepath.Dir(c.OutputFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(c.OutputFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.logFile = f
		l.SetOutput(f)
	default:
		l.SetOutput(os.Stdout)
	}

	return func() {
		if l.logFile != nil {
			_ = l.logFile.Close()
		}
	}, nil
}

func (l *Logger) apply(c *config.Config) {
	l.SetLevel(logrus.Level(c.Level))
	switch strings.ToLower(c.Format) {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	l.ReplaceHooks(make(logrus.LevelHooks))
	if c.Desensitization != nil && c.Desensitization.Enabled {
		l.AddHook(newDesensitizeHook(c.Desensitization))
	}
}

// entryFromContext creates a new log entry with fields from context
func (l *Logger) entryFromContext(ctx context.Context) *logrus.Entry {
	fields := contextFields(ctx)
	if l.version != "" {
		fields[VersionKey] = l.version
	}

	return l.WithFields(fields)
}

// WithFieldsCtx returns an entry carrying context and extra fields
func (l *Logger) WithFieldsCtx(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	return l.entryFromContext(ctx).WithFields(fields)
}

func (l *Logger) Debugf(ctx context.Context, format string, args ...any) {
	l.entryFromContext(ctx).Debugf(format, args...)
}
func (l *Logger) Infof(ctx context.Context, format string, args ...any) {
	l.entryFromContext(ctx).Infof(format, args...)
}
func (l *Logger) Warnf(ctx context.Context, format string, args ...any) {
	l.entryFromContext(ctx).Warnf(format, args...)
}
func (l *Logger) Errorf(ctx context.Context, format string, args ...any) {
	l.entryFromContext(ctx).Errorf(format, args...)
}

// desensitizeHook masks sensitive fields before the entry is formatted
type desensitizeHook struct {
	redactor *redact.Redactor
}

func newDesensitizeHook(c *config.Desensitization) *desensitizeHook {
	opts := []redact.Option{
		redact.WithMarker(strings.Repeat(c.MaskChar, c.FixedMaskLength)),
		redact.WithValuePatterns(c.CustomPatterns...),
	}
	if c.ExactFieldMatch {
		opts = append(opts, redact.WithExactMatch())
	}
	return &desensitizeHook{redactor: redact.New(c.SensitiveFields, opts...)}
}

func (h *desensitizeHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *desensitizeHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		if k == logrus.ErrorKey {
			continue
		}
		if h.redactor.IsSensitive(k) {
			entry.Data[k] = h.redactor.Marker()
			continue
		}
		entry.Data[k] = h.redactor.Value(v)
	}
	return nil
}

// Package-level helpers on the standard logger

func SetVersion(v string) { StdLogger().SetVersion(v) }

func WithFields(ctx context.Context, fields logrus.Fields) *logrus.Entry {
	return StdLogger().WithFieldsCtx(ctx, fields)
}

func Debugf(ctx context.Context, format string, args ...any) {
	StdLogger().Debugf(ctx, format, args...)
}
func Infof(ctx context.Context, format string, args ...any) {
	StdLogger().Infof(ctx, format, args...)
}
func Warnf(ctx context.Context, format string, args ...any) {
	StdLogger().Warnf(ctx, format, args...)
}
func Errorf(ctx context.Context, format string, args ...any) {
	StdLogger().Errorf(ctx, format, args...)
}

func SetOutput(out io.Writer)  { StdLogger().SetOutput(out) }
func AddHook(hook logrus.Hook) { StdLogger().AddHook(hook) }
