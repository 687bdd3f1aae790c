package logger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, or file path
	TimeFormat string
	// Service is attached to every entry as "service" when set
	Service string
	// Sampling keeps the first entries of each message per second and then
	// every hundredth. Warnings and errors are never sampled.
	Sampling bool
}

// New creates a zap logger from cfg. A nil cfg gives an info-level console
// logger on stdout. An unopenable output file is an error.
func New(cfg *Config) (*zap.Logger, error) {
	c := Config{Level: "info", Format: "console"}
	if cfg != nil {
		c = *cfg
	}
	if c.TimeFormat == "" {
		c.TimeFormat = defaultTimeFormat
	}

	writer, err := openOutput(c.Output)
	if err != nil {
		return nil, err
	}

	level := ParseLevel(c.Level)
	var core zapcore.Core = zapcore.NewCore(newEncoder(c), writer, level)
	if c.Sampling {
		core = newSampledCore(core)
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if c.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", c.Service)))
	}
	return zap.New(core, opts...), nil
}

// newSampledCore samples below warn only
func newSampledCore(core zapcore.Core) zapcore.Core {
	sampled := zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	return zapcore.NewTee(
		levelFilter{Core: sampled, keep: func(l zapcore.Level) bool { return l < zapcore.WarnLevel }},
		levelFilter{Core: core, keep: func(l zapcore.Level) bool { return l >= zapcore.WarnLevel }},
	)
}

type levelFilter struct {
	zapcore.Core
	keep func(zapcore.Level) bool
}

func (f levelFilter) Enabled(l zapcore.Level) bool {
	return f.keep(l) && f.Core.Enabled(l)
}

func (f levelFilter) With(fields []zapcore.Field) zapcore.Core {
	return levelFilter{Core: f.Core.With(fields), keep: f.keep}
}

func (f levelFilter) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !f.keep(e.Level) {
		return ce
	}
	return f.Core.Check(e, ce)
}

// Sync flushes buffered entries. Terminals and pipes reject fsync, which is
// not a failure worth reporting at shutdown.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EBADF) {
		return nil
	}
	return err
}

// ParseLevel converts a string level to zapcore.Level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warning" {
		l = "warn"
	}
	parsed, err := zapcore.ParseLevel(l)
	if err != nil || l == "" {
		return zapcore.InfoLevel
	}
	return parsed
}

func newEncoder(cfg Config) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.MessageKey = "msg"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(cfg.TimeFormat)
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	if cfg.Format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func openOutput(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", output, err)
	}
	return zapcore.AddSync(file), nil
}

// Mapping fields shared by the service, cache and store logs.

// IntegrationID tags an entry with the owning integration
func IntegrationID(id string) zap.Field { return zap.String("integration_id", id) }

// EntityType tags an entry with the mapped entity type
func EntityType(t string) zap.Field { return zap.String("entity_type", t) }

// ExternalID tags an entry with the third-party identifier
func ExternalID(id string) zap.Field { return zap.String("external_id", id) }

// InternalID tags an entry with the platform identifier
func InternalID(id string) zap.Field { return zap.String("internal_id", id) }
