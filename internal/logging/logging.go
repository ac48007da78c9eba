// Package logging wraps logrus with the process-wide logger used across dreamina-mux.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base = logrus.New()

// SetupBaseLogger configures the default text formatter and stderr output.
// Call once before any other logging function.
func SetupBaseLogger() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel applies the configured log level. Unknown values keep the current level.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		base.Warnf("unknown log level %q, keeping %s", level, base.GetLevel())
		return
	}
	base.SetLevel(parsed)
}

// ConfigureLogOutput switches logging to a rotating file under dir when toFile is true.
func ConfigureLogOutput(toFile bool, dir string) error {
	if !toFile {
		base.SetOutput(os.Stderr)
		return nil
	}
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, "dreamina-mux.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	base.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

// Logger exposes the underlying logrus logger for middleware integration.
func Logger() *logrus.Logger { return base }

func Debug(args ...any) { base.Debug(args...) }
func Info(args ...any)  { base.Info(args...) }
func Warn(args ...any)  { base.Warn(args...) }
func Error(args ...any) { base.Error(args...) }

func Debugf(format string, args ...any) { base.Debugf(format, args...) }
func Infof(format string, args ...any)  { base.Infof(format, args...) }
func Warnf(format string, args ...any)  { base.Warnf(format, args...) }
func Errorf(format string, args ...any) { base.Errorf(format, args...) }
func Fatalf(format string, args ...any) { base.Fatalf(format, args...) }

// WithError returns an entry with the error attached.
func WithError(err error) *logrus.Entry { return base.WithError(err) }

// WithField returns an entry with a single structured field attached.
func WithField(key string, value any) *logrus.Entry { return base.WithField(key, value) }

// WithFields returns an entry with structured fields attached.
func WithFields(fields logrus.Fields) *logrus.Entry { return base.WithFields(fields) }
