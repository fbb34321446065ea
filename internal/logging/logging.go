// Package logging builds the zap loggers used by the CLI and the daemon.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel accepts zap level names; an empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// New returns a logger writing human-readable lines to stderr and, when
// filePath is set, JSON lines to that file. The returned close func
// flushes and releases the file.
func New(level, filePath string) (*zap.Logger, func(), error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	atom := zap.NewAtomicLevelAt(lvl)

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), atom),
	}

	var file *os.File
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, nil, err
		}
		file, err = os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(file), atom))
	}

	log := zap.New(zapcore.NewTee(cores...))
	closeFn := func() {
		_ = log.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return log, closeFn, nil
}
