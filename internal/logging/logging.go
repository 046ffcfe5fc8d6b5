// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package logging provides the process-wide structured logger. It wraps
// go.uber.org/zap behind a small package-level facade so call sites stay
// short, with optional rotating file output and a dynamically adjustable
// level. Secret material never reaches this package; see internal/security.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction. The zero value logs info and above to
// stderr only.
type Config struct {
	Level      string // debug, info, warn, error
	File       string // optional JSON log file; rotation applies when set
	MaxSizeMB  int    // per-file size before rotation (default 100)
	MaxBackups int    // rotated files to keep (default 3)
	MaxAgeDays int    // days to keep rotated files (default 14)
	Compress   bool   // gzip rotated files
	Console    bool   // also log human-readable lines to stderr
}

var (
	logger *zap.Logger
	atom   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	// Console-only default so packages can log before Init runs.
	logger = zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig()),
		zapcore.Lock(os.Stderr),
		atom,
	))
}

// Init replaces the default logger according to cfg. It is called once at
// startup; the previous logger is flushed first.
func Init(cfg Config) error {
	atom.SetLevel(parseLevel(cfg.Level))

	var cores []zapcore.Core
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		maxAge := cfg.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 14
		}
		var w io.Writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(jsonEncoderConfig()),
			zapcore.AddSync(w),
			atom,
		))
	}
	if cfg.Console || cfg.File == "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleEncoderConfig()),
			zapcore.Lock(os.Stderr),
			atom,
		))
	}

	_ = logger.Sync()
	logger = zap.New(zapcore.NewTee(cores...))
	return nil
}

// L returns the current logger for callers that attach structured fields.
func L() *zap.Logger { return logger }

// SetLevel adjusts the level of all cores at runtime.
func SetLevel(level string) { atom.SetLevel(parseLevel(level)) }

// SetDebug is a convenience switch between debug and info.
func SetDebug(enabled bool) {
	if enabled {
		atom.SetLevel(zapcore.DebugLevel)
	} else {
		atom.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() { _ = logger.Sync() }

// Debug logs a structured debug message.
func Debug(msg string, fields ...zap.Field) { logger.Debug(msg, fields...) }

// Info logs a structured info message.
func Info(msg string, fields ...zap.Field) { logger.Info(msg, fields...) }

// Warn logs a structured warning.
func Warn(msg string, fields ...zap.Field) { logger.Warn(msg, fields...) }

// Error logs a structured error.
func Error(msg string, fields ...zap.Field) { logger.Error(msg, fields...) }

// Debugf logs a formatted debug message.
func Debugf(format string, v ...any) { logger.Debug(fmt.Sprintf(format, v...)) }

// Infof logs a formatted informational message.
func Infof(format string, v ...any) { logger.Info(fmt.Sprintf(format, v...)) }

// Warnf logs a formatted warning.
func Warnf(format string, v ...any) { logger.Warn(fmt.Sprintf(format, v...)) }

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) { logger.Error(fmt.Sprintf(format, v...)) }

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "", "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	cfg := jsonEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}
