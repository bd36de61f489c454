// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides the process-wide logging singleton used by the
// virtual MCP gateway. Call Initialize once at startup; every package logs
// through the package-level functions.
package logger

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// A usable logger exists even before Initialize runs, so early
	// startup failures are not silent.
	singleton.Store(newLogger(os.Stderr, zapcore.InfoLevel, true))
}

// Initialize configures the singleton from the environment.
// UNSTRUCTURED_LOGS selects a human-readable console encoder (default
// true); LOG_LEVEL sets the minimum level (default info).
func Initialize() {
	singleton.Store(newLogger(os.Stderr, levelFromEnv(), unstructuredLogs()))
}

// InitializeWithOutput is Initialize with an explicit sink. Used by tests.
func InitializeWithOutput(w io.Writer, level zapcore.Level, unstructured bool) {
	singleton.Store(newLogger(w, level, unstructured))
}

func newLogger(w io.Writer, level zapcore.Level, unstructured bool) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if unstructured {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), level)
	return zap.New(core).Sugar()
}

func unstructuredLogs() bool {
	value, found := os.LookupEnv("UNSTRUCTURED_LOGS")
	if !found {
		return true
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return true
	}
	return b
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func log() *zap.SugaredLogger { return singleton.Load() }

// Debug logs at debug level.
func Debug(args ...any) { log().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { log().Debugf(format, args...) }

// Debugw logs a message with key-value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) { log().Debugw(msg, keysAndValues...) }

// Info logs at info level.
func Info(args ...any) { log().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { log().Infof(format, args...) }

// Infow logs a message with key-value pairs at info level.
func Infow(msg string, keysAndValues ...any) { log().Infow(msg, keysAndValues...) }

// Warn logs at warn level.
func Warn(args ...any) { log().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { log().Warnf(format, args...) }

// Warnw logs a message with key-value pairs at warn level.
func Warnw(msg string, keysAndValues ...any) { log().Warnw(msg, keysAndValues...) }

// Error logs at error level.
func Error(args ...any) { log().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { log().Errorf(format, args...) }

// Errorw logs a message with key-value pairs at error level.
func Errorw(msg string, keysAndValues ...any) { log().Errorw(msg, keysAndValues...) }

// DPanic logs at dpanic level; panics only in development mode.
func DPanic(args ...any) { log().DPanic(args...) }

// DPanicf logs a formatted message at dpanic level.
func DPanicf(format string, args ...any) { log().DPanicf(format, args...) }

// DPanicw logs a message with key-value pairs at dpanic level.
func DPanicw(msg string, keysAndValues ...any) { log().DPanicw(msg, keysAndValues...) }

// Panic logs at panic level and then panics.
func Panic(args ...any) { log().Panic(args...) }

// Panicf logs a formatted message at panic level and then panics.
func Panicf(format string, args ...any) { log().Panicf(format, args...) }

// Panicw logs a message with key-value pairs at panic level and panics.
func Panicw(msg string, keysAndValues ...any) { log().Panicw(msg, keysAndValues...) }

// Fatal logs at fatal level and exits.
func Fatal(args ...any) { log().Fatal(args...) }

// Fatalf logs a formatted message at fatal level and exits.
func Fatalf(format string, args ...any) { log().Fatalf(format, args...) }

// Fatalw logs a message with key-value pairs at fatal level and exits.
func Fatalw(msg string, keysAndValues ...any) { log().Fatalw(msg, keysAndValues...) }
