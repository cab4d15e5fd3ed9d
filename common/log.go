// Copyright 2019 Intel Corporation.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package common

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LogType - type of logging, used in flow package
type LogType uint8

const (
	// No - no output even after fatal errors
	No LogType = 1 << iota
	// Initialization - output during system initialization
	Initialization
	// Debug - output during execution one time per time period (scheduler ticks)
	Debug
	// Verbose - output during execution as soon as something happens. Can influence performance
	Verbose
)

var currentLogType atomic.Uint32

var logger atomic.Pointer[slog.Logger]

func init() {
	currentLogType.Store(uint32(No | Initialization | Debug))
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func output(level slog.Level, prefix string, v ...interface{}) string {
	t := strings.TrimSuffix(fmt.Sprintln(v...), "\n")
	logger.Load().Log(context.Background(), level, prefix+t)
	return t
}

// LogFatal internal, used in all packages
func LogFatal(logType LogType, v ...interface{}) {
	if logType&GetLogType() != 0 {
		output(slog.LevelError, "FATAL: ", v...)
	}
	os.Exit(1)
}

// LogFatalf is a wrapper at LogFatal which makes formatting before logger.
func LogFatalf(logType LogType, format string, v ...interface{}) {
	LogFatal(logType, fmt.Sprintf(format, v...))
}

// LogError internal, used in all packages
func LogError(logType LogType, v ...interface{}) string {
	if logType&GetLogType() != 0 {
		return output(slog.LevelError, "", v...)
	}
	return ""
}

// LogWarning internal, used in all packages
func LogWarning(logType LogType, v ...interface{}) {
	if logType&GetLogType() != 0 {
		output(slog.LevelWarn, "", v...)
	}
}

// LogDebug internal, used in all packages
func LogDebug(logType LogType, v ...interface{}) {
	if logType&GetLogType() != 0 {
		output(slog.LevelDebug, "", v...)
	}
}

// LogInfo internal, used in all packages
func LogInfo(logType LogType, v ...interface{}) {
	if logType&GetLogType() != 0 {
		output(slog.LevelInfo, "", v...)
	}
}

// LogDrop internal, used in all packages
func LogDrop(logType LogType, v ...interface{}) {
	if logType&GetLogType() != 0 {
		output(slog.LevelInfo, "DROP: ", v...)
	}
}

// LogTitle internal, used in all packages
func LogTitle(logType LogType, v ...interface{}) {
	if logType&GetLogType() != 0 {
		logger.Load().Info(fmt.Sprint(v...))
	}
}

// SetLogType internal, used in flow package
func SetLogType(logType LogType) {
	currentLogType.Store(uint32(logType))
}

// GetLogType returns currently enabled log categories.
func GetLogType() LogType {
	return LogType(currentLogType.Load())
}

// SetLogHandler replaces the handler all Log* functions write to.
// A nil handler restores the default stderr text handler.
func SetLogHandler(h slog.Handler) {
	if h == nil {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger.Store(slog.New(h))
}

// Logger returns the logger behind Log* functions so callers can attach
// structured attributes.
func Logger() *slog.Logger {
	return logger.Load()
}
