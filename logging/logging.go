// Package logging provides logging level constants and utilities for the
// go-hostpool library. It centralizes logging configuration so applications
// can control what the pool reports without touching internal packages.
package logging

import (
	"context"

	"github.com/hostpool/go-hostpool/internal"
)

type LogLevelT = internal.LogLevelT

const (
	LogLevelError = internal.LogLevelError
	LogLevelWarn  = internal.LogLevelWarn
	LogLevelInfo  = internal.LogLevelInfo
	LogLevelDebug = internal.LogLevelDebug
)

// VoidLogger is a logger that does nothing.
// Used to disable logging and thus speed up the library.
type VoidLogger struct{}

func (v *VoidLogger) Printf(_ context.Context, _ string, _ ...interface{}) {
	// do nothing
}

// Disable disables logging by setting the internal logger to a void logger.
// It will override any custom logger that was set before.
func Disable() {
	internal.Logger = &VoidLogger{}
}

// Enable restores the default logger. This is the default behavior.
//
// NOTE: This function is not thread-safe.
func Enable() {
	internal.Logger = internal.NewDefaultLogger()
}

// SetLogLevel sets the log level for the library.
func SetLogLevel(logLevel LogLevelT) {
	internal.LogLevel = logLevel
}
