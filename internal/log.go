package internal

import (
	"context"
	"fmt"
	"log"
	"os"
)

type LogLevelT int

const (
	LogLevelError LogLevelT = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// LogLevel is the minimum level a message must have to be written.
// Not thread-safe; set it before the pool starts handing out connections.
var LogLevel = LogLevelWarn

// Logging is the interface the pool logs through. Implementations must be
// safe for concurrent use.
type Logging interface {
	Printf(ctx context.Context, format string, v ...interface{})
}

type logger struct {
	log *log.Logger
}

func (l *logger) Printf(_ context.Context, format string, v ...interface{}) {
	_ = l.log.Output(2, fmt.Sprintf(format, v...))
}

func NewDefaultLogger() Logging {
	return &logger{
		log: log.New(os.Stderr, "hostpool: ", log.LstdFlags|log.Lshortfile),
	}
}

// Logger is used by the pool to report evictions, build failures and
// programming errors. Replace it to integrate with an application logger.
var Logger = NewDefaultLogger()

func Errorf(ctx context.Context, format string, v ...interface{}) {
	if LogLevel >= LogLevelError {
		Logger.Printf(ctx, format, v...)
	}
}

func Warnf(ctx context.Context, format string, v ...interface{}) {
	if LogLevel >= LogLevelWarn {
		Logger.Printf(ctx, format, v...)
	}
}

func Debugf(ctx context.Context, format string, v ...interface{}) {
	if LogLevel >= LogLevelDebug {
		Logger.Printf(ctx, format, v...)
	}
}
