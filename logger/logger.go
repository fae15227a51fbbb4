// Package logger provides the minimal logging interface used throughout the
// library. It deliberately does not pull in a structured-logging framework:
// callers that want JSON output, log levels driven by an environment
// variable, or shipping to a log aggregator can supply their own
// implementation via config.Configuration.WithLogger.
package logger

import (
	"fmt"
	"log"
	"os"
)

// Logger is the interface every component in this library logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

var defaultLogger Logger = &stdLogger{log: log.New(os.Stderr, "", log.LstdFlags)}

// GetDefaultLogger returns a Logger that writes to stderr through the
// standard library's log package, prefixed with its level.
func GetDefaultLogger() Logger {
	return defaultLogger
}

// stdLogger bridges Logger to the standard library's log package.
type stdLogger struct {
	log *log.Logger
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	s.log.Output(2, "[DEBUG] "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.log.Output(2, "[INFO] "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Warnf(format string, args ...interface{}) {
	s.log.Output(2, "[WARN] "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.log.Output(2, "[ERROR] "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Fatalf(format string, args ...interface{}) {
	s.log.Output(2, "[FATAL] "+fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Noop is a Logger that discards everything. Useful in tests that want to
// keep assertions focused on behavior rather than log output.
type Noop struct{}

func (Noop) Debugf(string, ...interface{}) {}
func (Noop) Infof(string, ...interface{})  {}
func (Noop) Warnf(string, ...interface{})  {}
func (Noop) Errorf(string, ...interface{}) {}
func (Noop) Fatalf(string, ...interface{}) {}
