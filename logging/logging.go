package logging

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
)

// logger is the process-wide logger. Raft and serf are handed the same
// backend so cluster noise and engine logs interleave consistently.
var logger = hclog.New(&hclog.LoggerOptions{
	Name:   "vonnegut",
	Level:  hclog.Info,
	Output: os.Stdout,
})

// SetLogLevel sets the level used for filtering logs
func SetLogLevel(logLevel string) {
	logger.SetLevel(hclog.LevelFromString(logLevel))
}

// Logger exposes the underlying hclog logger for libraries that accept one
func Logger() hclog.Logger {
	return logger
}

// Debug logs a message at DEBUG level
func Debug(message string, a ...any) {
	logger.Debug(fmt.Sprintf(message, a...))
}

// Info logs a message at INFO level
func Info(message string, a ...any) {
	logger.Info(fmt.Sprintf(message, a...))
}

// Warn logs a message at WARN level
func Warn(message string, a ...any) {
	logger.Warn(fmt.Sprintf(message, a...))
}

// Error logs a message at ERROR level
func Error(message string, a ...any) {
	logger.Error(fmt.Sprintf(message, a...))
}

// Panic exits with a panic
func Panic(message string, a ...any) {
	panic(fmt.Sprintf(message, a...))
}
