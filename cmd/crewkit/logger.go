package main

import (
	"fmt"
	"os"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/logger"
)

const (
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
	// DefaultLogFormat is the default log format
	DefaultLogFormat = "simple"
)

// initLogger initializes the process logger.
// Priority: CLI flags > env vars > config file > defaults.
// Returns a cleanup function for log-file output.
func initLogger(cli *CLI, cfg *config.LoggerConfig) (func(), error) {
	logLevel := firstNonEmpty(cli.LogLevel, os.Getenv(LogLevelEnvVar), cfg.Level, "info")
	logFile := firstNonEmpty(cli.LogFile, os.Getenv(LogFileEnvVar), cfg.File)
	logFormat := firstNonEmpty(cli.LogFormat, os.Getenv(LogFormatEnvVar), cfg.Format, DefaultLogFormat)

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(level, output, logFormat)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
