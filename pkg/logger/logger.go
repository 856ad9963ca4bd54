// Package logger builds the application's logrus logger from the logging
// configuration: level, text/JSON format, and stdout or stdout-plus-file
// output (the log file is appended to, never rotated). Components derive
// scoped entries with a "component" field.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// LoggingConfig selects level, format, and output destination.
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	FilePrefix string
}

// New creates a logger from cfg. Unknown levels fall back to info; unknown
// formats fall back to full-timestamp text.
func New(cfg LoggingConfig) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "bdx"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Errorf("Failed to create logs directory: %v", err)
			break
		}
		logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Errorf("Failed to open log file: %v", err)
			break
		}
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}
}
