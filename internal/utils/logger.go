// Package utils provides shared helpers: logging setup, buffer pooling,
// token estimation, machine id handling, and env parsing.
package utils

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"kiro-load/internal/types"

	"github.com/sirupsen/logrus"
)

// syncWriter serializes writes so concurrent goroutines do not interleave
// log lines.
type syncWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.writer.Write(p)
}

var logFile *os.File

// SetupLogger configures the global logrus logger from configuration.
func SetupLogger(configManager types.ConfigManager) {
	logConfig := configManager.GetLogConfig()

	level, err := logrus.ParseLevel(logConfig.Level)
	if err != nil {
		logrus.Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if logConfig.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if logConfig.EnableFile {
		logDir := filepath.Dir(logConfig.FilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			logrus.Warnf("Failed to create log directory: %v", err)
			return
		}
		f, err := os.OpenFile(logConfig.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			logrus.Warnf("Failed to open log file: %v", err)
			return
		}
		logFile = f
		logrus.SetOutput(&syncWriter{writer: io.MultiWriter(os.Stdout, f)})
	}
}

// CloseLogger flushes and closes the log file, if any.
func CloseLogger() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}
