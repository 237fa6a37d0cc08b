// Package logrecorder redirects logrus output into dated, periodically
// rotated log files.
package logrecorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

const rotateInterval = 5 * time.Minute

// NowString returns the current time as "20060102_1504", the suffix the
// rotated files carry.
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir creates (if needed) a directory named after today's date,
// e.g. "2025_04_25", and returns its path.
func MakeDir() (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(".", dirName)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		if err := os.MkdirAll(fullPath, 0755); err != nil {
			return "", fmt.Errorf("create log directory: %w", err)
		}
	}
	return fullPath, nil
}

// RecorderAsNameInit points logrus at <dated dir>/<name>.log.
func RecorderAsNameInit(name string) error {
	dir, err := MakeDir()
	if err != nil {
		return err
	}
	logPath := filepath.Join(dir, fmt.Sprintf("%s.log", name))
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	log.SetOutput(f)
	return nil
}

// InitAndRotate initializes the recorder and switches to a freshly
// stamped file every few minutes.
func InitAndRotate(logName string) {
	if err := RecorderAsNameInit(logName + NowString()); err != nil {
		log.Warnf("log recorder init failed: %v", err)
	}
	go func() {
		ticker := time.NewTicker(rotateInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := RecorderAsNameInit(logName + NowString()); err != nil {
				log.Warnf("log rotation failed: %v", err)
			}
		}
	}()
}

// Init points logrus at a single stamped file without rotation.
func Init(logName string) {
	if err := RecorderAsNameInit(logName + NowString()); err != nil {
		log.Warnf("log recorder init failed: %v", err)
	}
}
