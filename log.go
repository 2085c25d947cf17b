package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"

	"github.com/digital-farmer-service/bharat-vistaar/internal/config"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "vistaar").CacheDir()
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	return filepath.Join(dir, "vistaar.log"), nil
}

// setupLog sends the package logger to a file when debugging is enabled,
// and discards it otherwise.
func setupLog(e config.Env) (func() error, error) {
	log.SetOutput(io.Discard)
	if !e.Debug && e.LogFile == "" {
		return func() error { return nil }, nil
	}

	logFile := e.LogFile
	if logFile == "" {
		p, err := getLogFilePath()
		if err != nil {
			return nil, err
		}
		logFile = p
	}
	logFile = config.ExpandPath(logFile)

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil { //nolint:gosec
		// log disabled
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		// log disabled
		return func() error { return nil }, nil
	}

	log.SetOutput(f)
	log.SetReportTimestamp(true)
	if e.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.Debug("Logging to file", "path", logFile)
	return f.Close, nil
}
