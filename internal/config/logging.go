package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger fans out to a text handler on stderr and a JSON handler on
// logFile. The returned LevelVar controls only the stderr side, so an
// interactive view can quiet the terminal while the file keeps everything.
// If the file cannot be opened, logging goes to stderr only.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, *slog.LevelVar, func() error) {
	stderrLevel := new(slog.LevelVar)
	stderrLevel.Set(level)
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: stderrLevel})

	file, err := openLogFile(logFile)
	if err != nil {
		slog.New(stderrHandler).Warn("log file unavailable, using stderr only", "file", logFile, "error", err)
		return slog.New(stderrHandler), stderrLevel, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler)), stderrLevel, file.Close
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("no log file configured")
	}
	if dir := filepath.Dir(path); dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// SetupLoggerWithWriters creates the same fan-out over arbitrary writers.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
