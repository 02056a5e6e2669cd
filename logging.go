package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

const logFileName = "bluegauge.log"

// setupLogging builds the root logger. The daemon logs JSON to a file next
// to the config; with console set (foreground runs, client mode) a
// human-readable writer on stderr is used instead.
func setupLogging(configPath, level string, console bool) (zerolog.Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level %q: %w", level, err)
	}

	var out io.Writer
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	} else {
		path := filepath.Join(filepath.Dir(configPath), logFileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("open log file %s: %w", path, err)
		}
		out = f
	}

	log := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return log, nil
}
