// Package logging configures the process-wide zerolog logger: console
// output plus a dated log file under the configured directory.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Setup builds the root logger. Console output always goes to stderr;
// when dir is non-empty a dated file (switchboard-YYYY-MM-DD.log) is
// opened there as a second sink. The returned closer owns the file
// handle and may be nil.
func Setup(level, dir string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("logging: parse level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	console := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.TimeFormat = time.RFC3339
	})

	var sinks []io.Writer
	sinks = append(sinks, console)

	var closer io.Closer
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logging: create %s: %w", dir, err)
		}
		name := fmt.Sprintf("switchboard-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logging: open log file: %w", err)
		}
		sinks = append(sinks, f)
		closer = f
	}

	log := zerolog.New(zerolog.MultiLevelWriter(sinks...)).With().Timestamp().Logger()
	return log, closer, nil
}

// Truncate returns s truncated to at most maxLen bytes with "..." appended
// if needed. The cut never splits a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
