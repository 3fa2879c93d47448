package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. The returned closer releases the log file, if any.
func (lc LoggingConfig) NewLogger(component string) (zerolog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)

	if lc.FilePath != "" {
		f, err := os.OpenFile(lc.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = f
	}

	if strings.EqualFold(lc.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	name := strings.ToLower(lc.Level)
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return logger, closer, nil
}
