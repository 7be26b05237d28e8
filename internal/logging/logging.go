// Package logging initialises the zerolog loggers of the drove processes.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init builds the process logger from LOG_LEVEL and LOG_FORMAT and installs it as the
// global zerolog logger. LOG_FORMAT=console selects the human readable writer, JSON is
// the default.
func Init(component string) (zerolog.Logger, error) {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger, err := New(out, component, os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logger, err
	}
	log.Logger = logger
	return logger, nil
}

// New builds a logger writing to out, tagged with component. An empty level means info.
func New(out io.Writer, component, level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("component", component).Logger(), nil
}
