// Package logging builds the zerolog.Logger every component in this
// agent is constructed with.
//
// Grounded on cuemby-warren/pkg/log/log.go's Config/Init shape, but
// deliberately not its package-level `var Logger` singleton: the
// logger, like the configuration it is built from, is an explicit value
// threaded through constructors rather than a module global.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls the logger New builds.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// New builds a zerolog.Logger from cfg. An unrecognized Level falls
// back to info; Output defaults to stderr.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given
// component name, for the handful of call sites that build a logger
// ahead of the component it belongs to.
func WithComponent(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// WithNodeID returns a child logger tagged with the agent's compute
// node id, applied once at startup so every subsequent log line
// carries it.
func WithNodeID(logger zerolog.Logger, nodeID string) zerolog.Logger {
	return logger.With().Str("node_id", nodeID).Logger()
}
