// Package logger configures the process-wide zerolog setup. Every package
// obtains a component-tagged logger through For so log lines stay filterable
// by subsystem.
package logger

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	root zerolog.Logger = newRoot(false, false)
)

// Setup reconfigures the root logger. pretty switches to the human console
// writer; debug lowers the level threshold. Safe to call more than once.
func Setup(debug, pretty bool) {
	mu.Lock()
	defer mu.Unlock()
	root = newRoot(debug, pretty)
}

func newRoot(debug, pretty bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root.With().Str("component", component).Logger()
}
