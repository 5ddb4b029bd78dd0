// Package obslog owns the process logger. Init configures it once at
// startup; components obtain tagged child loggers through the With*
// helpers and hold them for their lifetime. Before Init runs, the root
// is a no-op logger, so packages constructed in tests log nothing
// rather than panicking or spamming stderr.
package obslog

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.Nop()
)

// Config selects the process log level and output encoding.
type Config struct {
	// Level is a zerolog level name (debug, info, warn, error);
	// anything unrecognized falls back to info.
	Level string
	// JSONOutput emits machine-readable JSON lines; the default is a
	// human-readable console format.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init builds the root logger. Calling it again reconfigures the root;
// child loggers handed out earlier keep their old configuration.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	root = zerolog.New(out).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return tagged("component", component)
}

// WithDispatchID returns a child logger tagged with a dispatch ID.
func WithDispatchID(dispatchID string) zerolog.Logger {
	return tagged("dispatch_id", dispatchID)
}

// WithTenantID returns a child logger tagged with a tenant ID.
func WithTenantID(tenantID string) zerolog.Logger {
	return tagged("tenant_id", tenantID)
}

func tagged(key, value string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str(key, value).Logger()
}
