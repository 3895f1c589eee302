// Package townlog provides the shared logger construction used across
// every town-core component. Each component gets its own *log.Logger
// with a component-specific prefix instead of writing to the global
// log package, so tests can swap in an in-memory sink.
package townlog

import (
	"io"
	"log"
)

// New creates a logger for the named component, writing to out with
// standard date/time flags.
func New(out io.Writer, component string) *log.Logger {
	return log.New(out, "["+component+"] ", log.LstdFlags)
}
