package utils

import (
	"github.com/edaniels/golog"
	"go.uber.org/atomic"
)

// Logger is used by the helpers of this package for informational/debugging purposes.
var Logger = golog.Global()

// Debug routes pion's internal logging through our loggers for peer connections
// created while it is set.
var Debug atomic.Bool

// NamedLogger names a golog logger and attaches key/value pairs in one step.
func NamedLogger(logger golog.Logger, name string, args ...interface{}) golog.Logger {
	named := logger.Named(name)
	if len(args) == 0 {
		return named
	}
	return named.With(args...)
}
