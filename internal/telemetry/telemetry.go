// Package telemetry defines the consumed telemetry collaborator (spec
// §7): an out-of-scope external collector the Lifecycle Controller
// flushes, with a bounded timeout, whenever it reports an uncaught
// error. This is new code with no prior telemetry concept to build on,
// shaped like the other small consumed-interface collaborators in this
// module (internal/imageref.Resolver, internal/lifecycle.Clock).
package telemetry

import "context"

// Collector receives lifecycle error reports and flushes them to
// whatever out-of-scope backend the caller wires in.
type Collector interface {
	// Report records an error for later delivery. Implementations must
	// not block; buffering is their responsibility.
	Report(err error)

	// Flush delivers any buffered reports, honoring ctx's deadline
	// (spec §4.8: "flush with a bounded timeout (<= 2s)").
	Flush(ctx context.Context) error
}

// Noop discards everything. It is the default when no external
// telemetry backend is configured.
type Noop struct{}

func (Noop) Report(error)                { }
func (Noop) Flush(ctx context.Context) error { return nil }

var _ Collector = Noop{}
