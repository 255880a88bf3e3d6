package dispatcher

import (
	"errors"

	"github.com/arkeep-io/procstar/internal/registry"
	"github.com/arkeep-io/procstar/internal/tracker"
)

// TransportClosed is returned when a dispatch operation's send failed
// because the socket closed, and retries (for Start) or the single
// attempt (for everything else) were exhausted.
var TransportClosed = errors.New("procstar: transport closed")

// The dispatcher is the caller-facing surface for the whole server, so
// its error types are aliases of the registry/tracker errors that
// actually get returned — callers doing errors.As only need to import
// this package.
type (
	NoGroupError            = registry.NoGroupError
	NoOpenConnectionInGroup = registry.NoOpenConnectionInGroup
	NoConnectionError       = registry.NoConnectionError
	NoProcessError          = tracker.NoProcessError
)
