package registry

import "fmt"

// NoGroupError reports that a group_id has no registered connections, not
// even closed ones.
type NoGroupError struct {
	Group string
}

func (e *NoGroupError) Error() string {
	return fmt.Sprintf("no group: %s", e.Group)
}

// NoOpenConnectionInGroup reports that a group exists but every connection
// in it currently has a closed socket.
type NoOpenConnectionInGroup struct {
	Group string
}

func (e *NoOpenConnectionInGroup) Error() string {
	return fmt.Sprintf("no open connection in group: %s", e.Group)
}

// NoConnectionError reports that no connection is registered under a
// given conn_id.
type NoConnectionError struct {
	ConnID string
}

func (e *NoConnectionError) Error() string {
	return fmt.Sprintf("no connection: %s", e.ConnID)
}
