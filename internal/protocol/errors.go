package protocol

import "fmt"

// ProtocolError reports a violation of the procstar wire protocol: a frame
// that isn't binary, isn't valid MessagePack, isn't a map, lacks a "type"
// tag, names an unregistered tag, or whose fields don't coerce to the
// tagged variant's shape.
//
// The message text uses a fixed vocabulary, adapted from the original
// Python codec (proto.py's deserialize_message): "wrong frame type",
// "decode error: ...", "msg not a map", "missing type", "unknown type:
// <tag>", "invalid <tag>: <detail>".
type ProtocolError struct {
	msg string
}

func newProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return "procstar: protocol error: " + e.msg
}
