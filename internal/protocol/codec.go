package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// incomingTypes maps a wire tag to a decoder that turns the frame's
// remaining fields (with "type" already stripped) into the corresponding
// Message. Populated in init() below — Go's lack of sum types means this
// table, not a switch over a closed set of cases, is what "tagged union"
// looks like here.
var incomingTypes = map[string]func(map[string]any) (Message, error){}

func registerIncoming[T any](tag string, wrap func(T) Message) {
	incomingTypes[tag] = func(fields map[string]any) (Message, error) {
		v, err := decodeFields[T](fields)
		if err != nil {
			return nil, err
		}
		return wrap(*v), nil
	}
}

func init() {
	registerIncoming("Register", func(v Register) Message { return v })
	registerIncoming("ProcidList", func(v ProcidList) Message { return v })
	registerIncoming("ProcResult", func(v ProcResult) Message { return v })
	registerIncoming("ProcFdData", func(v ProcFdData) Message { return v })
	registerIncoming("ProcDelete", func(v ProcDelete) Message { return v })
	registerIncoming("ProcUnknown", func(v ProcUnknown) Message { return v })
	registerIncoming("IncomingMessageError", func(v IncomingMessageError) Message { return v })
}

// decodeFields re-encodes a generic map and decodes it into T, giving us
// MessagePack's own field coercion (numeric widening, missing optional
// fields, etc.) instead of hand-rolled type assertions per field.
func decodeFields[T any](fields map[string]any) (*T, error) {
	raw, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Encode serializes msg as a MessagePack map with an injected "type" key
// naming its wire tag, ready to send as a binary WebSocket frame.
func Encode(msg Message) ([]byte, error) {
	raw, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, newProtocolError("encode %s: %v", msg.Tag(), err)
	}

	var fields map[string]any
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return nil, newProtocolError("encode %s: %v", msg.Tag(), err)
	}
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["type"] = msg.Tag()

	out, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, newProtocolError("encode %s: %v", msg.Tag(), err)
	}
	return out, nil
}

// Decode parses a WebSocket frame into its tag and typed Message.
//
// isBinary must reflect whether the frame arrived as a binary WebSocket
// message — text frames are always a protocol error, per spec.md §6.
func Decode(isBinary bool, data []byte) (string, Message, error) {
	if !isBinary {
		return "", nil, newProtocolError("wrong frame type")
	}

	var generic any
	if err := msgpack.Unmarshal(data, &generic); err != nil {
		return "", nil, newProtocolError("decode error: %v", err)
	}

	fields, ok := generic.(map[string]any)
	if !ok {
		return "", nil, newProtocolError("msg not a map")
	}

	tagVal, ok := fields["type"]
	if !ok {
		return "", nil, newProtocolError("missing type")
	}
	tag, ok := tagVal.(string)
	if !ok || tag == "" {
		return "", nil, newProtocolError("missing type")
	}

	decode, ok := incomingTypes[tag]
	if !ok {
		return "", nil, newProtocolError("unknown type: %s", tag)
	}

	delete(fields, "type")
	msg, err := decode(fields)
	if err != nil {
		return "", nil, newProtocolError("invalid %s: %v", tag, err)
	}
	return tag, msg, nil
}
