// Package protocol implements the procstar wire codec: a length-framed
// binary WebSocket protocol carrying a MessagePack-encoded map per frame,
// with a mandatory "type" field naming the variant and the remaining keys
// being that variant's fields.
//
// The codec is purely functional — it does no I/O. See internal/wsserver
// for the transport that reads/writes these frames, and spec.md §4.A/§6
// for the authoritative field catalogue.
package protocol

// DefaultPort is the default WebSocket listen port for agent connections.
const DefaultPort = 18782

// DefaultGroup is the group_id an agent belongs to when it doesn't specify one.
const DefaultGroup = "default"

// Message is implemented by every inbound and outbound variant. Tag returns
// the wire "type" string used to identify the variant in a frame.
type Message interface {
	Tag() string
}

// ─── Nested value types ──────────────────────────────────────────────────────

// ConnectionInfo is the "conn" field of a Register message: the agent's
// self-reported connection identity.
type ConnectionInfo struct {
	ConnID        string  `msgpack:"conn_id"`
	GroupID       string  `msgpack:"group_id"`
	RestrictedExe *string `msgpack:"restricted_exe,omitempty"`
}

// ProcessInfo is the "proc" field of a Register message: a snapshot of the
// agent process's own OS identity.
type ProcessInfo struct {
	Pid       int    `msgpack:"pid"`
	Ppid      int    `msgpack:"ppid"`
	Uid       int    `msgpack:"uid"`
	Euid      int    `msgpack:"euid"`
	Username  string `msgpack:"username"`
	Gid       int    `msgpack:"gid"`
	Egid      int    `msgpack:"egid"`
	Groupname string `msgpack:"groupname"`
	Hostname  string `msgpack:"hostname"`
}

// ─── Inbound variants (agent → server) ───────────────────────────────────────

// Register is the mandatory first frame from an agent. access_token is
// empty when the server has authentication disabled.
type Register struct {
	Conn        ConnectionInfo `msgpack:"conn"`
	Proc        ProcessInfo    `msgpack:"proc"`
	AccessToken string         `msgpack:"access_token"`
}

func (Register) Tag() string { return "Register" }

// ProcidList is the full list of processes the agent currently tracks —
// sent unsolicited after reconnect, or in response to ProcidListRequest.
type ProcidList struct {
	ProcIDs []string `msgpack:"proc_ids"`
}

func (ProcidList) Tag() string { return "ProcidList" }

// ProcResult carries a new result snapshot for a process. Res is opaque:
// the server hands it verbatim to waiters without parsing beyond the envelope.
type ProcResult struct {
	ProcID string         `msgpack:"proc_id"`
	Res    map[string]any `msgpack:"res"`
}

func (ProcResult) Tag() string { return "ProcResult" }

// ProcFdData is a half-open byte range of one captured file descriptor.
type ProcFdData struct {
	ProcID   string `msgpack:"proc_id"`
	Fd       string `msgpack:"fd"`
	Start    int64  `msgpack:"start"`
	Stop     int64  `msgpack:"stop"`
	Encoding string `msgpack:"encoding"`
	Data     []byte `msgpack:"data"`
}

func (ProcFdData) Tag() string { return "ProcFdData" }

// ProcDelete reports that a process has been removed on the agent.
type ProcDelete struct {
	ProcID string `msgpack:"proc_id"`
}

func (ProcDelete) Tag() string { return "ProcDelete" }

// ProcUnknown reports that the agent does not recognize a proc_id the
// server referenced (e.g. ProcResultRequest for a process it never started).
type ProcUnknown struct {
	ProcID string `msgpack:"proc_id"`
}

func (ProcUnknown) Tag() string { return "ProcUnknown" }

// IncomingMessageError reports that the agent rejected a prior message
// from the server. msg is the raw offending message the agent received.
type IncomingMessageError struct {
	Msg map[string]any `msgpack:"msg"`
	Err string         `msgpack:"err"`
}

func (IncomingMessageError) Tag() string { return "IncomingMessageError" }

// ─── Outbound variants (server → agent) ──────────────────────────────────────

// Registered acknowledges a successful Register handshake.
type Registered struct{}

func (Registered) Tag() string { return "Registered" }

// ProcStart instructs the agent to start one or more processes. specs maps
// proc_id to an opaque, msgpack-encodable process spec the server never
// validates beyond that.
type ProcStart struct {
	Specs map[string]map[string]any `msgpack:"specs"`
}

func (ProcStart) Tag() string { return "ProcStart" }

// ProcidListRequest asks the agent to send back a ProcidList.
type ProcidListRequest struct{}

func (ProcidListRequest) Tag() string { return "ProcidListRequest" }

// ProcResultRequest asks the agent to re-send the current result for a process.
type ProcResultRequest struct {
	ProcID string `msgpack:"proc_id"`
}

func (ProcResultRequest) Tag() string { return "ProcResultRequest" }

// ProcSignalRequest asks the agent to deliver a signal to a process.
type ProcSignalRequest struct {
	ProcID string `msgpack:"proc_id"`
	Signum int    `msgpack:"signum"`
}

func (ProcSignalRequest) Tag() string { return "ProcSignalRequest" }

// ProcFdDataRequest asks the agent for a byte range of a captured file
// descriptor. Stop is nil to mean "to the current end".
type ProcFdDataRequest struct {
	ProcID string `msgpack:"proc_id"`
	Fd     string `msgpack:"fd"`
	Start  int64  `msgpack:"start"`
	Stop   *int64 `msgpack:"stop"`
}

func (ProcFdDataRequest) Tag() string { return "ProcFdDataRequest" }

// ProcDeleteRequest asks the agent to tear down and forget a process. The
// agent replies with ProcDelete, which is what actually clears the tracker
// entry — this is at-least-once: callers should treat Delete as idempotent.
type ProcDeleteRequest struct {
	ProcID string `msgpack:"proc_id"`
}

func (ProcDeleteRequest) Tag() string { return "ProcDeleteRequest" }
