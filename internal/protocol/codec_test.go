package protocol

import (
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

// outbound variants aren't accepted by Decode (they have no entry in
// incomingTypes — only agents decode them, and that's out of scope per
// spec.md §1). The round-trip property in spec.md §8.1 applies to the
// inbound catalogue, which is what the server actually parses.
func TestCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{
			"Register",
			Register{
				Conn: ConnectionInfo{ConnID: "c1", GroupID: "default"},
				Proc: ProcessInfo{
					Pid: 123, Ppid: 1, Uid: 1000, Euid: 1000,
					Username: "alice", Gid: 1000, Egid: 1000,
					Groupname: "alice", Hostname: "host1",
				},
				AccessToken: "tok",
			},
		},
		{"ProcidList", ProcidList{ProcIDs: []string{"p1", "p2"}}},
		{"ProcResult", ProcResult{ProcID: "p1", Res: map[string]any{"state": "running"}}},
		{
			"ProcFdData",
			ProcFdData{ProcID: "p1", Fd: "stdout", Start: 0, Stop: 5, Encoding: "utf-8", Data: []byte("hello")},
		},
		{"ProcDelete", ProcDelete{ProcID: "p1"}},
		{"ProcUnknown", ProcUnknown{ProcID: "p1"}},
		{
			"IncomingMessageError",
			IncomingMessageError{Msg: map[string]any{"type": "Bogus"}, Err: "nope"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			data, err := Encode(c.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			tag, got, err := Decode(true, data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if tag != c.name {
				t.Fatalf("tag = %q, want %q", tag, c.name)
			}
			if !reflect.DeepEqual(got, c.msg) {
				t.Fatalf("round-trip mismatch:\n got  %#v\n want %#v", got, c.msg)
			}
		})
	}
}

func TestEncodeOutbound(t *testing.T) {
	stop := int64(100)
	msgs := []Message{
		Registered{},
		ProcStart{Specs: map[string]map[string]any{"p1": {"argv": []any{"/bin/echo", "hi"}}}},
		ProcidListRequest{},
		ProcResultRequest{ProcID: "p1"},
		ProcSignalRequest{ProcID: "p1", Signum: 15},
		ProcFdDataRequest{ProcID: "p1", Fd: "stdout", Start: 0, Stop: &stop},
		ProcDeleteRequest{ProcID: "p1"},
	}
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s): %v", m.Tag(), err)
		}
		if len(data) == 0 {
			t.Fatalf("Encode(%s) produced empty frame", m.Tag())
		}
	}
}

func TestDecodeWrongFrameType(t *testing.T) {
	data, _ := Encode(ProcDelete{ProcID: "p1"})
	if _, _, err := Decode(false, data); err == nil {
		t.Fatal("expected error for non-binary frame")
	}
}

func TestDecodeNotAMap(t *testing.T) {
	data, err := msgpack.Marshal([]int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Decode(true, data); err == nil {
		t.Fatal("expected error for non-map frame")
	}
}

func TestDecodeMissingType(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"proc_id": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Decode(true, data); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{"type": "Bogus"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Decode(true, data); err == nil {
		t.Fatal("expected error for unknown type")
	}
}
