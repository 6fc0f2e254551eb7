package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// Framing specifies the serialization used to encode Messages on a
// connection. Modeled directly on the teacher's message.Framing interface:
// Marshal/Unpack/Unmarshal against a buffered reader/writer rather than a
// single byte slice, so a Framing can be layered over any io.Reader/Writer
// the transport package provides.
type Framing interface {
	// ContentType identifies the Framing for negotiation diagnostics.
	ContentType() string
	// Marshal writes msg to bw. Marshal may ignore any error returned by bw;
	// the caller is responsible for checking bw.Flush().
	Marshal(msg Message, bw *bufio.Writer) error
	// Unpack reads and returns one complete framed message from br, without
	// decoding it. The returned []byte is invalidated by the next Unpack call.
	Unpack(br *bufio.Reader) ([]byte, error)
	// Unmarshal decodes a frame previously produced by Unpack into an
	// envelope. It returns only message-level decoding errors.
	Unmarshal(frame []byte) (Envelope, error)
}

// Envelope carries a decoded message tagged with its wire kind, since
// Unmarshal must recover a concrete Message type from an untyped frame.
type Envelope struct {
	Kind string
	SnapshotMarker
	Mutation
	Deletion
	Expiration
	SetVBucketState
	StreamEnd
	BufferAck
}

// Message returns the concrete Message the Envelope carries.
func (e Envelope) Message() Message {
	switch e.Kind {
	case "snapshot_marker":
		return e.SnapshotMarker
	case "mutation":
		return e.Mutation
	case "deletion":
		return e.Deletion
	case "expiration":
		return e.Expiration
	case "set_vbucket_state":
		return e.SetVBucketState
	case "stream_end":
		return e.StreamEnd
	case "buffer_ack":
		return e.BufferAck
	default:
		return nil
	}
}

// JSONLines is a Framing implementation which encodes messages as
// line-delimited JSON, directly modeled on the teacher's jsonFraming.
var JSONLines Framing = new(jsonFraming)

type jsonFraming struct{}

func (*jsonFraming) ContentType() string { return "application/x-ndjson" }

type jsonFrame struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func (*jsonFraming) Marshal(msg Message, bw *bufio.Writer) error {
	var kind string
	switch msg.(type) {
	case SnapshotMarker:
		kind = "snapshot_marker"
	case Mutation:
		kind = "mutation"
	case Deletion:
		kind = "deletion"
	case Expiration:
		kind = "expiration"
	case SetVBucketState:
		kind = "set_vbucket_state"
	case StreamEnd:
		kind = "stream_end"
	case BufferAck:
		kind = "buffer_ack"
	default:
		return fmt.Errorf("wire: unrecognized message type %T", msg)
	}

	var body, err = json.Marshal(msg)
	if err != nil {
		return err
	}
	return json.NewEncoder(bw).Encode(jsonFrame{Kind: kind, Body: body})
}

// Unpack reads a complete JSON line from br.
func (*jsonFraming) Unpack(br *bufio.Reader) ([]byte, error) {
	return br.ReadBytes('\n')
}

func (*jsonFraming) Unmarshal(frame []byte) (Envelope, error) {
	var jf jsonFrame
	if err := json.Unmarshal(frame, &jf); err != nil {
		return Envelope{}, err
	}

	var env = Envelope{Kind: jf.Kind}
	var err error
	switch jf.Kind {
	case "snapshot_marker":
		err = json.Unmarshal(jf.Body, &env.SnapshotMarker)
	case "mutation":
		err = json.Unmarshal(jf.Body, &env.Mutation)
	case "deletion":
		err = json.Unmarshal(jf.Body, &env.Deletion)
	case "expiration":
		err = json.Unmarshal(jf.Body, &env.Expiration)
	case "set_vbucket_state":
		err = json.Unmarshal(jf.Body, &env.SetVBucketState)
	case "stream_end":
		err = json.Unmarshal(jf.Body, &env.StreamEnd)
	case "buffer_ack":
		err = json.Unmarshal(jf.Body, &env.BufferAck)
	default:
		err = fmt.Errorf("wire: unrecognized frame kind %q", jf.Kind)
	}
	return env, err
}
