package wire

import (
	"bufio"
	"bytes"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding so the
// transport package's gRPC service can move wire.Message values without a
// protobuf-generated message type, consistent with the Framing-over-bufio
// contract used for on-disk/on-wire journal content elsewhere in this
// module. grpc supports pluggable codecs via encoding.RegisterCodec; this is
// the supported extension point rather than a protobuf workaround.
const CodecName = "vbstream-ndjson"

func init() {
	encoding.RegisterCodec(gRPCCodec{})
}

// gRPCCodec adapts wire.JSONLines to grpc's encoding.Codec interface so
// stream messages can be sent directly as gRPC payloads without requiring a
// .proto-compiled message type for every wire.Message variant.
type gRPCCodec struct{}

func (gRPCCodec) Name() string { return CodecName }

func (gRPCCodec) Marshal(v interface{}) ([]byte, error) {
	var msg, ok = v.(Message)
	if !ok {
		return nil, fmt.Errorf("wire: gRPCCodec cannot marshal %T", v)
	}
	var buf bytes.Buffer
	var bw = bufio.NewWriter(&buf)
	if err := JSONLines.Marshal(msg, bw); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gRPCCodec) Unmarshal(data []byte, v interface{}) error {
	var env, ok = v.(*Envelope)
	if !ok {
		return fmt.Errorf("wire: gRPCCodec cannot unmarshal into %T", v)
	}
	var br = bufio.NewReader(bytes.NewReader(data))
	var frame, err = JSONLines.Unpack(br)
	if err != nil {
		return err
	}
	var decoded Envelope
	if decoded, err = JSONLines.Unmarshal(frame); err != nil {
		return err
	}
	*env = decoded
	return nil
}
