package grpc

import (
    "encoding/json"
    "fmt"

    "google.golang.org/protobuf/proto"
)

const (
    codecName     = "bftstore-json"
    deliverMethod = "/bftstore.v1.Peer/Deliver"
)

// envelope is one peer message: the raw wire frame, base64 in JSON.
type envelope struct{ Data []byte `json:"data"` }

type ack struct{}

// peerCodec is forced on both ends of the peer connection. Envelopes go as
// JSON; protobuf messages (the health service) keep their binary encoding.
type peerCodec struct{}

func (peerCodec) Name() string { return codecName }

func (peerCodec) Marshal(v any) ([]byte, error) {
    switch m := v.(type) {
    case *envelope, *ack:
        return json.Marshal(m)
    case proto.Message:
        return proto.Marshal(m)
    }
    return nil, fmt.Errorf("grpc: %s cannot encode %T", codecName, v)
}

func (peerCodec) Unmarshal(b []byte, v any) error {
    switch m := v.(type) {
    case *envelope, *ack:
        if len(b) == 0 { return nil }
        return json.Unmarshal(b, m)
    case proto.Message:
        return proto.Unmarshal(b, m)
    }
    return fmt.Errorf("grpc: %s cannot decode into %T", codecName, v)
}
