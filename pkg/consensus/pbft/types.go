// Package pbft bridges batches agreed by a PBFT-family consensus engine into
// a versioned transactional store.
package pbft

import (
    "bytes"
    "crypto/sha256"
    "errors"
    "fmt"

    "github.com/vmihailenco/msgpack/v5"

    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

type (
    Index     uint64
    Term      uint64
    NodeID    uint64
    CallerID  uint64
    RequestID uint64
)

// PrePreparesTable holds the most recent agreed batch under key "0". Its
// history, read through historical transactions, maps versions to batches.
const PrePreparesTable = kv.PrePreparesTable

const prePrepareFormat byte = 1

var (
    ErrDigestMismatch    = errors.New("pbft: digest mismatch")
    ErrUnsupportedFormat = errors.New("pbft: unsupported pre-prepare format")
    ErrOutOfOrder        = errors.New("pbft: sequence number does not advance")
    ErrUnavailable       = errors.New("pbft: store unavailable")
)

// Request is one client request carried inside an agreed batch.
type Request struct {
    Caller  CallerID  `msgpack:"caller" json:"caller"`
    ID      RequestID `msgpack:"id" json:"id"`
    Payload []byte    `msgpack:"payload" json:"payload"`
}

// PrePrepare is the batch a view's primary proposed and the replicas agreed
// on. The bridge treats it as opaque apart from Seqno.
type PrePrepare struct {
    View     Term      `msgpack:"view" json:"view"`
    Seqno    Index     `msgpack:"seqno" json:"seqno"`
    Digest   []byte    `msgpack:"digest" json:"digest"`
    Requests []Request `msgpack:"requests" json:"requests"`
}

func NewPrePrepare(view Term, seqno Index, reqs []Request) (PrePrepare, error) {
    d, err := digest(reqs)
    if err != nil { return PrePrepare{}, err }
    return PrePrepare{View: view, Seqno: seqno, Digest: d, Requests: reqs}, nil
}

// Verify recomputes the digest over Requests.
func (pp PrePrepare) Verify() error {
    d, err := digest(pp.Requests)
    if err != nil { return err }
    if !bytes.Equal(d, pp.Digest) { return fmt.Errorf("%w: seqno %d", ErrDigestMismatch, pp.Seqno) }
    return nil
}

func digest(reqs []Request) ([]byte, error) {
    data, err := msgpack.Marshal(reqs)
    if err != nil { return nil, fmt.Errorf("pbft: encode requests: %w", err) }
    sum := sha256.Sum256(data)
    return sum[:], nil
}

// MarshalPrePrepare encodes pp behind a one-byte format tag.
func MarshalPrePrepare(pp PrePrepare) ([]byte, error) {
    body, err := msgpack.Marshal(&pp)
    if err != nil { return nil, fmt.Errorf("pbft: encode pre-prepare: %w", err) }
    return append([]byte{prePrepareFormat}, body...), nil
}

func UnmarshalPrePrepare(data []byte) (PrePrepare, error) {
    var pp PrePrepare
    if len(data) == 0 { return pp, fmt.Errorf("pbft: empty pre-prepare") }
    if data[0] != prePrepareFormat { return pp, fmt.Errorf("%w: %d", ErrUnsupportedFormat, data[0]) }
    if err := msgpack.Unmarshal(data[1:], &pp); err != nil {
        return pp, fmt.Errorf("pbft: decode pre-prepare: %w", err)
    }
    return pp, nil
}
