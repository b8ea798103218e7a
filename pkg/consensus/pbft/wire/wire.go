// Package wire defines the fixed binary prefix of messages exchanged between
// replicas. All integers are little-endian and packed without padding.
package wire

import (
    "encoding/binary"
    "errors"
    "fmt"

    "github.com/amirimatin/go-bftstore/pkg/consensus/pbft"
)

type MessageKind uint64

// Kind values are part of the wire format and are never reused.
const (
    KindConsensus     MessageKind = 1000
    KindAppendEntries MessageKind = 1001
    KindStatus        MessageKind = 1002
)

func (k MessageKind) String() string {
    switch k {
    case KindConsensus:
        return "consensus"
    case KindAppendEntries:
        return "append_entries"
    case KindStatus:
        return "status"
    default:
        return fmt.Sprintf("kind(%d)", uint64(k))
    }
}

func (k MessageKind) known() bool {
    return k == KindConsensus || k == KindAppendEntries || k == KindStatus
}

const (
    HeaderSize        = 16
    AppendEntriesSize = HeaderSize + 16
    StatusSize        = HeaderSize + 8
)

var (
    ErrShortBuffer  = errors.New("wire: short buffer")
    ErrUnknownKind  = errors.New("wire: unknown message kind")
    ErrKindMismatch = errors.New("wire: message kind mismatch")
    ErrIndexOrder   = errors.New("wire: prev index not below index")
    // ErrBadBody is returned by receivers whose message body fails to parse.
    ErrBadBody      = errors.New("wire: malformed body")
)

// Message is any fixed-layout envelope.
type Message interface {
    MessageKind() MessageKind
    Sender() pbft.NodeID
    AppendBinary(b []byte) ([]byte, error)
}

// Header starts every message.
type Header struct {
    Kind MessageKind
    From pbft.NodeID
}

func (h Header) MessageKind() MessageKind { return h.Kind }
func (h Header) Sender() pbft.NodeID      { return h.From }

func (h Header) AppendBinary(b []byte) ([]byte, error) {
    b = binary.LittleEndian.AppendUint64(b, uint64(h.Kind))
    return binary.LittleEndian.AppendUint64(b, uint64(h.From)), nil
}

func (h Header) MarshalBinary() ([]byte, error) { return h.AppendBinary(make([]byte, 0, HeaderSize)) }

func (h *Header) UnmarshalBinary(b []byte) error {
    if len(b) < HeaderSize { return fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, HeaderSize, len(b)) }
    h.Kind = MessageKind(binary.LittleEndian.Uint64(b[0:8]))
    h.From = pbft.NodeID(binary.LittleEndian.Uint64(b[8:16]))
    return nil
}

// PeekHeader reads only the header so a receiver can dispatch on kind.
func PeekHeader(b []byte) (Header, error) {
    var h Header
    err := h.UnmarshalBinary(b)
    return h, err
}

// AppendEntries announces log entries (Index] following PrevIndex. The
// entries themselves follow the fixed prefix.
type AppendEntries struct {
    Header
    Index     pbft.Index
    PrevIndex pbft.Index
}

func NewAppendEntries(from pbft.NodeID, idx, prev pbft.Index) AppendEntries {
    return AppendEntries{Header: Header{Kind: KindAppendEntries, From: from}, Index: idx, PrevIndex: prev}
}

func (m AppendEntries) AppendBinary(b []byte) ([]byte, error) {
    if m.Kind != KindAppendEntries { return b, fmt.Errorf("%w: append entries carries %s", ErrKindMismatch, m.Kind) }
    if m.PrevIndex >= m.Index { return b, fmt.Errorf("%w: prev %d, index %d", ErrIndexOrder, m.PrevIndex, m.Index) }
    b, _ = m.Header.AppendBinary(b)
    b = binary.LittleEndian.AppendUint64(b, uint64(m.Index))
    return binary.LittleEndian.AppendUint64(b, uint64(m.PrevIndex)), nil
}

func (m AppendEntries) MarshalBinary() ([]byte, error) {
    return m.AppendBinary(make([]byte, 0, AppendEntriesSize))
}

func (m *AppendEntries) UnmarshalBinary(b []byte) error {
    if len(b) < AppendEntriesSize { return fmt.Errorf("%w: append entries needs %d bytes, have %d", ErrShortBuffer, AppendEntriesSize, len(b)) }
    var h Header
    _ = h.UnmarshalBinary(b)
    if h.Kind != KindAppendEntries { return fmt.Errorf("%w: expected %s, got %s", ErrKindMismatch, KindAppendEntries, h.Kind) }
    idx := pbft.Index(binary.LittleEndian.Uint64(b[16:24]))
    prev := pbft.Index(binary.LittleEndian.Uint64(b[24:32]))
    if prev >= idx { return fmt.Errorf("%w: prev %d, index %d", ErrIndexOrder, prev, idx) }
    m.Header, m.Index, m.PrevIndex = h, idx, prev
    return nil
}

// StatusMessage is the periodic liveness/progress report.
type StatusMessage struct {
    Header
    Index pbft.Index
}

func NewStatus(from pbft.NodeID, idx pbft.Index) StatusMessage {
    return StatusMessage{Header: Header{Kind: KindStatus, From: from}, Index: idx}
}

func (m StatusMessage) AppendBinary(b []byte) ([]byte, error) {
    if m.Kind != KindStatus { return b, fmt.Errorf("%w: status carries %s", ErrKindMismatch, m.Kind) }
    b, _ = m.Header.AppendBinary(b)
    return binary.LittleEndian.AppendUint64(b, uint64(m.Index)), nil
}

func (m StatusMessage) MarshalBinary() ([]byte, error) {
    return m.AppendBinary(make([]byte, 0, StatusSize))
}

func (m *StatusMessage) UnmarshalBinary(b []byte) error {
    if len(b) < StatusSize { return fmt.Errorf("%w: status needs %d bytes, have %d", ErrShortBuffer, StatusSize, len(b)) }
    var h Header
    _ = h.UnmarshalBinary(b)
    if h.Kind != KindStatus { return fmt.Errorf("%w: expected %s, got %s", ErrKindMismatch, KindStatus, h.Kind) }
    m.Header = h
    m.Index = pbft.Index(binary.LittleEndian.Uint64(b[16:24]))
    return nil
}

// Encode appends body after the fixed prefix of m.
func Encode(m Message, body []byte) ([]byte, error) {
    if !m.MessageKind().known() { return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint64(m.MessageKind())) }
    out, err := m.AppendBinary(nil)
    if err != nil { return nil, err }
    return append(out, body...), nil
}

// Decode parses the fixed prefix selected by the header's kind and returns
// the remaining bytes as body. Consensus messages carry only a header.
func Decode(b []byte) (Message, []byte, error) {
    h, err := PeekHeader(b)
    if err != nil { return nil, nil, err }
    switch h.Kind {
    case KindConsensus:
        return h, b[HeaderSize:], nil
    case KindAppendEntries:
        var m AppendEntries
        if err := m.UnmarshalBinary(b); err != nil { return nil, nil, err }
        return m, b[AppendEntriesSize:], nil
    case KindStatus:
        var m StatusMessage
        if err := m.UnmarshalBinary(b); err != nil { return nil, nil, err }
        return m, b[StatusSize:], nil
    default:
        return nil, nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint64(h.Kind))
    }
}
