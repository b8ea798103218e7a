package kv

import (
    "fmt"
    "sort"

    "github.com/vmihailenco/msgpack/v5"
)

// writeSetFormat is bumped only for incompatible layout changes. Fields may be
// added without bumping it; decoders ignore fields they do not know.
const writeSetFormat uint8 = 1

// KeyValue is a single put inside a write set or a snapshot image.
type KeyValue struct {
    Key   string `msgpack:"k"`
    Value []byte `msgpack:"v"`
}

// TableWrites carries the changes made to one table by one transaction.
type TableWrites struct {
    Name    string     `msgpack:"name"`
    Domain  Domain     `msgpack:"domain"`
    Puts    []KeyValue `msgpack:"puts,omitempty"`
    Removes []string   `msgpack:"removes,omitempty"`
}

// WriteSet is the replicated representation of one committed transaction.
// Tables and keys are sorted so every replica produces identical bytes.
type WriteSet struct {
    Format  uint8         `msgpack:"format"`
    Version Version       `msgpack:"version"`
    Term    uint64        `msgpack:"term"`
    Tables  []TableWrites `msgpack:"tables"`
}

func (ws *WriteSet) touches(table string) bool {
    for _, t := range ws.Tables {
        if t.Name == table { return true }
    }
    return false
}

// publicOnly returns a copy restricted to public tables.
func (ws *WriteSet) publicOnly() *WriteSet {
    out := &WriteSet{Format: ws.Format, Version: ws.Version, Term: ws.Term}
    for _, t := range ws.Tables {
        if t.Domain == DomainPublic { out.Tables = append(out.Tables, t) }
    }
    return out
}

func (ws *WriteSet) outcome() DeserialiseSuccess {
    switch {
    case ws.touches(PrePreparesTable):
        return DeserialisePassPrePrepare
    case ws.touches(SignaturesTable):
        return DeserialisePassSignature
    default:
        return DeserialisePass
    }
}

func EncodeWriteSet(ws *WriteSet) ([]byte, error) {
    if ws.Format == 0 { ws.Format = writeSetFormat }
    return msgpack.Marshal(ws)
}

func DecodeWriteSet(data []byte) (*WriteSet, error) {
    if len(data) == 0 { return nil, fmt.Errorf("kv: empty write set") }
    var ws WriteSet
    if err := msgpack.Unmarshal(data, &ws); err != nil {
        return nil, fmt.Errorf("kv: decode write set: %w", err)
    }
    if ws.Format != writeSetFormat {
        return nil, fmt.Errorf("%w: write set format %d", ErrBadFormat, ws.Format)
    }
    if ws.Version <= 0 {
        return nil, fmt.Errorf("kv: write set carries invalid version %d", ws.Version)
    }
    for _, t := range ws.Tables {
        if t.Name == "" { return nil, fmt.Errorf("kv: write set table without name") }
        if t.Domain != DomainPublic && t.Domain != DomainPrivate {
            return nil, fmt.Errorf("kv: table %s has unknown domain %d", t.Name, t.Domain)
        }
    }
    return &ws, nil
}

// snapshotImage is the full state of a store at one version.
type snapshotImage struct {
    Format  uint8        `msgpack:"format"`
    Version Version      `msgpack:"version"`
    Term    uint64       `msgpack:"term"`
    Tables  []tableImage `msgpack:"tables"`
}

type tableImage struct {
    Name    string     `msgpack:"name"`
    Domain  Domain     `msgpack:"domain"`
    Entries []KeyValue `msgpack:"entries"`
}

func decodeSnapshot(data []byte) (*snapshotImage, error) {
    var img snapshotImage
    if err := msgpack.Unmarshal(data, &img); err != nil {
        return nil, fmt.Errorf("kv: decode snapshot: %w", err)
    }
    if img.Format != writeSetFormat {
        return nil, fmt.Errorf("%w: snapshot format %d", ErrBadFormat, img.Format)
    }
    if img.Version < 0 {
        return nil, fmt.Errorf("kv: snapshot carries invalid version %d", img.Version)
    }
    return &img, nil
}

func sortKeyValues(kvs []KeyValue) {
    sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
}
