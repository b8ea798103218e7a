package pbft

import "github.com/amirimatin/go-bftstore/pkg/state/kv"

// Store is what the consensus engine calls into.
type Store interface {
    // DeserialiseViews applies a replicated write set. On failure nothing is
    // mutated and DeserialiseFailed is returned.
    DeserialiseViews(data []byte, publicOnly, commit bool, term *Term, tx *kv.Tx) kv.DeserialiseSuccess
    // Compact discards history strictly before upto.
    Compact(upto Index)
    CurrentVersion() kv.Version
    // CommitPrePrepare commits pp into table as a single transaction at the
    // next free version and returns that version.
    CommitPrePrepare(pp PrePrepare, table *kv.Map) (kv.Version, error)
}

// Engine is what a storage engine must provide to the Adaptor.
type Engine interface {
    DeserialiseViews(data []byte, publicOnly, commit bool, term *uint64, tx *kv.Tx) kv.DeserialiseSuccess
    Compact(v kv.Version) error
    CurrentVersion() kv.Version
    NextVersion() kv.Version
    BeginTx() *kv.Tx
    BeginTxAt(v kv.Version) (*kv.Tx, error)
    // Commit runs fn as the only writer for version v, or fails with
    // kv.ErrConflict when v is taken.
    Commit(v kv.Version, fn func() error) error
    Snapshot() ([]byte, error)
    Restore(data []byte) error
}

var _ Engine = (*kv.Store)(nil)
