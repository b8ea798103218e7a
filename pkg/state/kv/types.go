package kv

import "errors"

// Version is the store's transaction counter. It advances by exactly one per
// committed transaction.
type Version int64

// NoVersion is returned when no store is available to answer. It is never a
// valid committed version.
const NoVersion Version = -1

// Domain marks whether a table may be reconstructed by replicas without
// access to confidential data.
type Domain uint8

const (
    DomainPublic Domain = iota
    DomainPrivate
)

func (d Domain) String() string {
    switch d {
    case DomainPublic:
        return "public"
    case DomainPrivate:
        return "private"
    default:
        return "unknown"
    }
}

// Well-known tables whose presence in a replicated write set changes the
// deserialisation outcome.
const (
    PrePreparesTable = "pbft.preprepares"
    SignaturesTable  = "pbft.signatures"
)

// DeserialiseSuccess is the outcome of applying a replicated write set.
type DeserialiseSuccess int

const (
    DeserialiseFailed DeserialiseSuccess = iota
    DeserialisePass
    DeserialisePassSignature
    DeserialisePassPrePrepare
)

func (d DeserialiseSuccess) String() string {
    switch d {
    case DeserialiseFailed:
        return "failed"
    case DeserialisePass:
        return "pass"
    case DeserialisePassSignature:
        return "pass_signature"
    case DeserialisePassPrePrepare:
        return "pass_pre_prepare"
    default:
        return "unknown"
    }
}

var (
    ErrConflict       = errors.New("kv: conflict")
    ErrClosed         = errors.New("kv: store closed")
    ErrCompacted      = errors.New("kv: version compacted")
    ErrFutureVersion  = errors.New("kv: version not yet committed")
    ErrTxDone         = errors.New("kv: transaction already finished")
    ErrReadOnly       = errors.New("kv: read-only transaction")
    ErrNotReserved    = errors.New("kv: transaction version not reserved for this commit")
    ErrDomainMismatch = errors.New("kv: table domain mismatch")
    ErrNotFound       = errors.New("kv: ledger entry not found")
    ErrBadFormat      = errors.New("kv: unsupported encoding format")
)
