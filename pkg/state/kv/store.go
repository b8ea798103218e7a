package kv

import (
    "fmt"
    "log"
    "os"
    "path/filepath"
    "sort"
    "sync"
    "sync/atomic"

    "github.com/vmihailenco/msgpack/v5"

    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
)

// Options configure a Store.
type Options struct {
    // DataDir selects a bbolt-backed ledger at DataDir/ledger.db. When empty
    // the ledger is kept in memory.
    DataDir string
    Logger  *log.Logger
}

// Store is a versioned, transactional key-value store. Committers are
// serialised; readers run concurrently against immutable version history.
type Store struct {
    opts Options
    log  *log.Logger

    // commitMu serialises everything that advances the version.
    commitMu sync.Mutex
    pending  atomic.Int64

    mu        sync.RWMutex
    version   Version
    compacted Version
    term      uint64
    maps      map[string]*Map
    held      map[Version]*Tx
    closed    bool
    ledger    Ledger
}

// Open creates a store and recovers any state persisted in its ledger.
func Open(opts Options) (*Store, error) {
    if opts.Logger == nil { opts.Logger = log.Default() }
    var (
        l   Ledger
        err error
    )
    if opts.DataDir != "" {
        if err := os.MkdirAll(opts.DataDir, 0o755); err != nil { return nil, err }
        l, err = OpenBoltLedger(filepath.Join(opts.DataDir, "ledger.db"))
        if err != nil { return nil, err }
    } else {
        l = NewMemLedger()
    }
    s := &Store{
        opts:   opts,
        log:    opts.Logger,
        maps:   make(map[string]*Map),
        held:   make(map[Version]*Tx),
        ledger: l,
    }
    s.pending.Store(int64(NoVersion))
    if err := s.recover(); err != nil {
        _ = l.Close()
        return nil, err
    }
    return s, nil
}

// New returns an empty in-memory store.
func New() *Store {
    s, err := Open(Options{})
    if err != nil { panic(fmt.Sprintf("kv: in-memory open: %v", err)) }
    return s
}

func (s *Store) recover() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    v, data, err := s.ledger.LoadSnapshot()
    if err != nil { return err }
    if data != nil {
        img, err := decodeSnapshot(data)
        if err != nil { return err }
        if img.Version != v { return fmt.Errorf("kv: snapshot version %d does not match ledger key %d", img.Version, v) }
        s.installLocked(img)
    }
    last, err := s.ledger.Last()
    if err != nil { return err }
    if last == NoVersion || last <= s.version { return nil }
    err = s.ledger.Range(s.version+1, last, func(v Version, data []byte) error {
        ws, err := DecodeWriteSet(data)
        if err != nil { return fmt.Errorf("kv: ledger entry %d: %w", v, err) }
        if ws.Version != s.version+1 { return fmt.Errorf("kv: ledger gap at %d (have %d)", ws.Version, s.version) }
        return s.applyLocked(ws, false)
    })
    if err != nil { return err }
    if s.version > 0 { logutil.Infof(s.log, "kv: recovered store at version %d term %d", s.version, s.term) }
    return nil
}

// Map returns the named table, creating it on first use.
func (s *Store) Map(name string, d Domain) (*Map, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if m, ok := s.maps[name]; ok {
        if m.domain != d { return nil, fmt.Errorf("%w: %s is %s", ErrDomainMismatch, name, m.domain) }
        return m, nil
    }
    m := newMap(name, d)
    s.maps[name] = m
    return m, nil
}

// BeginTx opens a transaction reading at the current version.
func (s *Store) BeginTx() *Tx {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return newTx(s, s.version, false)
}

// BeginTxAt opens a read-only transaction at a historical version.
func (s *Store) BeginTxAt(v Version) (*Tx, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    if v < s.compacted { return nil, fmt.Errorf("%w: %d < %d", ErrCompacted, v, s.compacted) }
    if v > s.version { return nil, fmt.Errorf("%w: %d > %d", ErrFutureVersion, v, s.version) }
    return newTx(s, v, true), nil
}

// CurrentVersion returns the last committed version, or NoVersion once the
// store is closed.
func (s *Store) CurrentVersion() Version {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return NoVersion }
    return s.version
}

// NextVersion returns the version the next commit will land at. It does not
// reserve it: Commit fails with ErrConflict if another writer gets there
// first.
func (s *Store) NextVersion() Version {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return NoVersion }
    return s.version + 1
}

// CompactedVersion is the oldest version still readable.
func (s *Store) CompactedVersion() Version {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.compacted
}

func (s *Store) Term() uint64 {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.term
}

// SetTerm records the term subsequent local commits are tagged with. Terms
// never move backwards.
func (s *Store) SetTerm(t uint64) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if t > s.term { s.term = t }
}

// Commit runs fn as the single writer for version v. fn is expected to
// commit a transaction with SetReservedVersion(v) and CommitReserved. The
// call fails with ErrConflict when v is no longer the next version or is
// held by an open local transaction.
func (s *Store) Commit(v Version, fn func() error) error {
    s.commitMu.Lock()
    defer s.commitMu.Unlock()
    s.mu.RLock()
    closed, next := s.closed, s.version+1
    _, held := s.held[v]
    s.mu.RUnlock()
    if closed { return ErrClosed }
    if v != next || held { return ErrConflict }
    s.pending.Store(int64(v))
    defer s.pending.Store(int64(NoVersion))
    return fn()
}

// DeserialiseViews applies a replicated write set. With commit unset the
// write set is only validated and, when tx is given, loaded into tx so the
// caller can inspect or commit it later. Nothing is mutated on failure.
func (s *Store) DeserialiseViews(data []byte, publicOnly, commit bool, term *uint64, tx *Tx) DeserialiseSuccess {
    ws, err := DecodeWriteSet(data)
    if err != nil {
        logutil.Warnf(s.log, "kv: rejecting replicated write set: %v", err)
        obsmetrics.Deserialise.WithLabelValues(DeserialiseFailed.String()).Inc()
        return DeserialiseFailed
    }
    outcome := ws.outcome()
    if publicOnly { ws = ws.publicOnly() }

    s.commitMu.Lock()
    defer s.commitMu.Unlock()
    s.mu.Lock()
    defer s.mu.Unlock()

    fail := func(f string, args ...any) DeserialiseSuccess {
        logutil.Warnf(s.log, "kv: rejecting replicated write set: "+f, args...)
        obsmetrics.Deserialise.WithLabelValues(DeserialiseFailed.String()).Inc()
        return DeserialiseFailed
    }
    if s.closed { return fail("store closed") }
    if ws.Version != s.version+1 { return fail("version %d does not follow %d", ws.Version, s.version) }
    if _, held := s.held[ws.Version]; held { return fail("version %d held by a local transaction", ws.Version) }
    for _, t := range ws.Tables {
        if m, ok := s.maps[t.Name]; ok && m.domain != t.Domain {
            return fail("table %s domain %s, write set says %s", t.Name, m.domain, t.Domain)
        }
    }

    if tx != nil && !tx.done {
        for _, t := range ws.Tables {
            m, ok := s.maps[t.Name]
            if !ok { m = newMap(t.Name, t.Domain) }
            w := tx.buf(m)
            for _, p := range t.Puts { w.puts[p.Key] = p.Value }
            for _, k := range t.Removes { w.removes[k] = struct{}{} }
        }
    }
    if term != nil { *term = ws.Term }
    if commit {
        if err := s.applyLocked(ws, true); err != nil { return fail("%v", err) }
        if tx != nil { tx.finishLocked() }
    }
    obsmetrics.Deserialise.WithLabelValues(outcome.String()).Inc()
    return outcome
}

// Compact discards the ability to read versions strictly before v. It is
// idempotent and clamps v to the current version.
func (s *Store) Compact(v Version) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    if v > s.version { v = s.version }
    if v <= s.compacted { return nil }
    for _, m := range s.maps { m.compact(v) }
    s.compacted = v
    obsmetrics.StoreCompacted.Set(float64(v))
    return nil
}

// Snapshot encodes the full state at the current version.
func (s *Store) Snapshot() ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    img := snapshotImage{Format: writeSetFormat, Version: s.version, Term: s.term}
    names := make([]string, 0, len(s.maps))
    for n := range s.maps { names = append(names, n) }
    sort.Strings(names)
    for _, n := range names {
        m := s.maps[n]
        img.Tables = append(img.Tables, tableImage{Name: n, Domain: m.domain, Entries: m.imageAt(s.version)})
    }
    return msgpack.Marshal(&img)
}

// Restore replaces the whole state with a snapshot. The ledger restarts at
// the snapshot version.
func (s *Store) Restore(data []byte) error {
    img, err := decodeSnapshot(data)
    if err != nil { return err }
    s.commitMu.Lock()
    defer s.commitMu.Unlock()
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    if err := s.ledger.InstallSnapshot(img.Version, data); err != nil { return err }
    s.installLocked(img)
    logutil.Infof(s.log, "kv: restored snapshot at version %d term %d", img.Version, img.Term)
    return nil
}

func (s *Store) installLocked(img *snapshotImage) {
    s.maps = make(map[string]*Map, len(img.Tables))
    for _, t := range img.Tables {
        m := newMap(t.Name, t.Domain)
        for _, e := range t.Entries {
            m.keys[e.Key] = []entry{{version: img.Version, value: e.Value}}
        }
        s.maps[t.Name] = m
    }
    s.held = make(map[Version]*Tx)
    s.version = img.Version
    s.compacted = img.Version
    s.term = img.Term
    obsmetrics.StoreVersion.Set(float64(s.version))
}

// LedgerEntry returns the encoded write set committed at v, for catch-up of
// lagging replicas.
func (s *Store) LedgerEntry(v Version) ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return nil, ErrClosed }
    return s.ledger.Get(v)
}

// LedgerRange calls fn for each committed write set in [from, to].
func (s *Store) LedgerRange(from, to Version, fn func(Version, []byte) error) error {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return ErrClosed }
    return s.ledger.Range(from, to, fn)
}

// Close releases the ledger. Open transactions fail with ErrClosed.
func (s *Store) Close() error {
    s.commitMu.Lock()
    defer s.commitMu.Unlock()
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return nil }
    s.closed = true
    return s.ledger.Close()
}

// applyLocked validates ws against the table domains, records it in the
// ledger and only then mutates the tables.
func (s *Store) applyLocked(ws *WriteSet, record bool) error {
    maps := make([]*Map, len(ws.Tables))
    for i, t := range ws.Tables {
        m := s.maps[t.Name]
        if m != nil && m.domain != t.Domain { return fmt.Errorf("%w: %s", ErrDomainMismatch, t.Name) }
        maps[i] = m
    }
    if record {
        data, err := EncodeWriteSet(ws)
        if err != nil { return err }
        if err := s.ledger.Append(ws.Version, data); err != nil { return fmt.Errorf("kv: ledger append: %w", err) }
    }
    for i, t := range ws.Tables {
        m := maps[i]
        if m == nil {
            m = newMap(t.Name, t.Domain)
            s.maps[t.Name] = m
        }
        m.apply(ws.Version, t)
    }
    s.version = ws.Version
    if ws.Term > s.term { s.term = ws.Term }
    obsmetrics.StoreVersion.Set(float64(s.version))
    return nil
}
