package kv

import "sort"

type writeBuf struct {
    m       *Map
    puts    map[string][]byte
    removes map[string]struct{}
}

// Tx is a transaction against a Store. Reads observe the store as of the
// version the transaction was opened at, plus the transaction's own writes.
// A Tx is not safe for concurrent use.
type Tx struct {
    s        *Store
    readAt   Version
    readOnly bool
    reads    map[*Map]map[string]struct{}
    writes   map[string]*writeBuf
    reserved Version
    held     Version
    done     bool
}

func newTx(s *Store, at Version, readOnly bool) *Tx {
    return &Tx{
        s:        s,
        readAt:   at,
        readOnly: readOnly,
        reads:    make(map[*Map]map[string]struct{}),
        writes:   make(map[string]*writeBuf),
        reserved: NoVersion,
        held:     NoVersion,
    }
}

// ReadVersion is the version this transaction reads at.
func (tx *Tx) ReadVersion() Version { return tx.readAt }

// View is a transaction-scoped handle on one table.
type View struct {
    tx *Tx
    m  *Map
}

// View returns a handle on m. Handles resolve by table name, so a Map
// obtained before a Restore keeps addressing the live table.
func (tx *Tx) View(m *Map) *View {
    s := tx.s
    s.mu.RLock()
    if cur, ok := s.maps[m.name]; ok { m = cur }
    s.mu.RUnlock()
    return &View{tx: tx, m: m}
}

func (tx *Tx) buf(m *Map) *writeBuf {
    w := tx.writes[m.name]
    if w == nil {
        w = &writeBuf{m: m, puts: make(map[string][]byte), removes: make(map[string]struct{})}
        tx.writes[m.name] = w
    }
    return w
}

// Get returns the value of key. It fails with ErrCompacted when the version
// the transaction reads at has been compacted away since it was opened.
func (v *View) Get(key string) ([]byte, bool, error) {
    if w := v.tx.writes[v.m.name]; w != nil {
        if _, ok := w.removes[key]; ok { return nil, false, nil }
        if val, ok := w.puts[key]; ok { return val, true, nil }
    }
    rs := v.tx.reads[v.m]
    if rs == nil {
        rs = make(map[string]struct{})
        v.tx.reads[v.m] = rs
    }
    rs[key] = struct{}{}

    s := v.tx.s
    s.mu.RLock()
    defer s.mu.RUnlock()
    if v.tx.readAt < s.compacted { return nil, false, ErrCompacted }
    val, ok := v.m.getAt(key, v.tx.readAt)
    return val, ok, nil
}

func (v *View) Has(key string) (bool, error) {
    _, ok, err := v.Get(key)
    return ok, err
}

func (v *View) Put(key string, val []byte) {
    w := v.tx.buf(v.m)
    delete(w.removes, key)
    w.puts[key] = append([]byte(nil), val...)
}

func (v *View) Remove(key string) {
    w := v.tx.buf(v.m)
    delete(w.puts, key)
    w.removes[key] = struct{}{}
}

// Hold claims the next version slot for this transaction until it commits or
// aborts. While held, no other writer can commit at that version.
func (tx *Tx) Hold() (Version, error) {
    if tx.done { return NoVersion, ErrTxDone }
    if tx.readOnly { return NoVersion, ErrReadOnly }
    s := tx.s
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return NoVersion, ErrClosed }
    if tx.held != NoVersion { return tx.held, nil }
    next := s.version + 1
    if _, taken := s.held[next]; taken { return NoVersion, ErrConflict }
    s.held[next] = tx
    tx.held = next
    return next, nil
}

// SetReservedVersion records the version handed out by Store.NextVersion for
// use with CommitReserved.
func (tx *Tx) SetReservedVersion(v Version) { tx.reserved = v }

// Commit applies the transaction at the next version. Transactions without
// writes succeed at their read version without advancing the store.
func (tx *Tx) Commit() (Version, error) {
    if tx.done { return NoVersion, ErrTxDone }
    s := tx.s
    s.commitMu.Lock()
    defer s.commitMu.Unlock()
    s.mu.Lock()
    defer s.mu.Unlock()
    defer tx.finishLocked()

    if s.closed { return NoVersion, ErrClosed }
    if len(tx.writes) == 0 { return tx.readAt, nil }
    if tx.readOnly { return NoVersion, ErrReadOnly }
    v := s.version + 1
    if err := tx.checkSlotLocked(v); err != nil { return NoVersion, err }
    if err := tx.validateLocked(); err != nil { return NoVersion, err }
    if err := s.applyLocked(tx.writeSet(v, s.term), true); err != nil { return NoVersion, err }
    return v, nil
}

// CommitReserved commits at the version set by SetReservedVersion. It is only
// valid from inside the function passed to Store.Commit for that version.
func (tx *Tx) CommitReserved() error {
    if tx.done { return ErrTxDone }
    s := tx.s
    if tx.reserved == NoVersion || Version(s.pending.Load()) != tx.reserved { return ErrNotReserved }
    s.mu.Lock()
    defer s.mu.Unlock()
    defer tx.finishLocked()

    if s.closed { return ErrClosed }
    if tx.readOnly { return ErrReadOnly }
    if tx.reserved != s.version+1 { return ErrConflict }
    if err := tx.checkSlotLocked(tx.reserved); err != nil { return err }
    if err := tx.validateLocked(); err != nil { return err }
    return s.applyLocked(tx.writeSet(tx.reserved, s.term), true)
}

// Abort discards the transaction and releases any held slot.
func (tx *Tx) Abort() {
    if tx.done { return }
    tx.s.mu.Lock()
    defer tx.s.mu.Unlock()
    tx.finishLocked()
}

func (tx *Tx) finishLocked() {
    if tx.held != NoVersion {
        if tx.s.held[tx.held] == tx { delete(tx.s.held, tx.held) }
        tx.held = NoVersion
    }
    tx.done = true
}

func (tx *Tx) checkSlotLocked(v Version) error {
    if tx.held != NoVersion && tx.held != v { return ErrConflict }
    if h, ok := tx.s.held[v]; ok && h != tx { return ErrConflict }
    return nil
}

// validateLocked fails when anything the transaction read was overwritten
// after its read version. Once history before readAt is compacted, removed
// keys leave no trace to compare against, so any read conflicts.
func (tx *Tx) validateLocked() error {
    if tx.readAt < tx.s.compacted && tx.hasReads() { return ErrConflict }
    for m, keys := range tx.reads {
        for k := range keys {
            if m.lastWrite(k) > tx.readAt { return ErrConflict }
        }
    }
    return nil
}

func (tx *Tx) hasReads() bool {
    for _, keys := range tx.reads {
        if len(keys) > 0 { return true }
    }
    return false
}

func (tx *Tx) writeSet(v Version, term uint64) *WriteSet {
    ws := &WriteSet{Format: writeSetFormat, Version: v, Term: term}
    names := make([]string, 0, len(tx.writes))
    for n := range tx.writes { names = append(names, n) }
    sort.Strings(names)
    for _, n := range names {
        w := tx.writes[n]
        t := TableWrites{Name: n, Domain: w.m.domain}
        for k, val := range w.puts { t.Puts = append(t.Puts, KeyValue{Key: k, Value: val}) }
        sortKeyValues(t.Puts)
        for k := range w.removes { t.Removes = append(t.Removes, k) }
        sort.Strings(t.Removes)
        ws.Tables = append(ws.Tables, t)
    }
    return ws
}
