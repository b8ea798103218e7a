package kv

import (
    "encoding/binary"
    "fmt"
    "sync"

    "go.etcd.io/bbolt"
)

// Ledger persists every committed write set by version, plus the most recent
// installed snapshot. Entries at or below the snapshot version are absent.
type Ledger interface {
    Append(v Version, data []byte) error
    Get(v Version) ([]byte, error)
    Range(from, to Version, fn func(Version, []byte) error) error
    // Last returns the highest appended version, or NoVersion when empty.
    Last() (Version, error)
    SaveSnapshot(v Version, data []byte) error
    // LoadSnapshot returns nil data when no snapshot was saved.
    LoadSnapshot() (Version, []byte, error)
    // InstallSnapshot replaces every entry and any earlier snapshot with
    // data at v in one step; a crash leaves either the old or the new state.
    InstallSnapshot(v Version, data []byte) error
    Reset() error
    Close() error
}

type memLedger struct {
    mu      sync.RWMutex
    entries map[Version][]byte
    last    Version
    snapV   Version
    snap    []byte
}

func NewMemLedger() Ledger {
    return &memLedger{entries: make(map[Version][]byte), last: NoVersion, snapV: NoVersion}
}

func (l *memLedger) Append(v Version, data []byte) error {
    l.mu.Lock(); defer l.mu.Unlock()
    l.entries[v] = append([]byte(nil), data...)
    if v > l.last { l.last = v }
    return nil
}

func (l *memLedger) Get(v Version) ([]byte, error) {
    l.mu.RLock(); defer l.mu.RUnlock()
    data, ok := l.entries[v]
    if !ok { return nil, fmt.Errorf("%w: version %d", ErrNotFound, v) }
    return data, nil
}

func (l *memLedger) Range(from, to Version, fn func(Version, []byte) error) error {
    l.mu.RLock()
    var out []Version
    for v := from; v <= to && v <= l.last; v++ {
        if _, ok := l.entries[v]; ok { out = append(out, v) }
    }
    l.mu.RUnlock()
    for _, v := range out {
        data, err := l.Get(v)
        if err != nil { return err }
        if err := fn(v, data); err != nil { return err }
    }
    return nil
}

func (l *memLedger) Last() (Version, error) {
    l.mu.RLock(); defer l.mu.RUnlock()
    return l.last, nil
}

func (l *memLedger) SaveSnapshot(v Version, data []byte) error {
    l.mu.Lock(); defer l.mu.Unlock()
    l.snapV, l.snap = v, append([]byte(nil), data...)
    for ev := range l.entries {
        if ev <= v { delete(l.entries, ev) }
    }
    if l.last < v { l.last = v }
    return nil
}

func (l *memLedger) LoadSnapshot() (Version, []byte, error) {
    l.mu.RLock(); defer l.mu.RUnlock()
    return l.snapV, l.snap, nil
}

func (l *memLedger) InstallSnapshot(v Version, data []byte) error {
    l.mu.Lock(); defer l.mu.Unlock()
    l.entries = make(map[Version][]byte)
    l.snapV, l.snap, l.last = v, append([]byte(nil), data...), v
    return nil
}

func (l *memLedger) Reset() error {
    l.mu.Lock(); defer l.mu.Unlock()
    l.entries = make(map[Version][]byte)
    l.last, l.snapV, l.snap = NoVersion, NoVersion, nil
    return nil
}

func (l *memLedger) Close() error { return nil }

var (
    ledgerBucket   = []byte("ledger")
    snapshotBucket = []byte("snapshot")

    snapVersionKey = []byte("version")
    snapDataKey    = []byte("data")
)

// BoltLedger stores the ledger in a bbolt database, one key per version.
type BoltLedger struct {
    db *bbolt.DB
}

func OpenBoltLedger(path string) (*BoltLedger, error) {
    db, err := bbolt.Open(path, 0o600, nil)
    if err != nil { return nil, fmt.Errorf("kv: open ledger: %w", err) }
    err = db.Update(func(tx *bbolt.Tx) error {
        if _, err := tx.CreateBucketIfNotExists(ledgerBucket); err != nil { return err }
        _, err := tx.CreateBucketIfNotExists(snapshotBucket)
        return err
    })
    if err != nil {
        _ = db.Close()
        return nil, fmt.Errorf("kv: init ledger buckets: %w", err)
    }
    return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Append(v Version, data []byte) error {
    return l.db.Update(func(tx *bbolt.Tx) error {
        return tx.Bucket(ledgerBucket).Put(versionKey(v), data)
    })
}

func (l *BoltLedger) Get(v Version) ([]byte, error) {
    var out []byte
    err := l.db.View(func(tx *bbolt.Tx) error {
        data := tx.Bucket(ledgerBucket).Get(versionKey(v))
        if data == nil { return fmt.Errorf("%w: version %d", ErrNotFound, v) }
        out = append([]byte(nil), data...)
        return nil
    })
    return out, err
}

func (l *BoltLedger) Range(from, to Version, fn func(Version, []byte) error) error {
    if from < 0 { from = 0 }
    return l.db.View(func(tx *bbolt.Tx) error {
        c := tx.Bucket(ledgerBucket).Cursor()
        for k, data := c.Seek(versionKey(from)); k != nil; k, data = c.Next() {
            v := keyVersion(k)
            if v > to { break }
            if err := fn(v, append([]byte(nil), data...)); err != nil { return err }
        }
        return nil
    })
}

func (l *BoltLedger) Last() (Version, error) {
    last := NoVersion
    err := l.db.View(func(tx *bbolt.Tx) error {
        if k, _ := tx.Bucket(ledgerBucket).Cursor().Last(); k != nil {
            last = keyVersion(k)
        }
        if data := tx.Bucket(snapshotBucket).Get(snapVersionKey); data != nil {
            if v := keyVersion(data); v > last { last = v }
        }
        return nil
    })
    return last, err
}

func (l *BoltLedger) SaveSnapshot(v Version, data []byte) error {
    return l.db.Update(func(tx *bbolt.Tx) error {
        b := tx.Bucket(ledgerBucket)
        var stale [][]byte
        c := b.Cursor()
        for k, _ := c.First(); k != nil && keyVersion(k) <= v; k, _ = c.Next() {
            stale = append(stale, append([]byte(nil), k...))
        }
        for _, k := range stale {
            if err := b.Delete(k); err != nil { return err }
        }
        sb := tx.Bucket(snapshotBucket)
        if err := sb.Put(snapVersionKey, versionKey(v)); err != nil { return err }
        return sb.Put(snapDataKey, data)
    })
}

func (l *BoltLedger) LoadSnapshot() (Version, []byte, error) {
    v := NoVersion
    var out []byte
    err := l.db.View(func(tx *bbolt.Tx) error {
        sb := tx.Bucket(snapshotBucket)
        vk, data := sb.Get(snapVersionKey), sb.Get(snapDataKey)
        if vk == nil || data == nil { return nil }
        v = keyVersion(vk)
        out = append([]byte(nil), data...)
        return nil
    })
    return v, out, err
}

func (l *BoltLedger) InstallSnapshot(v Version, data []byte) error {
    return l.db.Update(func(tx *bbolt.Tx) error {
        if err := resetBuckets(tx); err != nil { return err }
        sb := tx.Bucket(snapshotBucket)
        if err := sb.Put(snapVersionKey, versionKey(v)); err != nil { return err }
        return sb.Put(snapDataKey, data)
    })
}

func (l *BoltLedger) Reset() error { return l.db.Update(resetBuckets) }

func resetBuckets(tx *bbolt.Tx) error {
    for _, name := range [][]byte{ledgerBucket, snapshotBucket} {
        if err := tx.DeleteBucket(name); err != nil { return err }
        if _, err := tx.CreateBucket(name); err != nil { return err }
    }
    return nil
}

func (l *BoltLedger) Close() error { return l.db.Close() }

func versionKey(v Version) []byte {
    b := make([]byte, 8)
    binary.BigEndian.PutUint64(b, uint64(v))
    return b
}

func keyVersion(b []byte) Version { return Version(binary.BigEndian.Uint64(b)) }
