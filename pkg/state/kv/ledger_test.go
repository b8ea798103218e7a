package kv

import (
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func ledgers(t *testing.T) map[string]Ledger {
    t.Helper()
    bl, err := OpenBoltLedger(filepath.Join(t.TempDir(), "ledger.db"))
    require.NoError(t, err)
    t.Cleanup(func() { _ = bl.Close() })
    return map[string]Ledger{"mem": NewMemLedger(), "bolt": bl}
}

func TestLedger_AppendRangeSnapshot(t *testing.T) {
    for name, l := range ledgers(t) {
        t.Run(name, func(t *testing.T) {
            last, err := l.Last()
            require.NoError(t, err)
            assert.Equal(t, NoVersion, last)

            for v := Version(1); v <= 5; v++ {
                require.NoError(t, l.Append(v, []byte{byte(v)}))
            }
            var seen []Version
            require.NoError(t, l.Range(2, 4, func(v Version, data []byte) error {
                assert.Equal(t, []byte{byte(v)}, data)
                seen = append(seen, v)
                return nil
            }))
            assert.Equal(t, []Version{2, 3, 4}, seen)

            require.NoError(t, l.SaveSnapshot(3, []byte("snap")))
            _, err = l.Get(2)
            assert.ErrorIs(t, err, ErrNotFound)
            data, err := l.Get(4)
            require.NoError(t, err)
            assert.Equal(t, []byte{4}, data)

            sv, snap, err := l.LoadSnapshot()
            require.NoError(t, err)
            assert.Equal(t, Version(3), sv)
            assert.Equal(t, []byte("snap"), snap)

            last, err = l.Last()
            require.NoError(t, err)
            assert.Equal(t, Version(5), last)

            require.NoError(t, l.Reset())
            last, err = l.Last()
            require.NoError(t, err)
            assert.Equal(t, NoVersion, last)
            _, snap, err = l.LoadSnapshot()
            require.NoError(t, err)
            assert.Nil(t, snap)
        })
    }
}

func TestLedger_InstallSnapshotReplacesEverything(t *testing.T) {
    for name, l := range ledgers(t) {
        t.Run(name, func(t *testing.T) {
            require.NoError(t, l.SaveSnapshot(1, []byte("old")))
            for v := Version(2); v <= 6; v++ {
                require.NoError(t, l.Append(v, []byte{byte(v)}))
            }
            require.NoError(t, l.InstallSnapshot(4, []byte("new")))

            sv, snap, err := l.LoadSnapshot()
            require.NoError(t, err)
            assert.Equal(t, Version(4), sv)
            assert.Equal(t, []byte("new"), snap)
            last, err := l.Last()
            require.NoError(t, err)
            assert.Equal(t, Version(4), last)
            for _, v := range []Version{2, 5, 6} {
                _, err := l.Get(v)
                assert.ErrorIs(t, err, ErrNotFound, "version %d", v)
            }
            require.NoError(t, l.Append(5, []byte{5}))
            last, err = l.Last()
            require.NoError(t, err)
            assert.Equal(t, Version(5), last)
        })
    }
}

// A durable store that installs an older snapshot reopens at exactly that
// snapshot, never at an empty state.
func TestStore_RestoreIsDurableAcrossReopen(t *testing.T) {
    src := New()
    defer src.Close()
    sm := mustMap(t, src, "app", DomainPublic)
    put(t, src, sm, "a", "snap-a")
    put(t, src, sm, "b", "snap-b")
    snap, err := src.Snapshot()
    require.NoError(t, err)

    dir := t.TempDir()
    s, err := Open(Options{DataDir: dir})
    require.NoError(t, err)
    m := mustMap(t, s, "app", DomainPublic)
    for _, v := range []string{"1", "2", "3", "4"} { put(t, s, m, "a", v) }
    require.NoError(t, s.Restore(snap))
    require.NoError(t, s.Close())

    r, err := Open(Options{DataDir: dir})
    require.NoError(t, err)
    defer r.Close()
    assert.Equal(t, Version(2), r.CurrentVersion())
    rm := mustMap(t, r, "app", DomainPublic)
    val, ok, err := r.BeginTx().View(rm).Get("a")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "snap-a", string(val))
    _, err = r.LedgerEntry(3)
    assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ReopenRecoversFromBolt(t *testing.T) {
    dir := t.TempDir()
    s, err := Open(Options{DataDir: dir})
    require.NoError(t, err)
    m := mustMap(t, s, "app", DomainPublic)
    s.SetTerm(4)
    put(t, s, m, "a", "1")
    put(t, s, m, "b", "2")
    snap, err := s.Snapshot()
    require.NoError(t, err)
    require.NoError(t, s.Restore(snap))
    m = mustMap(t, s, "app", DomainPublic)
    put(t, s, m, "a", "3")
    require.NoError(t, s.Close())

    r, err := Open(Options{DataDir: dir})
    require.NoError(t, err)
    defer r.Close()
    assert.Equal(t, Version(3), r.CurrentVersion())
    assert.Equal(t, uint64(4), r.Term())
    rm := mustMap(t, r, "app", DomainPublic)
    tx := r.BeginTx()
    for key, want := range map[string]string{"a": "3", "b": "2"} {
        val, ok, err := tx.View(rm).Get(key)
        require.NoError(t, err)
        require.True(t, ok, key)
        assert.Equal(t, want, string(val))
    }
}
