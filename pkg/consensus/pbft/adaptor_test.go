package pbft

import (
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/internal/lifetime"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

type fixture struct {
    store *kv.Store
    owner *lifetime.Owner[Engine]
    a     *Adaptor
    table *kv.Map
}

func newFixture(t *testing.T, opts Options) *fixture {
    t.Helper()
    s := kv.New()
    t.Cleanup(func() { _ = s.Close() })
    table, err := s.Map(PrePreparesTable, kv.DomainPublic)
    if err != nil { t.Fatalf("map: %v", err) }
    owner := lifetime.New[Engine](s)
    return &fixture{store: s, owner: owner, a: NewAdaptor(owner.Weak(), opts), table: table}
}

func batch(t *testing.T, seqno Index, payload string) PrePrepare {
    t.Helper()
    pp, err := NewPrePrepare(1, seqno, []Request{{Caller: 7, ID: RequestID(seqno), Payload: []byte(payload)}})
    if err != nil { t.Fatalf("new pre-prepare: %v", err) }
    return pp
}

// committedSeqnos walks the ledger and returns, per version, the sequence
// number written to the pre-prepare table at that version.
func committedSeqnos(t *testing.T, s *kv.Store) map[kv.Version]Index {
    t.Helper()
    out := map[kv.Version]Index{}
    err := s.LedgerRange(1, s.CurrentVersion(), func(v kv.Version, data []byte) error {
        ws, err := kv.DecodeWriteSet(data)
        if err != nil { return err }
        for _, tw := range ws.Tables {
            if tw.Name != PrePreparesTable { continue }
            for _, p := range tw.Puts {
                pp, err := UnmarshalPrePrepare(p.Value)
                if err != nil { return err }
                out[v] = pp.Seqno
            }
        }
        return nil
    })
    if err != nil { t.Fatalf("ledger range: %v", err) }
    return out
}

func TestCommitPrePrepare_HeldSlotRetriesAtSameVersion(t *testing.T) {
    f := newFixture(t, Options{})

    v, err := f.a.CommitPrePrepare(batch(t, 1, "a"), f.table)
    if err != nil || v != 1 { t.Fatalf("first commit: v=%d err=%v", v, err) }
    if cv := f.a.CurrentVersion(); cv != 1 { t.Fatalf("current version: %d", cv) }
    got, err := f.a.PrePrepareAt(f.table, 1)
    if err != nil || got.Seqno != 1 { t.Fatalf("pre-prepare at 1: %+v err=%v", got, err) }

    local := f.store.BeginTx()
    slot, err := local.Hold()
    if err != nil || slot != 2 { t.Fatalf("hold: slot=%d err=%v", slot, err) }

    done := make(chan kv.Version, 1)
    go func() {
        v, err := f.a.CommitPrePrepare(batch(t, 2, "b"), f.table)
        if err != nil { t.Errorf("second commit: %v", err) }
        done <- v
    }()

    select {
    case v := <-done:
        t.Fatalf("commit finished at %d while slot was held", v)
    case <-time.After(50 * time.Millisecond):
    }
    local.Abort()

    select {
    case v := <-done:
        if v != 2 { t.Fatalf("expected version 2, got %d", v) }
    case <-time.After(5 * time.Second):
        t.Fatal("commit did not complete after slot release")
    }
    pp, err := f.a.PrePrepareAt(f.table, 2)
    if err != nil { t.Fatalf("pre-prepare at 2: %v", err) }
    if pp.Seqno != 2 || string(pp.Requests[0].Payload) != "b" { t.Fatalf("unexpected record: %+v", pp) }
    if err := pp.Verify(); err != nil { t.Fatalf("verify: %v", err) }
    if cv := f.a.CurrentVersion(); cv != 2 { t.Fatalf("current version: %d", cv) }
}

func TestCommitPrePrepare_LocalCommitWinsSlot(t *testing.T) {
    f := newFixture(t, Options{RetryBackoff: time.Millisecond})
    app, err := f.store.Map("app", kv.DomainPrivate)
    if err != nil { t.Fatal(err) }

    local := f.store.BeginTx()
    if _, err := local.Hold(); err != nil { t.Fatal(err) }
    local.View(app).Put("k", []byte("v"))

    done := make(chan kv.Version, 1)
    go func() {
        v, err := f.a.CommitPrePrepare(batch(t, 1, "a"), f.table)
        if err != nil { t.Errorf("commit: %v", err) }
        done <- v
    }()
    time.Sleep(20 * time.Millisecond)
    lv, err := local.Commit()
    if err != nil || lv != 1 { t.Fatalf("local commit: v=%d err=%v", lv, err) }

    select {
    case v := <-done:
        if v != 2 { t.Fatalf("expected batch at version 2, got %d", v) }
    case <-time.After(5 * time.Second):
        t.Fatal("commit did not complete")
    }
    seqnos := committedSeqnos(t, f.store)
    if len(seqnos) != 1 || seqnos[2] != 1 { t.Fatalf("unexpected ledger: %v", seqnos) }
}

func TestCommitPrePrepare_ExactlyOnceUnderContention(t *testing.T) {
    f := newFixture(t, Options{})
    app, err := f.store.Map("app", kv.DomainPublic)
    if err != nil { t.Fatal(err) }

    stop := make(chan struct{})
    var wg sync.WaitGroup
    for w := 0; w < 4; w++ {
        wg.Add(1)
        go func(w int) {
            defer wg.Done()
            for i := 0; ; i++ {
                select {
                case <-stop:
                    return
                default:
                }
                tx := f.store.BeginTx()
                if _, err := tx.Hold(); err != nil {
                    tx.Abort()
                    continue
                }
                tx.View(app).Put(fmt.Sprintf("w%d", w), []byte(fmt.Sprint(i)))
                _, _ = tx.Commit()
                time.Sleep(time.Microsecond)
            }
        }(w)
    }

    const n = 50
    var last kv.Version
    for i := Index(1); i <= n; i++ {
        v, err := f.a.CommitPrePrepare(batch(t, i, "x"), f.table)
        if err != nil { t.Fatalf("seqno %d: %v", i, err) }
        if v <= last { t.Fatalf("seqno %d landed at %d, not after %d", i, v, last) }
        last = v
    }
    close(stop)
    wg.Wait()

    seqnos := committedSeqnos(t, f.store)
    if len(seqnos) != n { t.Fatalf("expected %d batches in ledger, got %d", n, len(seqnos)) }
    seen := map[Index]bool{}
    for _, s := range seqnos {
        if seen[s] { t.Fatalf("seqno %d committed twice", s) }
        seen[s] = true
    }
    for i := Index(1); i <= n; i++ {
        if !seen[i] { t.Fatalf("seqno %d missing", i) }
    }
    if got, err := f.a.LastSeqno(f.table); err != nil || got != n { t.Fatalf("last seqno: %d err=%v", got, err) }
}

func TestCommitPrePrepare_ReleaseWhileSpinning(t *testing.T) {
    f := newFixture(t, Options{})
    local := f.store.BeginTx()
    if _, err := local.Hold(); err != nil { t.Fatal(err) }
    defer local.Abort()

    type result struct {
        v   kv.Version
        err error
    }
    done := make(chan result, 1)
    go func() {
        v, err := f.a.CommitPrePrepare(batch(t, 1, "a"), f.table)
        done <- result{v, err}
    }()
    time.Sleep(20 * time.Millisecond)
    f.owner.Release()

    select {
    case r := <-done:
        if r.err != nil || r.v != kv.NoVersion { t.Fatalf("expected (NoVersion, nil), got (%d, %v)", r.v, r.err) }
    case <-time.After(5 * time.Second):
        t.Fatal("commit kept spinning after release")
    }
    if v := f.store.CurrentVersion(); v != 0 { t.Fatalf("store advanced to %d", v) }
}

func TestAdaptor_EngineGone(t *testing.T) {
    f := newFixture(t, Options{})
    f.owner.Release()
    f.owner.Release()

    if v, err := f.a.CommitPrePrepare(batch(t, 1, "a"), f.table); err != nil || v != kv.NoVersion {
        t.Fatalf("commit: v=%d err=%v", v, err)
    }
    if v := f.a.CurrentVersion(); v != kv.NoVersion { t.Fatalf("current version sentinel: %d", v) }
    f.a.Compact(10)
    var term Term = 9
    if res := f.a.DeserialiseViews([]byte{1}, false, true, &term, nil); res != kv.DeserialiseFailed {
        t.Fatalf("deserialise: %v", res)
    }
    if term != 9 { t.Fatalf("term touched: %d", term) }
    if _, err := f.a.LastSeqno(f.table); !errors.Is(err, ErrUnavailable) { t.Fatalf("last seqno: %v", err) }
    if _, err := f.a.Snapshot(); !errors.Is(err, ErrUnavailable) { t.Fatalf("snapshot: %v", err) }
    if v := f.store.CurrentVersion(); v != 0 { t.Fatalf("store mutated: %d", v) }
}

func TestAdaptor_ClosedStoreDegrades(t *testing.T) {
    f := newFixture(t, Options{})
    if err := f.store.Close(); err != nil { t.Fatal(err) }
    if v, err := f.a.CommitPrePrepare(batch(t, 1, "a"), f.table); err != nil || v != kv.NoVersion {
        t.Fatalf("commit: v=%d err=%v", v, err)
    }
    if v := f.a.CurrentVersion(); v != kv.NoVersion { t.Fatalf("current version: %d", v) }
}

func TestCommitPrePrepare_OutOfOrder(t *testing.T) {
    f := newFixture(t, Options{})
    if _, err := f.a.CommitPrePrepare(batch(t, 5, "a"), f.table); err != nil { t.Fatal(err) }
    for _, s := range []Index{5, 3} {
        v, err := f.a.CommitPrePrepare(batch(t, s, "b"), f.table)
        if !errors.Is(err, ErrOutOfOrder) { t.Fatalf("seqno %d: expected ErrOutOfOrder, got %v", s, err) }
        if v != kv.NoVersion { t.Fatalf("seqno %d: version %d", s, v) }
    }
    if v := f.a.CurrentVersion(); v != 1 { t.Fatalf("store advanced to %d", v) }
    if v, err := f.a.CommitPrePrepare(batch(t, 6, "c"), f.table); err != nil || v != 2 {
        t.Fatalf("seqno 6: v=%d err=%v", v, err)
    }
}

func TestAdaptor_ForwardsCompactAndDeserialise(t *testing.T) {
    f := newFixture(t, Options{})
    for i := Index(1); i <= 4; i++ {
        if _, err := f.a.CommitPrePrepare(batch(t, i, "x"), f.table); err != nil { t.Fatal(err) }
    }
    f.a.Compact(3)
    f.a.Compact(3)
    if _, err := f.a.PrePrepareAt(f.table, 2); !errors.Is(err, kv.ErrCompacted) { t.Fatalf("expected ErrCompacted, got %v", err) }
    pp, err := f.a.PrePrepareAt(f.table, 3)
    if err != nil || pp.Seqno != 3 { t.Fatalf("pre-prepare at 3: %+v err=%v", pp, err) }

    data, err := f.store.LedgerEntry(4)
    if err != nil { t.Fatal(err) }
    follower := newFixture(t, Options{})
    snap, err := f.a.Snapshot()
    if err != nil { t.Fatal(err) }
    if err := follower.a.Restore(snap); err != nil { t.Fatal(err) }
    var term Term
    if res := follower.a.DeserialiseViews(data, false, true, &term, nil); res != kv.DeserialiseFailed {
        t.Fatalf("stale write set accepted: %v", res)
    }

    fresh := newFixture(t, Options{})
    for v := kv.Version(1); v <= 4; v++ {
        entry, err := f.store.LedgerEntry(v)
        if err != nil { t.Fatalf("ledger entry %d: %v", v, err) }
        if res := fresh.a.DeserialiseViews(entry, true, true, &term, nil); res != kv.DeserialisePassPrePrepare {
            t.Fatalf("replay %d: %v", v, res)
        }
    }
    if got, err := fresh.a.LastSeqno(fresh.table); err != nil || got != 4 { t.Fatalf("replayed seqno %d err=%v", got, err) }
}
