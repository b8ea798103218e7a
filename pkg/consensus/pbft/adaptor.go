package pbft

import (
    "errors"
    "fmt"
    "log"
    "math"
    "runtime"
    "time"

    "github.com/amirimatin/go-bftstore/pkg/internal/lifetime"
    "github.com/amirimatin/go-bftstore/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-bftstore/pkg/observability/metrics"
    "github.com/amirimatin/go-bftstore/pkg/state/kv"
)

// prePrepareKey is the single key agreed batches are stored under.
const prePrepareKey = "0"

const defaultMaxRetryBackoff = 50 * time.Millisecond

// Options configure an Adaptor. The zero value retries conflicts immediately.
type Options struct {
    Logger *log.Logger
    // RetryBackoff is the first delay between conflicting attempts. It
    // doubles per attempt up to MaxRetryBackoff. Zero retries at once,
    // yielding the processor in between.
    RetryBackoff    time.Duration
    MaxRetryBackoff time.Duration
}

// Adaptor implements Store on top of an Engine it does not own. Every
// operation first checks the engine is still alive and degrades to a
// sentinel result when it is not.
type Adaptor struct {
    engine lifetime.Weak[Engine]
    opts   Options
    log    *log.Logger
}

var _ Store = (*Adaptor)(nil)

func NewAdaptor(engine lifetime.Weak[Engine], opts Options) *Adaptor {
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.RetryBackoff > 0 && opts.MaxRetryBackoff <= 0 { opts.MaxRetryBackoff = defaultMaxRetryBackoff }
    if opts.MaxRetryBackoff < opts.RetryBackoff { opts.MaxRetryBackoff = opts.RetryBackoff }
    return &Adaptor{engine: engine, opts: opts, log: opts.Logger}
}

// CommitPrePrepare retries until pp is committed or the engine is gone. A
// lost version slot is not an error: the batch is retried at the next free
// version. Once the engine is gone it returns (kv.NoVersion, nil). A batch
// whose Seqno does not exceed the last committed one fails with
// ErrOutOfOrder and is not written.
func (a *Adaptor) CommitPrePrepare(pp PrePrepare, table *kv.Map) (kv.Version, error) {
    if table == nil { return kv.NoVersion, fmt.Errorf("pbft: nil pre-prepare table") }
    data, err := MarshalPrePrepare(pp)
    if err != nil { return kv.NoVersion, err }

    delay := a.opts.RetryBackoff
    for attempt := 1; ; attempt++ {
        e, unlock, ok := a.engine.Lock()
        if !ok {
            a.unavailable("commit")
            logutil.Warnf(a.log, "pbft: store gone, dropping commit of seqno %d", pp.Seqno)
            return kv.NoVersion, nil
        }
        obsmetrics.CommitAttempts.Inc()
        v := e.NextVersion()
        err := a.commitAt(e, v, pp, data, table)
        unlock()

        switch {
        case err == nil:
            obsmetrics.Committed.Inc()
            obsmetrics.CommittedSeqno.Set(float64(pp.Seqno))
            logutil.Debugf(a.log, "pbft: committed seqno %d view %d at version %d after %d attempt(s)", pp.Seqno, pp.View, v, attempt)
            return v, nil
        case errors.Is(err, kv.ErrConflict):
            obsmetrics.CommitConflicts.Inc()
            logutil.Debugf(a.log, "pbft: version %d taken, retrying seqno %d (attempt %d)", v, pp.Seqno, attempt)
        case errors.Is(err, kv.ErrClosed):
            a.unavailable("commit")
            logutil.Warnf(a.log, "pbft: store closed, dropping commit of seqno %d", pp.Seqno)
            return kv.NoVersion, nil
        case errors.Is(err, ErrOutOfOrder):
            obsmetrics.OutOfOrder.Inc()
            return kv.NoVersion, err
        default:
            return kv.NoVersion, fmt.Errorf("pbft: commit seqno %d at version %d: %w", pp.Seqno, v, err)
        }
        delay = a.pause(delay)
    }
}

func (a *Adaptor) commitAt(e Engine, v kv.Version, pp PrePrepare, data []byte, table *kv.Map) error {
    return e.Commit(v, func() error {
        tx := e.BeginTx()
        tx.SetReservedVersion(v)
        view := tx.View(table)
        prev, ok, err := view.Get(prePrepareKey)
        if err != nil {
            tx.Abort()
            return err
        }
        if ok {
            last, err := UnmarshalPrePrepare(prev)
            if err != nil {
                tx.Abort()
                return fmt.Errorf("pbft: stored pre-prepare: %w", err)
            }
            if pp.Seqno <= last.Seqno {
                tx.Abort()
                return fmt.Errorf("%w: seqno %d, last committed %d", ErrOutOfOrder, pp.Seqno, last.Seqno)
            }
        }
        view.Put(prePrepareKey, data)
        return tx.CommitReserved()
    })
}

func (a *Adaptor) pause(delay time.Duration) time.Duration {
    if delay <= 0 {
        runtime.Gosched()
        return 0
    }
    time.Sleep(delay)
    delay *= 2
    if delay > a.opts.MaxRetryBackoff { delay = a.opts.MaxRetryBackoff }
    return delay
}

func (a *Adaptor) unavailable(op string) {
    obsmetrics.StoreUnavailable.WithLabelValues(op).Inc()
}

// Compact is a no-op once the engine is gone.
func (a *Adaptor) Compact(upto Index) {
    e, unlock, ok := a.engine.Lock()
    if !ok {
        a.unavailable("compact")
        return
    }
    defer unlock()
    v := kv.Version(math.MaxInt64)
    if upto < math.MaxInt64 { v = kv.Version(upto) }
    if err := e.Compact(v); err != nil && !errors.Is(err, kv.ErrClosed) {
        logutil.Warnf(a.log, "pbft: compact to %d: %v", upto, err)
    }
}

// CurrentVersion returns kv.NoVersion once the engine is gone. Callers must
// read that as "storage unavailable", never as version zero.
func (a *Adaptor) CurrentVersion() kv.Version {
    e, unlock, ok := a.engine.Lock()
    if !ok {
        a.unavailable("current_version")
        return kv.NoVersion
    }
    defer unlock()
    return e.CurrentVersion()
}

func (a *Adaptor) DeserialiseViews(data []byte, publicOnly, commit bool, term *Term, tx *kv.Tx) kv.DeserialiseSuccess {
    e, unlock, ok := a.engine.Lock()
    if !ok {
        a.unavailable("deserialise")
        return kv.DeserialiseFailed
    }
    defer unlock()
    var t uint64
    var tp *uint64
    if term != nil { tp = &t }
    res := e.DeserialiseViews(data, publicOnly, commit, tp, tx)
    if term != nil && res != kv.DeserialiseFailed { *term = Term(t) }
    return res
}

// LastSeqno returns the sequence number of the most recently committed batch
// in table, or zero when none was committed yet.
func (a *Adaptor) LastSeqno(table *kv.Map) (Index, error) {
    e, unlock, ok := a.engine.Lock()
    if !ok { return 0, ErrUnavailable }
    defer unlock()
    pp, found, err := readPrePrepare(e.BeginTx(), table)
    if err != nil || !found { return 0, err }
    return pp.Seqno, nil
}

// PrePrepareAt returns the batch most recently committed at or before v.
func (a *Adaptor) PrePrepareAt(table *kv.Map, v kv.Version) (PrePrepare, error) {
    e, unlock, ok := a.engine.Lock()
    if !ok { return PrePrepare{}, ErrUnavailable }
    defer unlock()
    tx, err := e.BeginTxAt(v)
    if err != nil { return PrePrepare{}, err }
    pp, found, err := readPrePrepare(tx, table)
    if err != nil { return PrePrepare{}, err }
    if !found { return PrePrepare{}, fmt.Errorf("%w: no pre-prepare at version %d", kv.ErrNotFound, v) }
    return pp, nil
}

func (a *Adaptor) Snapshot() ([]byte, error) {
    e, unlock, ok := a.engine.Lock()
    if !ok { return nil, ErrUnavailable }
    defer unlock()
    return e.Snapshot()
}

func (a *Adaptor) Restore(data []byte) error {
    e, unlock, ok := a.engine.Lock()
    if !ok { return ErrUnavailable }
    defer unlock()
    return e.Restore(data)
}

func readPrePrepare(tx *kv.Tx, table *kv.Map) (PrePrepare, bool, error) {
    defer tx.Abort()
    data, ok, err := tx.View(table).Get(prePrepareKey)
    if err != nil || !ok { return PrePrepare{}, false, err }
    pp, err := UnmarshalPrePrepare(data)
    if err != nil { return PrePrepare{}, false, err }
    return pp, true, nil
}
