package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "bftstore",
        Name:      "is_leader",
        Help:      "1 if this replica currently orders batches, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "bftstore",
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this replica",
    }, []string{"result"})

    // Store metrics
    StoreVersion = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "bftstore",
        Subsystem: "store",
        Name:      "version",
        Help:      "Last committed store version",
    })
    StoreCompacted = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "bftstore",
        Subsystem: "store",
        Name:      "compacted_version",
        Help:      "Oldest store version still readable",
    })
    Deserialise = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "store",
        Name:      "deserialise_total",
        Help:      "Replicated write sets processed, by outcome",
    }, []string{"result"})

    // Commit bridge metrics
    CommitAttempts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "bridge",
        Name:      "commit_attempts_total",
        Help:      "Attempts to commit an agreed batch, including retries",
    })
    CommitConflicts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "bridge",
        Name:      "commit_conflicts_total",
        Help:      "Commit attempts that lost the version slot and were retried",
    })
    Committed = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "bridge",
        Name:      "committed_total",
        Help:      "Agreed batches durably committed",
    })
    CommittedSeqno = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "bftstore",
        Subsystem: "bridge",
        Name:      "committed_seqno",
        Help:      "Sequence number of the last committed batch",
    })
    OutOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "bridge",
        Name:      "out_of_order_total",
        Help:      "Batches rejected because their sequence number did not advance",
    })
    StoreUnavailable = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "bridge",
        Name:      "store_unavailable_total",
        Help:      "Bridge operations degraded because the store was gone",
    }, []string{"op"})

    // Peer envelope metrics
    PeerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "peer",
        Name:      "messages_total",
        Help:      "Envelopes received from peers, by message kind",
    }, []string{"kind"})
    PeerRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "peer",
        Name:      "rejected_total",
        Help:      "Malformed envelopes rejected, by reason",
    }, []string{"reason"})
    PeerIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "bftstore",
        Subsystem: "peer",
        Name:      "index",
        Help:      "Last index reported by each peer",
    }, []string{"node"})
    PeerSendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "peer",
        Name:      "send_errors_total",
        Help:      "Envelopes that could not be delivered, by message kind",
    }, []string{"kind"})

    // Peer connection cache metrics
    PeerConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "peer_conn",
        Name:      "dials_total",
        Help:      "Total peer connections dialed",
    })
    PeerConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "peer_conn",
        Name:      "reuse_total",
        Help:      "Dials discarded because a concurrent dial won",
    })
    PeerConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "bftstore",
        Subsystem: "peer_conn",
        Name:      "evictions_total",
        Help:      "Idle peer connections closed by the janitor",
    })
    PeerConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "bftstore",
        Subsystem: "peer_conn",
        Name:      "active",
        Help:      "Cached peer connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(JoinRequests)
        // store
        prometheus.MustRegister(StoreVersion)
        prometheus.MustRegister(StoreCompacted)
        prometheus.MustRegister(Deserialise)
        // bridge
        prometheus.MustRegister(CommitAttempts)
        prometheus.MustRegister(CommitConflicts)
        prometheus.MustRegister(Committed)
        prometheus.MustRegister(CommittedSeqno)
        prometheus.MustRegister(OutOfOrder)
        prometheus.MustRegister(StoreUnavailable)
        // peers
        prometheus.MustRegister(PeerMessages)
        prometheus.MustRegister(PeerRejected)
        prometheus.MustRegister(PeerIndex)
        prometheus.MustRegister(PeerSendErrors)
        prometheus.MustRegister(PeerConnDials)
        prometheus.MustRegister(PeerConnReuse)
        prometheus.MustRegister(PeerConnEvictions)
        prometheus.MustRegister(PeerConnActive)
    })
}
