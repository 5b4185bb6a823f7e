package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	SyncSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "sessions_active",
		Help:      "Current number of in-flight sync sessions",
	})

	SyncPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "peers_known",
		Help:      "Current number of peers in the syncable set",
	})

	SyncStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "stalls_total",
		Help:      "Total sync sessions abandoned after the stall timeout",
	})

	SyncSessionMismatch = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "session_mismatch_total",
		Help:      "Total sync responses dropped for carrying a stale session id",
	})

	HellosSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "hellos_sent_total",
		Help:      "Total hello announcements broadcast",
	})

	HellosReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "hellos_received_total",
		Help:      "Total hello announcements received",
	})

	CommandsSynced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "sync",
		Name:      "commands_total",
		Help:      "Total commands exchanged during sync",
	}, []string{"direction"})

	FramesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "net",
		Name:      "frames_sent_total",
		Help:      "Total radio frames transmitted",
	})

	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "net",
		Name:      "frames_received_total",
		Help:      "Total radio frames received, valid or not",
	})

	FramesDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "net",
		Name:      "frames_discarded_total",
		Help:      "Total received frames dropped during validation",
	}, []string{"reason"})

	SendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "net",
		Name:      "send_retries_total",
		Help:      "Total radio send retries after link errors",
	})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "net",
		Name:      "messages_dropped_total",
		Help:      "Total assembled messages dropped at full queues",
	}, []string{"queue"})

	SegmentsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "storage",
		Name:      "segments_written_total",
		Help:      "Total segments appended to storage",
	})

	HeadCommits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "storage",
		Name:      "head_commits_total",
		Help:      "Total durable head advances",
	})

	StoredBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "embermesh",
		Subsystem: "storage",
		Name:      "stored_bytes",
		Help:      "Bytes of segment data on the medium",
	})

	ActionsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "client",
		Name:      "actions_total",
		Help:      "Total locally originated actions committed",
	})

	EffectsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "embermesh",
		Subsystem: "client",
		Name:      "effects_total",
		Help:      "Total effects flushed to the sink",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(SyncSessions)
		prometheus.MustRegister(SyncPeers)
		prometheus.MustRegister(SyncStalls)
		prometheus.MustRegister(SyncSessionMismatch)
		prometheus.MustRegister(HellosSent)
		prometheus.MustRegister(HellosReceived)
		prometheus.MustRegister(CommandsSynced)
		prometheus.MustRegister(FramesSent)
		prometheus.MustRegister(FramesReceived)
		prometheus.MustRegister(FramesDiscarded)
		prometheus.MustRegister(SendRetries)
		prometheus.MustRegister(MessagesDropped)
		prometheus.MustRegister(SegmentsWritten)
		prometheus.MustRegister(HeadCommits)
		prometheus.MustRegister(StoredBytes)
		prometheus.MustRegister(ActionsApplied)
		prometheus.MustRegister(EffectsEmitted)
	})
}
