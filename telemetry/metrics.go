package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// RequestBuckets for a single request/response round trip to the coordinator
	RequestBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	// WaitBuckets for waits bounded by other transactions or an election
	WaitBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
)

// Cluster Metrics
var (
	// ClusterNodes tracks member count by role (server, client)
	ClusterNodes GaugeVec = noopGaugeVec{}

	// TopologyVersion tracks the current topology version
	TopologyVersion Gauge = NoopStat{}

	// GossipEventsTotal counts memberlist events by type (join, leave, update)
	GossipEventsTotal CounterVec = noopCounterVec{}

	// CoordinatorElectionsTotal counts coordinator changes observed locally
	CoordinatorElectionsTotal Counter = NoopStat{}

	// IsCoordinator is 1 while this node is the version coordinator
	IsCoordinator Gauge = NoopStat{}

	// CoordinatorVersion tracks the version of the current coordinator
	CoordinatorVersion Gauge = NoopStat{}
)

// Ledger Metrics
var (
	// CountersAssignedTotal counts assigned counters by type (tx, query)
	CountersAssignedTotal CounterVec = noopCounterVec{}

	// QueryAssignRetriesTotal counts optimistic retries in query counter assignment
	QueryAssignRetriesTotal Counter = NoopStat{}

	// TxCompletedTotal counts completed transaction counters
	TxCompletedTotal Counter = NoopStat{}

	// QueryReleasedTotal counts released query pins
	QueryReleasedTotal Counter = NoopStat{}

	// LedgerCounter tracks the last assigned counter
	LedgerCounter Gauge = NoopStat{}

	// CommittedWatermark tracks the committed watermark
	CommittedWatermark Gauge = NoopStat{}

	// CleanupWatermark tracks the last computed cleanup watermark
	CleanupWatermark Gauge = NoopStat{}

	// LedgerActiveTxs tracks the active transaction set size
	LedgerActiveTxs Gauge = NoopStat{}

	// LedgerQueryPins tracks distinct pinned query counters
	LedgerQueryPins Gauge = NoopStat{}

	// LedgerPendingWaits tracks outstanding wait-for-transaction slots
	LedgerPendingWaits Gauge = NoopStat{}
)

// Protocol Metrics
var (
	// MessagesTotal counts messages by kind and direction (sent, received)
	MessagesTotal CounterVec = noopCounterVec{}

	// DuplicateMessagesTotal counts redelivered envelopes dropped by the dispatcher
	DuplicateMessagesTotal Counter = NoopStat{}

	// DecodeErrorsTotal counts frames that failed to decode
	DecodeErrorsTotal Counter = NoopStat{}

	// SendFailuresTotal counts send failures by kind and reason (node_left, error)
	SendFailuresTotal CounterVec = noopCounterVec{}

	// InitGateWaitSeconds measures how long requests waited for coordinator init
	InitGateWaitSeconds Histogram = NoopStat{}

	// ParkedRequests tracks requests waiting for coordinator init
	ParkedRequests Gauge = NoopStat{}

	// ParkedDroppedTotal counts parked requests dropped by reason (timeout, overflow, node_left)
	ParkedDroppedTotal CounterVec = noopCounterVec{}
)

// Future Metrics
var (
	// FuturesTotal counts resolved futures by kind and outcome
	FuturesTotal CounterVec = noopCounterVec{}

	// FutureLatencySeconds measures time from registration to resolution by kind
	FutureLatencySeconds HistogramVec = noopHistogramVec{}

	// PendingFutures tracks registered futures by kind
	PendingFutures GaugeVec = noopGaugeVec{}
)

// Handoff and Tracker Metrics
var (
	// HandoffDurationSeconds measures time from election to previous queries done
	HandoffDurationSeconds Histogram = NoopStat{}

	// HandoffOutstandingQueries tracks previous-epoch queries still open
	HandoffOutstandingQueries Gauge = NoopStat{}

	// HandoffWaitNodes tracks peers that have not reported yet
	HandoffWaitNodes Gauge = NoopStat{}

	// TrackerRequestsTotal counts query tracker acquisitions by result
	TrackerRequestsTotal CounterVec = noopCounterVec{}

	// TrackerRemapsTotal counts tracker remaps after coordinator changes
	TrackerRemapsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Cluster Metrics
	ClusterNodes = NewGaugeVec(
		"cluster_nodes",
		"Number of cluster members by role",
		[]string{"role"},
	)
	TopologyVersion = NewGauge(
		"topology_version",
		"Current topology version",
	)
	GossipEventsTotal = NewCounterVec(
		"gossip_events_total",
		"Memberlist events by type",
		[]string{"type"},
	)
	CoordinatorElectionsTotal = NewCounter(
		"elections_total",
		"Coordinator changes observed by this node",
	)
	IsCoordinator = NewGauge(
		"is_coordinator",
		"1 while this node is the version coordinator",
	)
	CoordinatorVersion = NewGauge(
		"coordinator_version",
		"Version of the current coordinator",
	)

	// Ledger Metrics
	CountersAssignedTotal = NewCounterVec(
		"counters_assigned_total",
		"Assigned counters by type",
		[]string{"type"},
	)
	QueryAssignRetriesTotal = NewCounter(
		"query_assign_retries_total",
		"Optimistic retries during query counter assignment",
	)
	TxCompletedTotal = NewCounter(
		"tx_completed_total",
		"Completed transaction counters",
	)
	QueryReleasedTotal = NewCounter(
		"query_released_total",
		"Released query pins",
	)
	LedgerCounter = NewGauge(
		"ledger_counter",
		"Last assigned counter",
	)
	CommittedWatermark = NewGauge(
		"committed_watermark",
		"Highest completed transaction counter",
	)
	CleanupWatermark = NewGauge(
		"cleanup_watermark",
		"Counter below which row versions may be reclaimed",
	)
	LedgerActiveTxs = NewGauge(
		"ledger_active_txs",
		"Active transaction counters",
	)
	LedgerQueryPins = NewGauge(
		"ledger_query_pins",
		"Distinct pinned query counters",
	)
	LedgerPendingWaits = NewGauge(
		"ledger_pending_waits",
		"Outstanding wait-for-transaction slots",
	)

	// Protocol Metrics
	MessagesTotal = NewCounterVec(
		"messages_total",
		"Coordination messages by kind and direction",
		[]string{"kind", "direction"},
	)
	DuplicateMessagesTotal = NewCounter(
		"duplicate_messages_total",
		"Redelivered envelopes dropped",
	)
	DecodeErrorsTotal = NewCounter(
		"decode_errors_total",
		"Frames that failed to decode",
	)
	SendFailuresTotal = NewCounterVec(
		"send_failures_total",
		"Send failures by kind and reason",
		[]string{"kind", "reason"},
	)
	InitGateWaitSeconds = NewHistogram(
		"init_gate_wait_seconds",
		"Time requests waited for coordinator initialization",
		WaitBuckets,
	)
	ParkedRequests = NewGauge(
		"parked_requests",
		"Requests waiting for coordinator initialization",
	)
	ParkedDroppedTotal = NewCounterVec(
		"parked_dropped_total",
		"Parked requests dropped by reason",
		[]string{"reason"},
	)

	// Future Metrics
	FuturesTotal = NewCounterVec(
		"futures_total",
		"Resolved futures by kind and outcome",
		[]string{"kind", "outcome"},
	)
	FutureLatencySeconds = NewHistogramVec(
		"future_latency_seconds",
		"Future registration to resolution latency",
		[]string{"kind"},
		RequestBuckets,
	)
	PendingFutures = NewGaugeVec(
		"pending_futures",
		"Registered futures by kind",
		[]string{"kind"},
	)

	// Handoff and Tracker Metrics
	HandoffDurationSeconds = NewHistogram(
		"handoff_duration_seconds",
		"Election to previous queries done",
		WaitBuckets,
	)
	HandoffOutstandingQueries = NewGauge(
		"handoff_outstanding_queries",
		"Previous-epoch queries still open",
	)
	HandoffWaitNodes = NewGauge(
		"handoff_wait_nodes",
		"Peers that have not reported previous-epoch queries",
	)
	TrackerRequestsTotal = NewCounterVec(
		"tracker_requests_total",
		"Query tracker acquisitions by result",
		[]string{"result"},
	)
	TrackerRemapsTotal = NewCounter(
		"tracker_remaps_total",
		"Query tracker remaps after a coordinator change",
	)
}

// UpdateLedgerStats publishes a ledger snapshot.
func UpdateLedgerStats(s Stats) {
	LedgerCounter.Set(float64(s.Counter))
	CommittedWatermark.Set(float64(s.Committed))
	CleanupWatermark.Set(float64(s.Cleanup))
	LedgerActiveTxs.Set(float64(s.ActiveTxs))
	LedgerQueryPins.Set(float64(s.QueryPins))
	LedgerPendingWaits.Set(float64(s.PendingWaits))
}
