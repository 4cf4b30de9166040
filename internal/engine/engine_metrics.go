package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the aggregation engine.
type Metrics struct {
	FragmentsTotal    *prometheus.CounterVec
	ProcessDuration   *prometheus.HistogramVec
	CandidatesFound   prometheus.Histogram
	MergeScore        prometheus.Histogram
	LockWait          prometheus.Histogram
	LockTimeouts      prometheus.Counter
	VersionConflicts  prometheus.Counter
	QueueDepth        prometheus.Gauge
	DeadLetters       prometheus.Counter
	SweepTransitions  *prometheus.CounterVec
	SummaryApplies    *prometheus.CounterVec
	OpenIncidents     prometheus.Gauge
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flashpoint_fragments_total",
			Help: "Processed fragments by outcome.",
		}, []string{"outcome"}),
		ProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flashpoint_fragment_process_duration_seconds",
			Help:    "End-to-end fragment processing duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}, []string{"outcome"}),
		CandidatesFound: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashpoint_candidates_per_fragment",
			Help:    "Merge candidates surviving the hard filters.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}),
		MergeScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashpoint_merge_similarity",
			Help:    "Cosine similarity of accepted merges.",
			Buckets: prometheus.LinearBuckets(0.5, 0.05, 11), // 0.50 .. 1.00
		}),
		LockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flashpoint_bucket_lock_wait_seconds",
			Help:    "Time spent waiting for a bucket lock.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flashpoint_bucket_lock_timeouts_total",
			Help: "Bucket lock acquisitions that timed out.",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flashpoint_version_conflicts_total",
			Help: "Optimistic-concurrency conflicts, all writers.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashpoint_fragment_queue_depth",
			Help: "Fragments waiting in the worker queue.",
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flashpoint_dead_letters_total",
			Help: "Fragments routed to the dead-letter sink after retry exhaustion.",
		}),
		SweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flashpoint_sweep_transitions_total",
			Help: "Lifecycle transitions applied by the sweeper.",
		}, []string{"transition"}),
		SummaryApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flashpoint_summary_applies_total",
			Help: "Summarization write-backs by result.",
		}, []string{"result"}),
		OpenIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flashpoint_open_incidents",
			Help: "Incidents currently in the open state.",
		}),
	}

	reg.MustRegister(
		m.FragmentsTotal,
		m.ProcessDuration,
		m.CandidatesFound,
		m.MergeScore,
		m.LockWait,
		m.LockTimeouts,
		m.VersionConflicts,
		m.QueueDepth,
		m.DeadLetters,
		m.SweepTransitions,
		m.SummaryApplies,
		m.OpenIncidents,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnProcessed: func(outcome string, duration float64, candidates int, score float64) {
			m.FragmentsTotal.WithLabelValues(outcome).Inc()
			m.ProcessDuration.WithLabelValues(outcome).Observe(duration)
			if candidates >= 0 {
				m.CandidatesFound.Observe(float64(candidates))
			}
			if outcome == OutcomeMerged {
				m.MergeScore.Observe(score)
			}
		},
		OnLockWait: func(duration float64, timedOut bool) {
			m.LockWait.Observe(duration)
			if timedOut {
				m.LockTimeouts.Inc()
			}
		},
		OnConflict: func() { m.VersionConflicts.Inc() },
		OnQueueDepth: func(depth int) {
			m.QueueDepth.Set(float64(depth))
		},
		OnDeadLetter: func() { m.DeadLetters.Inc() },
		OnSweep: func(transition string) {
			m.SweepTransitions.WithLabelValues(transition).Inc()
		},
		OnSummaryApply: func(result string) {
			m.SummaryApplies.WithLabelValues(result).Inc()
		},
		OnOpenIncidents: func(count int) {
			m.OpenIncidents.Set(float64(count))
		},
	}
}

// EngineHooks receives engine events. The zero value is inert; every
// callback is optional.
type EngineHooks struct {
	OnProcessed     func(outcome string, duration float64, candidates int, score float64)
	OnLockWait      func(duration float64, timedOut bool)
	OnConflict      func()
	OnQueueDepth    func(depth int)
	OnDeadLetter    func()
	OnSweep         func(transition string)
	OnSummaryApply  func(result string)
	OnOpenIncidents func(count int)
}

func (h EngineHooks) processed(outcome string, duration float64, candidates int, score float64) {
	if h.OnProcessed != nil {
		h.OnProcessed(outcome, duration, candidates, score)
	}
}

func (h EngineHooks) lockWait(duration float64, timedOut bool) {
	if h.OnLockWait != nil {
		h.OnLockWait(duration, timedOut)
	}
}

func (h EngineHooks) conflict() {
	if h.OnConflict != nil {
		h.OnConflict()
	}
}

func (h EngineHooks) queueDepth(depth int) {
	if h.OnQueueDepth != nil {
		h.OnQueueDepth(depth)
	}
}

func (h EngineHooks) deadLetter() {
	if h.OnDeadLetter != nil {
		h.OnDeadLetter()
	}
}

func (h EngineHooks) sweep(transition string) {
	if h.OnSweep != nil {
		h.OnSweep(transition)
	}
}

func (h EngineHooks) summaryApply(result string) {
	if h.OnSummaryApply != nil {
		h.OnSummaryApply(result)
	}
}

func (h EngineHooks) openIncidents(count int) {
	if h.OnOpenIncidents != nil {
		h.OnOpenIncidents(count)
	}
}
