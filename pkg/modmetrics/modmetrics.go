// Package modmetrics implements the per-channel metrics tracker of
// spec.md §4.I.
//
// Grounded on redb-open's pkg/health.Checker status-aggregation
// pattern (a mutex-guarded map of named records with derived overall
// status), generalized here to rolling-window latency percentiles and
// SLA comparisons per original_source/python_sdk's
// communication/metrics.py.
package modmetrics

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/redbco/redb-module-sdk/pkg/channel"
)

const (
	maxLatencySamples  = 1000
	rateWindow         = 5 * time.Minute
	throughputWindow   = time.Minute
	postFailureDegrade = 60 * time.Second
	degradedAvailability = 0.8
)

type sample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// ChannelMetrics is the accumulating record for one channel kind.
type ChannelMetrics struct {
	mu sync.Mutex

	messagesSent, messagesRecv int64
	bytesSent, bytesRecv       int64
	successes, failures        int64

	samples       []sample
	lastFailureAt time.Time

	poolSnapshot *PoolSnapshot
}

// PoolSnapshot is an optional connection-pool status attached to a
// channel's metrics.
type PoolSnapshot struct {
	Size    int
	Idle    int
	InUse   int
}

// RecordSend records an outbound message of n bytes.
func (m *ChannelMetrics) RecordSend(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesSent++
	m.bytesSent += int64(n)
}

// RecordReceive records an inbound message of n bytes.
func (m *ChannelMetrics) RecordReceive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messagesRecv++
	m.bytesRecv += int64(n)
}

// RecordOutcome records the latency and success/failure of one
// operation, trimming the latency deque to its capacity and evicting
// samples older than the rate window.
func (m *ChannelMetrics) RecordOutcome(latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if success {
		m.successes++
	} else {
		m.failures++
		m.lastFailureAt = now
	}

	m.samples = append(m.samples, sample{at: now, latency: latency, success: success})
	if len(m.samples) > maxLatencySamples {
		m.samples = m.samples[len(m.samples)-maxLatencySamples:]
	}
	m.evictOldLocked(now)
}

func (m *ChannelMetrics) evictOldLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
}

// SetPoolSnapshot attaches the most recent connection-pool status.
func (m *ChannelMetrics) SetPoolSnapshot(s PoolSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolSnapshot = &s
}

// Derived holds the values computed from a ChannelMetrics snapshot.
type Derived struct {
	P50, P95, P99, Max time.Duration
	ErrorRate          float64
	ThroughputPerSec   float64
	Availability       float64
	PoolSnapshot       *PoolSnapshot
}

// Snapshot computes the derived values described in spec.md §4.I.
func (m *ChannelMetrics) Snapshot() Derived {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.evictOldLocked(now)

	latencies := make([]time.Duration, len(m.samples))
	for i, s := range m.samples {
		latencies[i] = s.latency
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var errCount int
	var throughputCount int
	throughputCutoff := now.Add(-throughputWindow)
	for _, s := range m.samples {
		if !s.success {
			errCount++
		}
		if s.at.After(throughputCutoff) {
			throughputCount++
		}
	}

	var errRate float64
	if len(m.samples) > 0 {
		errRate = float64(errCount) / float64(len(m.samples))
	}

	availability := 1 - errRate
	if !m.lastFailureAt.IsZero() && now.Sub(m.lastFailureAt) < postFailureDegrade {
		if availability > degradedAvailability {
			availability = degradedAvailability
		}
	}

	return Derived{
		P50:              percentile(latencies, 0.50),
		P95:              percentile(latencies, 0.95),
		P99:              percentile(latencies, 0.99),
		Max:              maxDuration(latencies),
		ErrorRate:        errRate,
		ThroughputPerSec: float64(throughputCount) / throughputWindow.Seconds(),
		Availability:     availability,
		PoolSnapshot:     m.poolSnapshot,
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func maxDuration(sorted []time.Duration) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[len(sorted)-1]
}

// Targets is the configured SLA comparison baseline for one channel.
type Targets struct {
	Availability float64
	P95Latency   time.Duration
	Throughput   float64
	ErrorRate    float64
}

// Compliance is one current/target/compliant/difference_percent
// comparison record.
type Compliance struct {
	Metric            string
	Current           float64
	Target            float64
	Compliant         bool
	DifferencePercent float64
}

// CheckSLA compares a Derived snapshot against Targets.
func CheckSLA(d Derived, t Targets) []Compliance {
	return []Compliance{
		compare("availability", d.Availability, t.Availability, true),
		compare("p95_latency_ms", float64(d.P95.Milliseconds()), float64(t.P95Latency.Milliseconds()), false),
		compare("throughput", d.ThroughputPerSec, t.Throughput, true),
		compare("error_rate", d.ErrorRate, t.ErrorRate, false),
	}
}

// compare builds one Compliance record. higherIsBetter controls
// whether current must be >= target (availability, throughput) or
// <= target (latency, error rate) to comply.
func compare(metric string, current, target float64, higherIsBetter bool) Compliance {
	var compliant bool
	if higherIsBetter {
		compliant = current >= target
	} else {
		compliant = current <= target
	}
	var diffPct float64
	if target != 0 {
		diffPct = (current - target) / target * 100
	}
	return Compliance{Metric: metric, Current: current, Target: target, Compliant: compliant, DifferencePercent: diffPct}
}

// AlertKind names a threshold-crossing condition.
type AlertKind string

const (
	AlertHighLatency      AlertKind = "high_latency"
	AlertHighErrorRate    AlertKind = "high_error_rate"
	AlertLowThroughput    AlertKind = "low_throughput"
	AlertLowAvailability  AlertKind = "low_availability"
	AlertConnectionFailure AlertKind = "connection_failure"
	AlertQueueBacklog     AlertKind = "queue_backlog"
)

// Alert is one fired threshold crossing.
type Alert struct {
	Kind      AlertKind
	Channel   channel.Kind
	Value     float64
	Threshold float64
	At        time.Time
}

// AlertThresholds configures when Tracker.CheckAlerts fires each kind.
type AlertThresholds struct {
	HighLatency     time.Duration
	HighErrorRate   float64
	LowThroughput   float64
	LowAvailability float64
	MinInterval     time.Duration
}

// Tracker owns one ChannelMetrics per channel kind and throttles
// alert emission per AlertThresholds.MinInterval using a token-bucket
// limiter per AlertKind (burst 1: at most one alert per MinInterval,
// with the bucket replenishing continuously rather than resetting on
// a wall-clock boundary).
type Tracker struct {
	mu         sync.Mutex
	channels   map[channel.Kind]*ChannelMetrics
	thresholds AlertThresholds
	limiters   map[AlertKind]*rate.Limiter
}

// NewTracker constructs a Tracker with the given alert thresholds.
func NewTracker(thresholds AlertThresholds) *Tracker {
	return &Tracker{
		channels:   make(map[channel.Kind]*ChannelMetrics),
		thresholds: thresholds,
		limiters:   make(map[AlertKind]*rate.Limiter),
	}
}

// limiterFor returns (creating if necessary) the rate limiter gating
// ak, replenishing one token every MinInterval.
func (t *Tracker) limiterFor(ak AlertKind) *rate.Limiter {
	lim, ok := t.limiters[ak]
	if !ok {
		interval := t.thresholds.MinInterval
		if interval <= 0 {
			interval = time.Second
		}
		lim = rate.NewLimiter(rate.Every(interval), 1)
		t.limiters[ak] = lim
	}
	return lim
}

// Channel returns (creating if necessary) the ChannelMetrics for kind.
func (t *Tracker) Channel(kind channel.Kind) *ChannelMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	cm, ok := t.channels[kind]
	if !ok {
		cm = &ChannelMetrics{}
		t.channels[kind] = cm
	}
	return cm
}

// CheckAlerts evaluates kind's current snapshot against the configured
// thresholds, returning any alerts that fire and are not currently
// throttled by MinInterval.
func (t *Tracker) CheckAlerts(kind channel.Kind) []Alert {
	d := t.Channel(kind).Snapshot()
	now := time.Now()

	var fired []Alert
	consider := func(ak AlertKind, cross bool, value, threshold float64) {
		if !cross {
			return
		}
		t.mu.Lock()
		allowed := t.limiterFor(ak).Allow()
		t.mu.Unlock()
		if !allowed {
			return
		}
		fired = append(fired, Alert{Kind: ak, Channel: kind, Value: value, Threshold: threshold, At: now})
	}

	if t.thresholds.HighLatency > 0 {
		consider(AlertHighLatency, d.P95 > t.thresholds.HighLatency, float64(d.P95.Milliseconds()), float64(t.thresholds.HighLatency.Milliseconds()))
	}
	if t.thresholds.HighErrorRate > 0 {
		consider(AlertHighErrorRate, d.ErrorRate > t.thresholds.HighErrorRate, d.ErrorRate, t.thresholds.HighErrorRate)
	}
	if t.thresholds.LowThroughput > 0 {
		consider(AlertLowThroughput, d.ThroughputPerSec < t.thresholds.LowThroughput, d.ThroughputPerSec, t.thresholds.LowThroughput)
	}
	if t.thresholds.LowAvailability > 0 {
		consider(AlertLowAvailability, d.Availability < t.thresholds.LowAvailability, d.Availability, t.thresholds.LowAvailability)
	}

	return fired
}
