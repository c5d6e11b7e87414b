// Package routing implements the channel-kind decision table of
// spec.md §4.F.
//
// Grounded on redb-open's services/mesh/internal/routing.Router
// (mutex-guarded routing table, TTL'd route cache with periodic
// cleanup, pluggable selection strategy) generalized from mesh-node
// destination routing to the message-characteristics decision table
// this spec requires.
package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/redbco/redb-module-sdk/pkg/channel"
)

// Target classifies where a message is headed, inferred from the
// destination string (loopback addresses and local-socket path
// prefixes are Local).
type Target int

const (
	TargetUnknown Target = iota
	TargetLocal
	TargetRemote
)

// InferTarget classifies dest per spec.md §4.F: loopback host:port
// forms and unix-socket-looking paths are local; anything else with a
// recognizable remote host is remote; otherwise unknown.
func InferTarget(dest string) Target {
	if dest == "" {
		return TargetUnknown
	}
	if dest == "localhost" || dest == "127.0.0.1" || dest == "::1" {
		return TargetLocal
	}
	if len(dest) > 0 && (dest[0] == '/' || dest[0] == '.') {
		return TargetLocal
	}
	if hasLocalPrefix(dest, "127.0.0.1:") || hasLocalPrefix(dest, "localhost:") {
		return TargetLocal
	}
	if len(dest) > 0 {
		return TargetRemote
	}
	return TargetUnknown
}

func hasLocalPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Priority is a message's scheduling priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityBulk     Priority = "bulk"
)

// MessageType further refines the routing decision beyond priority.
type MessageType string

const (
	TypeRealTime     MessageType = "real_time"
	TypeFileTransfer MessageType = "file_transfer"
	TypeBatch        MessageType = "batch"
	TypeStandard     MessageType = "standard"
)

// Characteristics describes the message being routed.
type Characteristics struct {
	Size           int
	Priority       Priority
	Type           MessageType
	RequiresAck    bool
	Timeout        *time.Duration
	Retryable      bool
}

// Constraints is the optional set of candidate-filtering predicates.
type Constraints struct {
	MaxSize        int
	MinHealth      float64
	MaxLatency     time.Duration
	MinThroughput  float64
}

func (c Constraints) satisfiedBy(size int, snap channel.Snapshot, throughput float64) bool {
	if c.MaxSize > 0 && size > c.MaxSize {
		return false
	}
	if c.MinHealth > 0 && snap.Availability < c.MinHealth {
		return false
	}
	if c.MaxLatency > 0 && snap.P95Latency > c.MaxLatency {
		return false
	}
	if c.MinThroughput > 0 && throughput < c.MinThroughput {
		return false
	}
	return true
}

const smallMessageThreshold = 1024 // 1 KiB, spec.md §4.F

// candidates returns the ordered (primary, fallback) channel kinds for
// the decision table in spec.md §4.F. Fallback is channel.Kind("") when
// the rule has none.
func candidates(target Target, c Characteristics) (primary, fallback channel.Kind) {
	switch {
	case c.Priority == PriorityCritical || c.Priority == PriorityHigh || c.Type == TypeRealTime:
		return channel.KindSocket, channel.KindTCP
	case c.Type == TypeFileTransfer:
		return channel.KindTCP, ""
	case c.Priority == PriorityBulk || c.Type == TypeBatch:
		return channel.KindTCP, ""
	case target == TargetRemote:
		return channel.KindTCP, ""
	case target == TargetLocal && c.Size < smallMessageThreshold:
		return channel.KindSocket, channel.KindTCP
	case target == TargetLocal:
		return channel.KindTCP, channel.KindSocket
	default:
		return channel.KindTCP, ""
	}
}

// ChannelProvider exposes the live channel for a kind, or ok=false if
// the channel isn't configured for this module instance.
type ChannelProvider interface {
	Channel(kind channel.Kind) (channel.Channel, bool)
}

// Decision is the outcome of Route: the chosen channel kind plus a
// 0..1 confidence score.
type Decision struct {
	Kind       channel.Kind
	Confidence float64
}

type cacheKey struct {
	target   Target
	priority Priority
	msgType  MessageType
	size     int
}

type cacheEntry struct {
	decision  Decision
	expiresAt time.Time
}

// Engine evaluates routing decisions, caching them by
// (target, priority, type, size) for CacheTTL and load-balancing
// across equally-eligible candidates.
type Engine struct {
	provider    ChannelProvider
	constraints map[channel.Kind]Constraints

	CacheTTL     time.Duration
	MaxCacheSize int
	LearningRate float64

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry
	load  map[channel.Kind]float64
}

// NewEngine constructs a routing Engine with spec-default tuning.
func NewEngine(provider ChannelProvider, constraints map[channel.Kind]Constraints) *Engine {
	return &Engine{
		provider:     provider,
		constraints:  constraints,
		CacheTTL:     30 * time.Second,
		MaxCacheSize: 1000,
		LearningRate: 0.1,
		cache:        make(map[cacheKey]cacheEntry),
		load:         make(map[channel.Kind]float64),
	}
}

// Route resolves a Decision for target/characteristics, consulting and
// populating the decision cache.
func (e *Engine) Route(target Target, c Characteristics) (Decision, bool) {
	key := cacheKey{target: target, priority: c.Priority, msgType: c.Type, size: bucketSize(c.Size)}

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.decision, true
	}
	e.mu.Unlock()

	primary, fallback := candidates(target, c)
	decision, ok := e.pickCandidate(primary, fallback, c)
	if !ok {
		return Decision{}, false
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{decision: decision, expiresAt: time.Now().Add(e.CacheTTL)}
	e.evictOverflowLocked()
	e.mu.Unlock()

	return decision, true
}

// bucketSize coarsens size into the small/large split the decision
// table actually branches on, so cache keys for e.g. 10 bytes and 20
// bytes (same routing outcome) collide rather than each taking a slot.
func bucketSize(size int) int {
	if size < smallMessageThreshold {
		return 0
	}
	return 1
}

func (e *Engine) pickCandidate(primary, fallback channel.Kind, c Characteristics) (Decision, bool) {
	type option struct {
		kind channel.Kind
		snap channel.Snapshot
	}
	var options []option

	for _, kind := range []channel.Kind{primary, fallback} {
		if kind == "" {
			continue
		}
		ch, ok := e.provider.Channel(kind)
		if !ok || ch.State() != channel.StateConnected {
			continue
		}
		snap := channel.Snapshot{Availability: 1}
		if hr, ok := ch.(channel.HealthReporter); ok {
			snap = hr.Health().Snapshot()
		}
		constraint := e.constraints[kind]
		throughput := 1.0 / max(float64(snap.P95Latency)/float64(time.Second), 0.001)
		if !constraint.satisfiedBy(c.Size, snap, throughput) {
			continue
		}
		options = append(options, option{kind: kind, snap: snap})
	}

	if len(options) == 0 {
		return Decision{}, false
	}

	e.mu.Lock()
	sort.Slice(options, func(i, j int) bool {
		return e.load[options[i].kind] < e.load[options[j].kind]
	})
	chosen := options[0]
	e.mu.Unlock()

	return Decision{Kind: chosen.kind, Confidence: confidence(chosen.snap, c)}, true
}

// confidence combines availability, error rate, and latency into a
// 0..1 score with a small bonus for high-priority traffic.
func confidence(snap channel.Snapshot, c Characteristics) float64 {
	score := 0.5*snap.Availability + 0.3*(1-snap.ErrorRate)
	latencyScore := 1.0
	if snap.P95Latency > 0 {
		latencyScore = 1.0 / (1.0 + float64(snap.P95Latency)/float64(time.Second))
	}
	score += 0.2 * latencyScore

	if c.Priority == PriorityCritical || c.Priority == PriorityHigh {
		score += 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

// RecordOutcome nudges kind's load-balance counter down on success and
// up on failure, at Engine.LearningRate.
func (e *Engine) RecordOutcome(kind channel.Kind, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if success {
		e.load[kind] -= e.LearningRate
	} else {
		e.load[kind] += e.LearningRate
	}
	if e.load[kind] < 0 {
		e.load[kind] = 0
	}
}

// InvalidateCache drops every cached decision. Call after changing the
// decision matrix or channel constraints.
func (e *Engine) InvalidateCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[cacheKey]cacheEntry)
}

// evictOverflowLocked drops the oldest quarter of cache entries when
// MaxCacheSize is exceeded. Caller must hold e.mu.
func (e *Engine) evictOverflowLocked() {
	if e.MaxCacheSize <= 0 || len(e.cache) <= e.MaxCacheSize {
		return
	}

	type agedKey struct {
		key       cacheKey
		expiresAt time.Time
	}
	aged := make([]agedKey, 0, len(e.cache))
	for k, v := range e.cache {
		aged = append(aged, agedKey{key: k, expiresAt: v.expiresAt})
	}
	sort.Slice(aged, func(i, j int) bool { return aged[i].expiresAt.Before(aged[j].expiresAt) })

	evictCount := len(aged) / 4
	for i := 0; i < evictCount; i++ {
		delete(e.cache, aged[i].key)
	}
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
