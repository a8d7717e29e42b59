// Package metrics provides the fast protocol engine's observability hooks:
// atomic counters, a bounded recent-requests ring buffer, and a JSON
// Snapshot for external introspection tooling, on both the client and
// server side. Grounded on the teacher's internal/metrics.ServerMetrics
// and Collector shape (uptime, goroutine count, memory stats kept as
// generic process-health fields), retargeted from RTM-specific counters to
// fastrpc's started/completed/failed/in-flight/per-method-latency model.
// file: internal/metrics/metrics.go
package metrics

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome tags how a completed request ended, for the recent-requests ring.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// RecentRequest is one entry in the ring buffer of completed requests
// (spec.md §3's client "recent-requests ring buffer", generalized to the
// server side per SPEC_FULL.md §4.4).
type RecentRequest struct {
	Msgid    uint32
	Method   string
	Outcome  Outcome
	Error    string
	Started  time.Time
	Duration time.Duration
}

// InFlight describes a request that has started but not yet terminated.
type InFlight struct {
	Msgid   uint32
	Method  string
	Started time.Time
}

// Snapshot is the serializable introspection view spec.md §6 describes:
// current counters, in-flight requests with age, and the recent-requests
// ring.
type Snapshot struct {
	Uptime        time.Duration            `json:"uptime"`
	GoVersion     string                   `json:"goVersion"`
	NumGoroutine  int                      `json:"numGoroutine"`
	AllocBytes    uint64                   `json:"allocBytes"`
	Started       uint64                   `json:"started"`
	Completed     uint64                   `json:"completed"`
	Failed        uint64                   `json:"failed"`
	InFlight      []InFlight               `json:"inFlight"`
	Recent        []RecentRequest          `json:"recent"`
	MethodLatency map[string]time.Duration `json:"methodLatency"`
}

// Collector tracks counters, in-flight requests, and a ring buffer of
// recent completions for one client or server instance. Safe for
// concurrent use: counters are atomic, everything else guarded by mu.
type Collector struct {
	startTime time.Time

	started   uint64
	completed uint64
	failed    uint64

	mu            sync.RWMutex
	inFlight      map[uint32]InFlight
	recent        []RecentRequest
	recentCap     int
	recentHead    int
	methodLatency map[string]time.Duration
}

// NewCollector builds a Collector whose recent-requests ring holds at most
// recentCap entries (internal/config.Settings.NRecentRequests).
func NewCollector(recentCap int) *Collector {
	if recentCap < 0 {
		recentCap = 0
	}
	return &Collector{
		startTime:     time.Now(),
		inFlight:      make(map[uint32]InFlight),
		recent:        make([]RecentRequest, 0, recentCap),
		recentCap:     recentCap,
		methodLatency: make(map[string]time.Duration),
	}
}

// Start records the beginning of a request (client rpc-start / server
// rpc-start, spec.md §6).
func (c *Collector) Start(msgid uint32, method string) {
	atomic.AddUint64(&c.started, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[msgid] = InFlight{Msgid: msgid, Method: method, Started: time.Now()}
}

// Done records a request's terminal outcome (rpc-done) and moves it from
// in-flight into the recent-requests ring.
func (c *Collector) Done(msgid uint32, outcome Outcome, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	started, ok := c.inFlight[msgid]
	if !ok {
		return
	}
	delete(c.inFlight, msgid)

	if outcome == OutcomeOK {
		atomic.AddUint64(&c.completed, 1)
	} else {
		atomic.AddUint64(&c.failed, 1)
	}

	duration := time.Since(started.Started)
	c.methodLatency[started.Method] = duration

	entry := RecentRequest{
		Msgid:    msgid,
		Method:   started.Method,
		Outcome:  outcome,
		Error:    errMsg,
		Started:  started.Started,
		Duration: duration,
	}
	c.pushRecent(entry)
}

// pushRecent appends entry to the ring buffer, evicting the oldest entry
// once recentCap is reached. Caller holds mu.
func (c *Collector) pushRecent(entry RecentRequest) {
	if c.recentCap == 0 {
		return
	}
	if len(c.recent) < c.recentCap {
		c.recent = append(c.recent, entry)
		return
	}
	c.recent[c.recentHead] = entry
	c.recentHead = (c.recentHead + 1) % c.recentCap
}

// Snapshot returns the current introspection view.
func (c *Collector) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.mu.RLock()
	defer c.mu.RUnlock()

	inFlight := make([]InFlight, 0, len(c.inFlight))
	for _, f := range c.inFlight {
		inFlight = append(inFlight, f)
	}

	recent := make([]RecentRequest, len(c.recent))
	// Present oldest-first regardless of ring rotation.
	for i := range c.recent {
		idx := (c.recentHead + i) % len(c.recent)
		recent[i] = c.recent[idx]
	}

	latency := make(map[string]time.Duration, len(c.methodLatency))
	for k, v := range c.methodLatency {
		latency[k] = v
	}

	return Snapshot{
		Uptime:        time.Since(c.startTime),
		GoVersion:     runtime.Version(),
		NumGoroutine:  runtime.NumGoroutine(),
		AllocBytes:    mem.Alloc,
		Started:       atomic.LoadUint64(&c.started),
		Completed:     atomic.LoadUint64(&c.completed),
		Failed:        atomic.LoadUint64(&c.failed),
		InFlight:      inFlight,
		Recent:        recent,
		MethodLatency: latency,
	}
}
