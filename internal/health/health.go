// Package health aggregates liveness signals from the watcher, consumer, and
// uploader into the status served to the external process supervisor. It
// only observes; it never stops the process.
package health

import (
	"sync"
	"time"

	"github.com/nasferry/nasferry/internal/metrics"
)

// Status is the aggregate health verdict.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Thresholds configure when observations degrade the verdict.
type Thresholds struct {
	// ScanStaleAfter is how long the watcher may go without completing a
	// cycle before it counts as stalled.
	ScanStaleAfter time.Duration
	// MaxLag is the event backlog above which the consumer is degraded.
	MaxLag int64
	// MaxEventAge is the oldest uncommitted event age tolerated.
	MaxEventAge time.Duration
	// DeadLetterWindow is the recency window for counting dead letters.
	DeadLetterWindow time.Duration
	// ScanFailureLimit is the consecutive scan failure count that marks
	// the mount unreachable.
	ScanFailureLimit int
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds(scanInterval time.Duration) Thresholds {
	return Thresholds{
		ScanStaleAfter:   3 * scanInterval,
		MaxLag:           1000,
		MaxEventAge:      30 * time.Minute,
		DeadLetterWindow: time.Hour,
		ScanFailureLimit: 3,
	}
}

// Monitor collects component observations and derives the aggregate status.
type Monitor struct {
	mu sync.Mutex

	thresholds Thresholds
	started    time.Time

	lastScanComplete time.Time
	scanFailures     int

	consumerLag    int64
	oldestEventAge time.Duration
	lastCommit     time.Time
	consumerErrors int

	deadLetters []time.Time
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(t Thresholds) *Monitor {
	return &Monitor{
		thresholds: t,
		started:    time.Now(),
	}
}

// RecordScanComplete notes a finished watcher cycle.
func (m *Monitor) RecordScanComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScanComplete = time.Now()
	m.scanFailures = 0
}

// RecordScanFailure notes a scan cycle aborted by an unreachable mount.
func (m *Monitor) RecordScanFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanFailures++
}

// ObserveConsumerLag records the current broker backlog.
func (m *Monitor) ObserveConsumerLag(lag int64) {
	m.mu.Lock()
	m.consumerLag = lag
	m.mu.Unlock()
	metrics.SetConsumerLag(lag)
}

// ObserveOldestEventAge records the age of the event currently in flight.
func (m *Monitor) ObserveOldestEventAge(age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if age > m.oldestEventAge {
		m.oldestEventAge = age
	}
}

// RecordCommit notes a successfully committed event.
func (m *Monitor) RecordCommit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCommit = time.Now()
	m.oldestEventAge = 0
	m.consumerErrors = 0
}

// RecordConsumerError notes a broker-side consumer failure.
func (m *Monitor) RecordConsumerError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumerErrors++
}

// RecordDeadLetter notes an event that exhausted its retry budget.
func (m *Monitor) RecordDeadLetter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, time.Now())
}

// Snapshot is the state reported on the readiness endpoint.
type Snapshot struct {
	Status           Status            `json:"status"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	LastScanAgo      string            `json:"last_scan_ago,omitempty"`
	ScanFailures     int               `json:"scan_failures,omitempty"`
	ConsumerLag      int64             `json:"consumer_lag"`
	OldestEventAge   string            `json:"oldest_event_age,omitempty"`
	RecentDeadLetter int               `json:"recent_dead_letters"`
	Components       map[string]Status `json:"components"`
}

// Check derives the aggregate status from current observations.
func (m *Monitor) Check() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	// Prune dead letters outside the window.
	kept := m.deadLetters[:0]
	for _, t := range m.deadLetters {
		if now.Sub(t) <= m.thresholds.DeadLetterWindow {
			kept = append(kept, t)
		}
	}
	m.deadLetters = kept

	watcher := Healthy
	switch {
	case m.scanFailures >= m.thresholds.ScanFailureLimit:
		watcher = Unhealthy
	case m.lastScanComplete.IsZero() && now.Sub(m.started) > m.thresholds.ScanStaleAfter,
		!m.lastScanComplete.IsZero() && now.Sub(m.lastScanComplete) > m.thresholds.ScanStaleAfter:
		watcher = Degraded
	}

	consumer := Healthy
	switch {
	case m.consumerLag > m.thresholds.MaxLag && m.oldestEventAge > m.thresholds.MaxEventAge:
		consumer = Unhealthy
	case m.consumerLag > m.thresholds.MaxLag,
		m.oldestEventAge > m.thresholds.MaxEventAge,
		m.consumerErrors > 0:
		consumer = Degraded
	}

	letters := Healthy
	if len(m.deadLetters) > 0 {
		letters = Degraded
	}

	overall := worst(watcher, consumer, letters)

	snap := Snapshot{
		Status:           overall,
		UptimeSeconds:    int64(now.Sub(m.started).Seconds()),
		ScanFailures:     m.scanFailures,
		ConsumerLag:      m.consumerLag,
		RecentDeadLetter: len(m.deadLetters),
		Components: map[string]Status{
			"watcher":      watcher,
			"consumer":     consumer,
			"dead_letters": letters,
		},
	}
	if !m.lastScanComplete.IsZero() {
		snap.LastScanAgo = now.Sub(m.lastScanComplete).Round(time.Second).String()
	}
	if m.oldestEventAge > 0 {
		snap.OldestEventAge = m.oldestEventAge.Round(time.Second).String()
	}
	return snap
}

func worst(statuses ...Status) Status {
	out := Healthy
	for _, s := range statuses {
		if s == Unhealthy {
			return Unhealthy
		}
		if s == Degraded {
			out = Degraded
		}
	}
	return out
}
