// Package monitor aggregates round-trip measurements from a running match and
// raises alerts when latency crosses the configured thresholds.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/versus-project/versus/internal/events"
)

const (
	// MaxSamples bounds the retained RTT history.
	MaxSamples = 1000
	// RecentWindow is how many of the newest samples the threshold check averages.
	RecentWindow = 10
)

// Thresholds configure when an alert fires.
type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

// Sample is a single RTT measurement.
type Sample struct {
	Timestamp time.Time     `json:"timestamp"`
	RTT       time.Duration `json:"rtt_ns"`
}

// LatencyStats summarizes the retained history.
type LatencyStats struct {
	Samples       int           `json:"samples"`
	Last          time.Duration `json:"last_ns"`
	Min           time.Duration `json:"min_ns"`
	Max           time.Duration `json:"max_ns"`
	Avg           time.Duration `json:"avg_ns"`
	Recent        time.Duration `json:"recent_avg_ns"`
	Jitter        time.Duration `json:"jitter_ns"`
	Resyncs       int           `json:"resyncs"`
	ReplayedTicks int           `json:"replayed_ticks"`
	LastSampleAt  time.Time     `json:"last_sample_at"`
}

// LatencyAlert represents a threshold crossing.
type LatencyAlert struct {
	Level     events.AlertLevel `json:"level"`
	RTT       time.Duration     `json:"rtt_ns"`
	Threshold time.Duration     `json:"threshold_ns"`
}

// LatencyMonitor collects ping measurements and resync counts from the event
// bus.
type LatencyMonitor struct {
	mu         sync.RWMutex
	eventBus   *events.EventBus
	thresholds Thresholds
	logger     zerolog.Logger

	history       []Sample
	resyncs       int
	replayedTicks int

	// lastLevel is the level of the last alert emitted, "" when healthy.
	lastLevel events.AlertLevel
}

// NewLatencyMonitor creates a monitor and subscribes it to eventBus.
func NewLatencyMonitor(eventBus *events.EventBus, thresholds Thresholds) *LatencyMonitor {
	lm := &LatencyMonitor{
		eventBus:   eventBus,
		thresholds: thresholds,
		history:    make([]Sample, 0, 100),
		logger:     log.With().Str("component", "latency_monitor").Logger(),
	}

	if eventBus != nil {
		eventBus.Subscribe(events.EventPingMeasured, "latency_monitor", lm.handlePing)
		eventBus.Subscribe(events.EventResync, "latency_monitor", lm.handleResync)
	}
	return lm
}

func (lm *LatencyMonitor) handlePing(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PingPayload)
	if !ok {
		return nil
	}
	lm.Record(payload.RTT, time.Now())
	return nil
}

func (lm *LatencyMonitor) handleResync(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ResyncPayload)
	if !ok {
		return nil
	}
	lm.mu.Lock()
	lm.resyncs++
	lm.replayedTicks += int(payload.Replayed)
	lm.mu.Unlock()
	return nil
}

// Record adds one measurement.
func (lm *LatencyMonitor) Record(rtt time.Duration, at time.Time) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.history = append(lm.history, Sample{Timestamp: at, RTT: rtt})
	if len(lm.history) > MaxSamples {
		lm.history = lm.history[len(lm.history)-MaxSamples:]
	}
}

// Stats returns the current summary.
func (lm *LatencyMonitor) Stats() LatencyStats {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	stats := LatencyStats{
		Samples:       len(lm.history),
		Resyncs:       lm.resyncs,
		ReplayedTicks: lm.replayedTicks,
	}
	if len(lm.history) == 0 {
		return stats
	}

	last := lm.history[len(lm.history)-1]
	stats.Last = last.RTT
	stats.LastSampleAt = last.Timestamp
	stats.Min = time.Duration(math.MaxInt64)

	var total, deltas time.Duration
	for i, s := range lm.history {
		total += s.RTT
		if s.RTT < stats.Min {
			stats.Min = s.RTT
		}
		if s.RTT > stats.Max {
			stats.Max = s.RTT
		}
		if i > 0 {
			d := s.RTT - lm.history[i-1].RTT
			if d < 0 {
				d = -d
			}
			deltas += d
		}
	}
	stats.Avg = total / time.Duration(len(lm.history))
	if len(lm.history) > 1 {
		stats.Jitter = deltas / time.Duration(len(lm.history)-1)
	}
	stats.Recent = lm.recentAverage()
	return stats
}

// History returns a copy of the retained samples, oldest first.
func (lm *LatencyMonitor) History() []Sample {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]Sample, len(lm.history))
	copy(out, lm.history)
	return out
}

// recentAverage averages the newest RecentWindow samples. Caller holds mu.
func (lm *LatencyMonitor) recentAverage() time.Duration {
	n := len(lm.history)
	if n == 0 {
		return 0
	}
	start := n - RecentWindow
	if start < 0 {
		start = 0
	}
	var total time.Duration
	for _, s := range lm.history[start:] {
		total += s.RTT
	}
	return total / time.Duration(n-start)
}

// CheckThresholds compares the recent average against the thresholds. It
// returns nil while latency is healthy.
func (lm *LatencyMonitor) CheckThresholds() *LatencyAlert {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if len(lm.history) == 0 {
		return nil
	}
	recent := lm.recentAverage()
	switch {
	case lm.thresholds.Critical > 0 && recent >= lm.thresholds.Critical:
		return &LatencyAlert{Level: events.AlertCritical, RTT: recent, Threshold: lm.thresholds.Critical}
	case lm.thresholds.Warning > 0 && recent >= lm.thresholds.Warning:
		return &LatencyAlert{Level: events.AlertWarning, RTT: recent, Threshold: lm.thresholds.Warning}
	}
	return nil
}

// Check runs one threshold evaluation. An alert is emitted when the level
// changes, so a steady bad connection is reported once.
func (lm *LatencyMonitor) Check(ctx context.Context) {
	alert := lm.CheckThresholds()

	lm.mu.Lock()
	var level events.AlertLevel
	if alert != nil {
		level = alert.Level
	}
	changed := level != lm.lastLevel
	lm.lastLevel = level
	lm.mu.Unlock()

	if !changed {
		return
	}
	if alert == nil {
		lm.logger.Info().Msg("latency back within thresholds")
		return
	}

	lm.logger.Warn().
		Str("level", string(alert.Level)).
		Dur("rtt", alert.RTT).
		Dur("threshold", alert.Threshold).
		Msg("latency threshold alert")

	lm.eventBus.Emit(ctx, events.Event{
		Type:   events.EventLatencyAlert,
		Source: "latency_monitor",
		Payload: events.LatencyAlertPayload{
			Level:     alert.Level,
			RTT:       alert.RTT,
			Threshold: alert.Threshold,
		},
	})
}

// Start begins periodic threshold checks and blocks until ctx is done.
func (lm *LatencyMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.Check(ctx)
		}
	}
}
