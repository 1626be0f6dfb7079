package metrics

import "time"

// HubObserver watches the stream hub.
type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	ObservePushLatency(duration float64)
	UpdateEventLag(lag int)
}

// EngineObserver watches evaluation, rollout steps and log maintenance.
type EngineObserver interface {
	ObserveEvaluation(reason string)
	ObserveRolloutStep(outcome, reason string)
	ObserveLock(backend string, acquired bool, contended bool)
	ObserveScan(source string, lines, skipped int, d time.Duration)
	ObservePurge(target string, removed int)
	TelemetryDropped()
}

// HTTPObserver watches API requests. route is the matched route pattern.
type HTTPObserver interface {
	ObserveHTTP(route, method string, status int, d time.Duration)
}

type Observer interface {
	HubObserver
	EngineObserver
	HTTPObserver
}

// Nop discards every observation.
type Nop struct{}

func (Nop) IncOnline()                                     {}
func (Nop) DecOnline()                                     {}
func (Nop) RecordPush()                                    {}
func (Nop) ObservePushLatency(float64)                     {}
func (Nop) UpdateEventLag(int)                             {}
func (Nop) ObserveEvaluation(string)                       {}
func (Nop) ObserveRolloutStep(string, string)              {}
func (Nop) ObserveLock(string, bool, bool)                 {}
func (Nop) ObserveScan(string, int, int, time.Duration)    {}
func (Nop) ObservePurge(string, int)                       {}
func (Nop) TelemetryDropped()                              {}
func (Nop) ObserveHTTP(string, string, int, time.Duration) {}
