package metrics

import "time"

type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	RecordDrop()
}

// EngineObserver receives sync engine measurements.
type EngineObserver interface {
	ObserveResult(outcome string, d time.Duration)
	SetQueueDepth(status string, n int64)
	SetBreakerState(state string)
	RecordDeadLetter(kind string)
	RecordRescue(result string, n int)
}

// Nop discards everything. Used in tests and by tools that do not expose /metrics.
type Nop struct{}

func (Nop) IncOnline()                          {}
func (Nop) DecOnline()                          {}
func (Nop) RecordPush()                         {}
func (Nop) RecordDrop()                         {}
func (Nop) ObserveResult(string, time.Duration) {}
func (Nop) SetQueueDepth(string, int64)         {}
func (Nop) SetBreakerState(string)              {}
func (Nop) RecordDeadLetter(string)             {}
func (Nop) RecordRescue(string, int)            {}
