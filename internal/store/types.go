package store

import (
	"time"

	"github.com/studiowebux/lanebench/internal/aggregate"
)

// Run status values
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Run is one persisted load run and its final results
type Run struct {
	ID             int64
	RunID          string
	Name           string
	Target         string
	Method         string
	Workers        int
	Concurrency    int
	Duration       time.Duration
	ReportInterval time.Duration
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         string

	TotalSuccess      int64
	TotalErrors       int64
	RequestsPerSecond float64
	ErrorRate         float64
	Latency           aggregate.Latency
	LostLanes         int
	ErrorsByKind      map[string]int64
}

// Tick is one persisted report of a run
type Tick struct {
	ID                int64
	RunID             int64
	Seq               int
	Timestamp         time.Time
	Elapsed           time.Duration
	Success           int64
	Errors            int64
	RequestsPerSecond float64
	ErrorRate         float64
	P50               time.Duration
	P95               time.Duration
	P99               time.Duration
	Max               time.Duration
	ActiveLanes       int
	LostLanes         int
	Final             bool
}

// TickFromReport converts a report into the row stored for it
func TickFromReport(runID int64, r aggregate.Report) *Tick {
	return &Tick{
		RunID:             runID,
		Seq:               r.Seq,
		Timestamp:         r.Timestamp,
		Elapsed:           r.Elapsed,
		Success:           r.TickSuccess,
		Errors:            r.TickErrors,
		RequestsPerSecond: r.RequestsPerSecond,
		ErrorRate:         r.ErrorRate,
		P50:               r.TickLatency.P50,
		P95:               r.TickLatency.P95,
		P99:               r.TickLatency.P99,
		Max:               r.TickLatency.Max,
		ActiveLanes:       r.ActiveLanes,
		LostLanes:         r.LostLanes,
		Final:             r.Final,
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
