package aggregate

import (
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/studiowebux/lanebench/internal/issuer"
)

// Latency summarises a histogram
type Latency struct {
	Mean time.Duration `json:"mean" yaml:"mean"`
	P50  time.Duration `json:"p50" yaml:"p50"`
	P95  time.Duration `json:"p95" yaml:"p95"`
	P99  time.Duration `json:"p99" yaml:"p99"`
	Max  time.Duration `json:"max" yaml:"max"`
}

// Report is the aggregate view emitted on every reporting tick
type Report struct {
	RunID     string        `json:"runId" yaml:"runId"`
	Seq       int           `json:"seq" yaml:"seq"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`

	TotalSuccess int64 `json:"totalSuccess" yaml:"totalSuccess"`
	TotalErrors  int64 `json:"totalErrors" yaml:"totalErrors"`
	TickSuccess  int64 `json:"tickSuccess" yaml:"tickSuccess"`
	TickErrors   int64 `json:"tickErrors" yaml:"tickErrors"`

	// RequestsPerSecond is successful requests in this tick divided by the
	// measured tick duration.
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	// ErrorRate is the share of this tick's requests that failed, 0..1
	ErrorRate float64 `json:"errorRate" yaml:"errorRate"`

	OverallRequestsPerSecond float64 `json:"overallRequestsPerSecond" yaml:"overallRequestsPerSecond"`
	OverallErrorRate         float64 `json:"overallErrorRate" yaml:"overallErrorRate"`

	ErrorsByKind map[string]int64 `json:"errorsByKind,omitempty" yaml:"errorsByKind,omitempty"`

	TickLatency    Latency `json:"tickLatency" yaml:"tickLatency"`
	OverallLatency Latency `json:"overallLatency" yaml:"overallLatency"`

	ActiveLanes int `json:"activeLanes" yaml:"activeLanes"`
	LostLanes   int `json:"lostLanes" yaml:"lostLanes"`

	Final        bool `json:"final" yaml:"final"`
	AllLanesLost bool `json:"allLanesLost,omitempty" yaml:"allLanesLost,omitempty"`
}

// NewReport derives rates from the totals and the delta of one tick.
// tickElapsed must be the measured time since the previous tick.
func NewReport(t Totals, d Delta, tickElapsed, runElapsed time.Duration) Report {
	r := Report{
		Timestamp:    time.Now(),
		Elapsed:      runElapsed,
		TotalSuccess: t.Success,
		TotalErrors:  t.Errors,
		TickSuccess:  d.Success,
		TickErrors:   d.Errors,
		ErrorRate:    ratio(d.Errors, d.Total()),

		OverallErrorRate: ratio(t.Errors, t.Total()),

		TickLatency:    summarize(d.Latency),
		OverallLatency: summarize(t.Latency),
	}

	if secs := tickElapsed.Seconds(); secs > 0 {
		r.RequestsPerSecond = float64(d.Success) / secs
	}
	if secs := runElapsed.Seconds(); secs > 0 {
		r.OverallRequestsPerSecond = float64(t.Success) / secs
	}

	for k, n := range t.ByKind {
		if n == 0 || issuer.ErrorKind(k) == issuer.KindNone {
			continue
		}
		if r.ErrorsByKind == nil {
			r.ErrorsByKind = make(map[string]int64)
		}
		r.ErrorsByKind[issuer.ErrorKind(k).String()] = n
	}

	return r
}

func ratio(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func summarize(h *hdrhistogram.Histogram) Latency {
	if h == nil || h.TotalCount() == 0 {
		return Latency{}
	}
	return Latency{
		Mean: time.Duration(h.Mean()) * time.Microsecond,
		P50:  time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P95:  time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:  time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Max:  time.Duration(h.Max()) * time.Microsecond,
	}
}
