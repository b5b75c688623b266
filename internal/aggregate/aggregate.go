// Package aggregate merges lane snapshots into running totals and builds the
// per-tick reports.
package aggregate

import (
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/studiowebux/lanebench/internal/issuer"
	"github.com/studiowebux/lanebench/internal/lane"
)

// Histogram bounds match the lane histograms (microseconds)
const (
	minLatencyMicros = 1
	maxLatencyMicros = int64(2 * time.Minute / time.Microsecond)
	latencySigFigs   = 2
)

// Counts is a success/error tally with a per-kind breakdown
type Counts struct {
	Success int64
	Errors  int64
	ByKind  [issuer.NumKinds]int64
}

// Total returns success plus errors
func (c Counts) Total() int64 {
	return c.Success + c.Errors
}

func (c *Counts) add(s lane.Snapshot) {
	c.Success += s.Success
	c.Errors += s.Errors
	for k, n := range s.ByKind {
		c.ByKind[k] += n
	}
}

// Totals accumulates everything seen since the run started
type Totals struct {
	Counts
	Latency *hdrhistogram.Histogram
}

// Delta is what one Merge call added
type Delta struct {
	Counts
	Latency   *hdrhistogram.Histogram
	Snapshots int
	Finals    int
}

// NewTotals returns empty totals
func NewTotals() Totals {
	return Totals{Latency: newHistogram()}
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatencyMicros, maxLatencyMicros, latencySigFigs)
}

// Merge folds snapshots into totals. The input totals are left untouched;
// the returned totals and delta own fresh histograms.
func Merge(t Totals, snaps []lane.Snapshot) (Totals, Delta) {
	d := Delta{Latency: newHistogram()}
	for _, s := range snaps {
		d.add(s)
		d.Snapshots++
		if s.Final {
			d.Finals++
		}
		if s.Latency != nil {
			d.Latency.Merge(hdrhistogram.Import(s.Latency))
		}
	}

	next := Totals{Counts: t.Counts, Latency: newHistogram()}
	if t.Latency != nil {
		next.Latency.Merge(t.Latency)
	}
	next.Success += d.Success
	next.Errors += d.Errors
	for k, n := range d.ByKind {
		next.ByKind[k] += n
	}
	next.Latency.Merge(d.Latency)

	return next, d
}
