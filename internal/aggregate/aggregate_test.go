package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/studiowebux/lanebench/internal/issuer"
	"github.com/studiowebux/lanebench/internal/lane"
)

func snapshot(id int, success, errs int64, latency time.Duration) lane.Snapshot {
	h := hdrhistogram.New(minLatencyMicros, maxLatencyMicros, latencySigFigs)
	for i := int64(0); i < success+errs; i++ {
		h.RecordValue(int64(latency / time.Microsecond))
	}
	s := lane.Snapshot{LaneID: id, Success: success, Errors: errs, Latency: h.Export()}
	s.ByKind[issuer.KindTransport] = errs
	return s
}

func TestMerge_Accumulates(t *testing.T) {
	totals := NewTotals()

	totals, d := Merge(totals, []lane.Snapshot{
		snapshot(0, 10, 1, 10*time.Millisecond),
		snapshot(1, 20, 0, 10*time.Millisecond),
	})
	if d.Success != 30 || d.Errors != 1 {
		t.Errorf("Expected delta 30/1, got: %d/%d", d.Success, d.Errors)
	}
	if d.Snapshots != 2 {
		t.Errorf("Expected 2 snapshots, got: %d", d.Snapshots)
	}

	totals, d = Merge(totals, []lane.Snapshot{snapshot(0, 5, 4, 20*time.Millisecond)})
	if d.Success != 5 || d.Errors != 4 {
		t.Errorf("Expected delta 5/4, got: %d/%d", d.Success, d.Errors)
	}
	if totals.Success != 35 || totals.Errors != 5 {
		t.Errorf("Expected totals 35/5, got: %d/%d", totals.Success, totals.Errors)
	}
	if totals.ByKind[issuer.KindTransport] != 5 {
		t.Errorf("Expected 5 transport errors, got: %d", totals.ByKind[issuer.KindTransport])
	}
	if got := totals.Latency.TotalCount(); got != 40 {
		t.Errorf("Expected 40 latency samples, got: %d", got)
	}
	if got := d.Latency.TotalCount(); got != 9 {
		t.Errorf("Expected 9 tick latency samples, got: %d", got)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	before, _ := Merge(NewTotals(), []lane.Snapshot{snapshot(0, 3, 0, time.Millisecond)})
	after, _ := Merge(before, []lane.Snapshot{snapshot(0, 7, 0, time.Millisecond)})

	if before.Success != 3 || before.Latency.TotalCount() != 3 {
		t.Errorf("Expected input totals untouched, got %d successes, %d samples", before.Success, before.Latency.TotalCount())
	}
	if after.Success != 10 {
		t.Errorf("Expected 10 successes, got: %d", after.Success)
	}
}

func TestMerge_Empty(t *testing.T) {
	totals, d := Merge(NewTotals(), nil)
	if totals.Total() != 0 || d.Total() != 0 {
		t.Error("Expected zero counts")
	}
	r := NewReport(totals, d, time.Second, time.Second)
	if r.RequestsPerSecond != 0 || r.ErrorRate != 0 {
		t.Errorf("Expected zero rates for an idle tick, got rps=%f errorRate=%f", r.RequestsPerSecond, r.ErrorRate)
	}
}

func TestNewReport_UsesMeasuredElapsed(t *testing.T) {
	totals, d := Merge(NewTotals(), []lane.Snapshot{snapshot(0, 1000, 0, 5*time.Millisecond)})

	// A tick that fired late: nominal 10s, measured 12.5s
	r := NewReport(totals, d, 12500*time.Millisecond, 12500*time.Millisecond)
	if math.Abs(r.RequestsPerSecond-80) > 1e-9 {
		t.Errorf("Expected 80 rps, got: %f", r.RequestsPerSecond)
	}
}

func TestNewReport_ErrorRate(t *testing.T) {
	tests := []struct {
		name    string
		success int64
		errs    int64
		want    float64
	}{
		{"all errors", 0, 12, 1.0},
		{"no errors", 12, 0, 0},
		{"quarter", 30, 10, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals, d := Merge(NewTotals(), []lane.Snapshot{snapshot(0, tt.success, tt.errs, time.Millisecond)})
			r := NewReport(totals, d, time.Second, time.Second)
			if math.Abs(r.ErrorRate-tt.want) > 1e-9 {
				t.Errorf("Expected error rate %f, got: %f", tt.want, r.ErrorRate)
			}
			if tt.errs > 0 && r.ErrorsByKind["transport"] != tt.errs {
				t.Errorf("Expected %d transport errors, got: %d", tt.errs, r.ErrorsByKind["transport"])
			}
		})
	}
}

func TestNewReport_Latency(t *testing.T) {
	totals, d := Merge(NewTotals(), []lane.Snapshot{
		snapshot(0, 99, 0, 10*time.Millisecond),
		snapshot(1, 1, 0, 500*time.Millisecond),
	})
	r := NewReport(totals, d, time.Second, time.Second)

	if r.TickLatency.P50 < 9*time.Millisecond || r.TickLatency.P50 > 11*time.Millisecond {
		t.Errorf("Expected p50 near 10ms, got: %s", r.TickLatency.P50)
	}
	if r.TickLatency.Max < 490*time.Millisecond {
		t.Errorf("Expected max near 500ms, got: %s", r.TickLatency.Max)
	}
	if r.OverallLatency != r.TickLatency {
		t.Error("Expected overall latency to equal tick latency on the first tick")
	}
}
