package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
	"golang.org/x/time/rate"

	"github.com/studiowebux/lanebench/internal/issuer"
)

// Latency histogram bounds, in microseconds
const (
	minLatencyMicros = 1
	maxLatencyMicros = int64(2 * time.Minute / time.Microsecond)
	latencySigFigs   = 2
)

// ErrLaneCrashed is returned by Run when the lane died from a panic
var ErrLaneCrashed = errors.New("lane crashed")

// State is the lane lifecycle state
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Requester issues one request and classifies it. *issuer.Issuer implements it.
type Requester interface {
	Issue(ctx context.Context) issuer.Outcome
}

// Snapshot holds a lane's counters for one reporting window
type Snapshot struct {
	LaneID      int
	Success     int64
	Errors      int64
	ByKind      [issuer.NumKinds]int64
	Latency     *hdrhistogram.Snapshot
	WindowStart time.Time
	WindowEnd   time.Time
	Final       bool
}

// Total returns the number of requests the snapshot accounts for
func (s Snapshot) Total() int64 {
	return s.Success + s.Errors
}

// Options configures a lane
type Options struct {
	ID          int
	Concurrency int
	Limiter     *rate.Limiter // optional batch pacing, nil means unpaced
}

// Lane runs one batch-synchronous request loop
type Lane struct {
	id          int
	concurrency int
	requester   Requester
	limiter     *rate.Limiter
	out         chan<- Snapshot

	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once

	success  atomic.Int64
	errs     atomic.Int64
	byKind   [issuer.NumKinds]atomic.Int64
	inFlight atomic.Int64
	batches  atomic.Int64

	histMu      sync.Mutex
	hist        *hdrhistogram.Histogram
	windowStart time.Time
}

// New creates an idle lane that offers flushed snapshots on out
func New(opts Options, requester Requester, out chan<- Snapshot) (*Lane, error) {
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be greater than 0")
	}
	if requester == nil {
		return nil, fmt.Errorf("requester is required")
	}

	return &Lane{
		id:          opts.ID,
		concurrency: opts.Concurrency,
		requester:   requester,
		limiter:     opts.Limiter,
		out:         out,
		stop:        make(chan struct{}),
		hist:        newHistogram(),
	}, nil
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatencyMicros, maxLatencyMicros, latencySigFigs)
}

// ID returns the lane identifier
func (l *Lane) ID() int {
	return l.id
}

// State returns the current lifecycle state
func (l *Lane) State() State {
	return State(l.state.Load())
}

// InFlight returns the number of requests currently outstanding
func (l *Lane) InFlight() int64 {
	return l.inFlight.Load()
}

// Batches returns how many batches have completed
func (l *Lane) Batches() int64 {
	return l.batches.Load()
}

// Stop asks the lane to finish its current batch and exit. It never blocks.
func (l *Lane) Stop() {
	l.stopOnce.Do(func() {
		if !l.state.CompareAndSwap(int32(Running), int32(Stopping)) {
			l.state.CompareAndSwap(int32(Idle), int32(Stopping))
		}
		close(l.stop)
	})
}

// Run drives batches until Stop is called or ctx is cancelled, then returns
// the final snapshot. The error is non-nil only when the lane crashed.
func (l *Lane) Run(ctx context.Context) (final Snapshot, err error) {
	l.state.CompareAndSwap(int32(Idle), int32(Running))

	l.histMu.Lock()
	l.windowStart = time.Now()
	l.histMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: lane %d: %v", ErrLaneCrashed, l.id, r)
		}
		final = l.take(true)
		l.state.Store(int32(Stopped))
	}()

	outcomes := make([]issuer.Outcome, l.concurrency)
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !l.pace(ctx) {
			return
		}

		crash := l.runBatch(ctx, outcomes)
		l.fold(outcomes)
		l.batches.Add(1)
		if crash != nil {
			panic(crash)
		}
	}
}

// pace waits for the batch limiter, giving up on stop or cancellation
func (l *Lane) pace(ctx context.Context) bool {
	if l.limiter == nil {
		return true
	}
	r := l.limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-l.stop:
		r.Cancel()
		return false
	case <-ctx.Done():
		r.Cancel()
		return false
	}
}

// runBatch issues len(outcomes) requests concurrently and waits for all of
// them. A panic in any request goroutine is returned once the batch drains.
func (l *Lane) runBatch(ctx context.Context, outcomes []issuer.Outcome) interface{} {
	var (
		wg       sync.WaitGroup
		panicMu  sync.Mutex
		panicked interface{}
	)

	wg.Add(len(outcomes))
	for i := range outcomes {
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicMu.Lock()
					if panicked == nil {
						panicked = r
					}
					panicMu.Unlock()
					outcomes[i] = issuer.Outcome{Kind: issuer.KindTransport, Err: fmt.Sprint(r)}
				}
				l.inFlight.Add(-1)
			}()
			l.inFlight.Add(1)
			outcomes[i] = l.requester.Issue(ctx)
		}(i)
	}
	wg.Wait()

	return panicked
}

// fold adds a finished batch to the lane counters
func (l *Lane) fold(outcomes []issuer.Outcome) {
	var success, errs int64
	var byKind [issuer.NumKinds]int64
	for _, o := range outcomes {
		if o.Success {
			success++
			continue
		}
		errs++
		if o.Kind >= 0 && o.Kind < issuer.NumKinds {
			byKind[o.Kind]++
		}
	}

	l.histMu.Lock()
	for _, o := range outcomes {
		if o.Latency > 0 {
			l.hist.RecordValue(clampMicros(o.Latency))
		}
	}
	l.histMu.Unlock()

	l.success.Add(success)
	l.errs.Add(errs)
	for k, n := range byKind {
		if n > 0 {
			l.byKind[k].Add(n)
		}
	}
}

func clampMicros(d time.Duration) int64 {
	us := int64(d / time.Microsecond)
	if us < minLatencyMicros {
		return minLatencyMicros
	}
	if us > maxLatencyMicros {
		return maxLatencyMicros
	}
	return us
}

// Flush reads and resets the counters gathered since the previous flush and
// offers them on the output channel without blocking. When the channel is
// full the counts are put back and Flush returns false.
func (l *Lane) Flush() bool {
	snap := l.take(false)
	select {
	case l.out <- snap:
		return true
	default:
		l.restore(snap)
		return false
	}
}

// take atomically reads and resets the counters into a Snapshot
func (l *Lane) take(final bool) Snapshot {
	now := time.Now()

	l.histMu.Lock()
	hist := l.hist
	l.hist = newHistogram()
	start := l.windowStart
	l.windowStart = now
	l.histMu.Unlock()

	snap := Snapshot{
		LaneID:      l.id,
		Success:     l.success.Swap(0),
		Errors:      l.errs.Swap(0),
		Latency:     hist.Export(),
		WindowStart: start,
		WindowEnd:   now,
		Final:       final,
	}
	for k := range l.byKind {
		snap.ByKind[k] = l.byKind[k].Swap(0)
	}
	return snap
}

// restore puts back a snapshot that could not be handed off
func (l *Lane) restore(snap Snapshot) {
	l.histMu.Lock()
	if snap.Latency != nil {
		l.hist.Merge(hdrhistogram.Import(snap.Latency))
	}
	if snap.WindowStart.Before(l.windowStart) {
		l.windowStart = snap.WindowStart
	}
	l.histMu.Unlock()

	l.success.Add(snap.Success)
	l.errs.Add(snap.Errors)
	for k, n := range snap.ByKind {
		if n > 0 {
			l.byKind[k].Add(n)
		}
	}
}
