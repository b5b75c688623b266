// Package pool runs N lanes in parallel and fans their snapshots in.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/studiowebux/lanebench/internal/lane"
)

// AbortWait bounds how long Stop waits after hard-cancelling lanes
const AbortWait = 2 * time.Second

// ErrStopTimeout is returned by Stop when lanes are still running after the
// grace period and the abort window.
var ErrStopTimeout = errors.New("lanes did not stop before the deadline")

// Factory builds the requester for one lane. Each lane gets its own
// requester, and with it its own connection pool.
type Factory func(laneID int) (lane.Requester, error)

// Options configures the pool
type Options struct {
	Workers     int
	Concurrency int
	BatchRate   float64 // batches per second per lane, 0 means unpaced
}

// Exit is the notification a lane sends when Run returns
type Exit struct {
	LaneID int
	Final  lane.Snapshot
	Err    error
}

// Pool owns the lanes of one run
type Pool struct {
	opts   Options
	logger *slog.Logger

	lanes     []*lane.Lane
	snapshots chan lane.Snapshot
	exits     chan Exit

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	started atomic.Bool

	active atomic.Int32
	lost   atomic.Int32
}

// New creates every lane up front so factory errors surface before any
// traffic is sent.
func New(opts Options, factory Factory, logger *slog.Logger) (*Pool, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1")
	}
	if factory == nil {
		return nil, fmt.Errorf("factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		opts:      opts,
		logger:    logger,
		snapshots: make(chan lane.Snapshot, opts.Workers*4),
		exits:     make(chan Exit, opts.Workers),
		done:      make(chan struct{}),
	}

	for id := 0; id < opts.Workers; id++ {
		req, err := factory(id)
		if err != nil {
			return nil, fmt.Errorf("failed to build lane %d: %w", id, err)
		}

		var limiter *rate.Limiter
		if opts.BatchRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.BatchRate), 1)
		}

		l, err := lane.New(lane.Options{
			ID:          id,
			Concurrency: opts.Concurrency,
			Limiter:     limiter,
		}, req, p.snapshots)
		if err != nil {
			return nil, fmt.Errorf("failed to create lane %d: %w", id, err)
		}
		p.lanes = append(p.lanes, l)
	}

	return p, nil
}

// Start launches every lane. Cancelling ctx does not stop the lanes; only
// Stop does, so an interrupt still goes through the graceful path.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pool already started")
	}

	laneCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.active.Store(int32(len(p.lanes)))
	p.wg.Add(len(p.lanes))
	for _, l := range p.lanes {
		go func(l *lane.Lane) {
			defer p.wg.Done()
			final, err := l.Run(laneCtx)
			p.exits <- Exit{LaneID: l.ID(), Final: final, Err: err}
		}(l)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.logger.Debug("lanes started", "workers", len(p.lanes), "concurrency", p.opts.Concurrency)
	return nil
}

// Flush closes the current reporting window on every lane still running.
// Each lane hands its counters to the snapshot channel without blocking, so
// a CollectSnapshots right after sees the whole window.
func (p *Pool) Flush() {
	for _, l := range p.lanes {
		if l.State() == lane.Stopped {
			continue
		}
		if !l.Flush() {
			p.logger.Debug("snapshot channel full, counts kept for next window", "lane", l.ID())
		}
	}
}

// CollectSnapshots returns whatever snapshots arrived since the last call
// without blocking. Final snapshots of exited lanes are included; a crashed
// lane is logged here, once, when its exit is first seen.
func (p *Pool) CollectSnapshots() []lane.Snapshot {
	var snaps []lane.Snapshot
	for {
		select {
		case s := <-p.snapshots:
			snaps = append(snaps, s)
		case e := <-p.exits:
			p.active.Add(-1)
			if e.Err != nil {
				p.lost.Add(1)
				p.logger.Error("lane crashed", "lane", e.LaneID, "error", e.Err)
			}
			snaps = append(snaps, e.Final)
		default:
			return snaps
		}
	}
}

// Stop asks every lane to finish its batch and waits up to grace for them.
// After grace the lanes' in-flight requests are cancelled and Stop waits at
// most AbortWait more.
func (p *Pool) Stop(grace time.Duration) error {
	for _, l := range p.lanes {
		l.Stop()
	}
	if !p.started.Load() {
		return nil
	}
	defer p.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("grace period elapsed, aborting in-flight requests", "grace", grace, "running", p.Running())
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-time.After(AbortWait):
		return fmt.Errorf("%w: %d lanes still running", ErrStopTimeout, p.Running())
	}
}

// Done is closed once every lane has exited
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Size returns the number of lanes the pool was created with
func (p *Pool) Size() int {
	return len(p.lanes)
}

// Active returns the lanes whose exit has not been collected yet
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Lost returns the number of crashed lanes seen so far
func (p *Pool) Lost() int {
	return int(p.lost.Load())
}

// Running counts lanes that have not reached Stopped
func (p *Pool) Running() int {
	n := 0
	for _, l := range p.lanes {
		if l.State() != lane.Stopped {
			n++
		}
	}
	return n
}

// InFlight sums outstanding requests across lanes
func (p *Pool) InFlight() int64 {
	var n int64
	for _, l := range p.lanes {
		n += l.InFlight()
	}
	return n
}
