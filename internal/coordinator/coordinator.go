// Package coordinator drives one load run: it starts the lanes, emits a
// report on every tick, and stops everything when the run is over.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/studiowebux/lanebench/internal/aggregate"
	"github.com/studiowebux/lanebench/internal/config"
	"github.com/studiowebux/lanebench/internal/lane"
	"github.com/studiowebux/lanebench/internal/pool"
)

// RunState is the lifecycle of a run
type RunState int32

const (
	Idle RunState = iota
	Running
	Draining
	Stopped
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAllLanesLost is returned with the final report when every lane crashed
	ErrAllLanesLost = errors.New("all lanes lost")
	// ErrAlreadyRun is returned when Run is called a second time
	ErrAlreadyRun = errors.New("coordinator already ran")
)

// Sink receives every report of a run, in order. The last report has
// Final set.
type Sink interface {
	Emit(ctx context.Context, r aggregate.Report) error
}

// Lanes is the part of the pool the coordinator drives
type Lanes interface {
	Start(ctx context.Context) error
	Flush()
	CollectSnapshots() []lane.Snapshot
	Stop(grace time.Duration) error
	Done() <-chan struct{}
	Size() int
	Active() int
	Lost() int
}

// Options carries what the coordinator needs besides the config
type Options struct {
	RunID  string
	Logger *slog.Logger
}

// Coordinator owns the lifecycle of a single run
type Coordinator struct {
	cfg    config.Config
	lanes  Lanes
	sinks  []Sink
	runID  string
	logger *slog.Logger

	state atomic.Int32
	seq   int
}

// New validates cfg and builds the lane pool. An invalid config is reported
// as a *config.ConfigError before any lane exists.
func New(cfg config.Config, factory pool.Factory, opts Options, sinks ...Sink) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p, err := pool.New(pool.Options{
		Workers:     cfg.Workers,
		Concurrency: cfg.Concurrency,
		BatchRate:   cfg.BatchRate,
	}, factory, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create lane pool: %w", err)
	}

	return newWithLanes(cfg, p, opts.RunID, logger, sinks), nil
}

func newWithLanes(cfg config.Config, lanes Lanes, runID string, logger *slog.Logger, sinks []Sink) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		lanes:  lanes,
		sinks:  sinks,
		runID:  runID,
		logger: logger.With("run", runID),
	}
}

// State returns the current lifecycle state
func (c *Coordinator) State() RunState {
	return RunState(c.state.Load())
}

// RunID returns the identifier stamped on every report
func (c *Coordinator) RunID() string {
	return c.runID
}

// Run sends load until the duration elapses, ctx is cancelled, or every
// lane is lost, then drains the lanes and emits exactly one final report.
// The final report is returned; when every lane crashed the error is
// ErrAllLanesLost.
func (c *Coordinator) Run(ctx context.Context) (aggregate.Report, error) {
	if !c.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return aggregate.Report{}, ErrAlreadyRun
	}

	start := time.Now()
	if err := c.lanes.Start(ctx); err != nil {
		c.state.Store(int32(Stopped))
		return aggregate.Report{}, fmt.Errorf("failed to start lanes: %w", err)
	}
	c.logger.Info("run started",
		"target", c.cfg.Target,
		"workers", c.lanes.Size(),
		"concurrency", c.cfg.Concurrency,
		"duration", c.cfg.Duration,
	)

	// Sinks still get the final report after an interrupt
	emitCtx := context.WithoutCancel(ctx)

	deadline := time.NewTimer(c.cfg.Duration)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()

	totals := aggregate.NewTotals()
	lastTick := start
	reason := ""

	for reason == "" {
		select {
		case <-ticker.C:
			now := time.Now()
			if now.Sub(start) >= c.cfg.Duration {
				// The last window belongs to the final report
				reason = "duration elapsed"
				break
			}
			// Every lane closes its window on this tick, so the report
			// covers exactly lastTick..now
			c.lanes.Flush()
			var d aggregate.Delta
			totals, d = aggregate.Merge(totals, c.lanes.CollectSnapshots())
			c.emit(emitCtx, c.report(totals, d, now.Sub(lastTick), now.Sub(start), false))
			lastTick = now
			if c.lanes.Lost() == c.lanes.Size() {
				reason = "all lanes lost"
			}
		case <-deadline.C:
			reason = "duration elapsed"
		case <-ctx.Done():
			reason = "interrupted"
		case <-c.lanes.Done():
			// Lanes only exit on their own when they crash
			reason = "all lanes lost"
		}
	}

	c.state.Store(int32(Draining))
	c.logger.Info("stopping lanes", "reason", reason, "grace", c.cfg.GracePeriod)

	stopErr := c.lanes.Stop(c.cfg.GracePeriod)
	if stopErr != nil {
		c.logger.Error("lanes did not stop cleanly", "error", stopErr)
	}

	now := time.Now()
	totals, d := aggregate.Merge(totals, c.lanes.CollectSnapshots())
	final := c.report(totals, d, now.Sub(lastTick), now.Sub(start), true)
	final.AllLanesLost = c.lanes.Lost() == c.lanes.Size()
	c.emit(emitCtx, final)
	c.state.Store(int32(Stopped))

	c.logger.Info("run finished",
		"elapsed", final.Elapsed.Round(time.Millisecond),
		"success", final.TotalSuccess,
		"errors", final.TotalErrors,
		"lost_lanes", final.LostLanes,
	)

	if final.AllLanesLost {
		return final, ErrAllLanesLost
	}
	return final, stopErr
}

func (c *Coordinator) report(t aggregate.Totals, d aggregate.Delta, tickElapsed, runElapsed time.Duration, final bool) aggregate.Report {
	c.seq++
	r := aggregate.NewReport(t, d, tickElapsed, runElapsed)
	r.RunID = c.runID
	r.Seq = c.seq
	r.ActiveLanes = c.lanes.Active()
	r.LostLanes = c.lanes.Lost()
	r.Final = final
	return r
}

// emit hands r to every sink. A failing sink is logged and skipped.
func (c *Coordinator) emit(ctx context.Context, r aggregate.Report) {
	if c.State() == Stopped {
		return
	}
	for _, s := range c.sinks {
		if err := s.Emit(ctx, r); err != nil {
			c.logger.Warn("sink failed", "sink", fmt.Sprintf("%T", s), "seq", r.Seq, "error", err)
		}
	}
}
