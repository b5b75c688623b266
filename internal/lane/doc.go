/*
Package lane drives one lane of batch-synchronous HTTP traffic.

# Batch model

A lane issues a batch of exactly Concurrency requests at once and waits for
the whole batch before starting the next one (closed-loop load). The number
of requests in flight per lane never exceeds Concurrency, which is also the
size of the lane's connection pool.

The price of this model is that the slowest request of a batch gates the
start of the next batch. Throughput per lane is therefore capped at

	Concurrency / max(latency within a batch)

This ceiling is expected behaviour, not a defect. Switching to open-loop
issuance would lose the bound on outstanding connections.

# Counters and snapshots

Success, error and per-kind counters are atomics private to the lane. The
owner of the reporting cadence calls Flush on every tick: the counters are
swapped to zero and offered as a Snapshot on the output channel without
blocking. If the channel is full the values are added back, so a later
snapshot carries them. Flush never waits on the batch loop, and since every
lane is flushed by the same tick, all snapshots of a tick cover the same
window.

# Lifecycle

	Idle -> Running -> Stopping -> Stopped

Stop is cooperative: the in-flight batch finishes, then Run returns the
final Snapshot. Cancelling the context passed to Run aborts in-flight
requests and is reserved for the shutdown deadline.

A panic inside the lane, including inside a request goroutine, ends the lane.
Run then returns ErrLaneCrashed together with whatever was counted.
*/
package lane
