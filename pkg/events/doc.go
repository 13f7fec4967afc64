/*
Package events distributes sdmgr events to in-process subscribers.

The broker is a small pub/sub hub. Publishers (the status ledger, agents
during discovery, the scheduler) call Publish, which never blocks; a single
goroutine fans each event out to every subscriber's buffered channel, and
slow subscribers miss events rather than stalling the publisher.

	ledger ──┐
	agents ──┼──> eventCh (100) ──> broadcast ──> sub (50) ──> SSE client
	sweeps ──┘                                └─> sub (50) ──> ...

The API exposes the stream as server-sent events at /api/events. Delivery
is best-effort; durable alerting should consume the Redis transition sink
instead.
*/
package events
