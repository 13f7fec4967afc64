/*
Package scheduler runs reconciliation sweeps over the active domains.

A sweep lists every active domain and reconciles each on a worker pool
bounded by the configured concurrency. Sweeps come from two places:

  - the loop started by Start, one per tick of the configured interval
    (a zero interval disables the loop)
  - callers: Sweep starts one in the background, RunOnce waits for it

Only one sweep runs at a time. A tick that arrives while the previous
sweep still has domains in flight is skipped and counted in
sdmgr_sweeps_skipped_total.

CheckOne reconciles a single domain synchronously for on-demand callers.

Stop cancels the context handed to in-flight checks and waits for the
running sweep to drain.
*/
package scheduler
