// Package scheduler fires recurring maintenance work (the session refresh
// sweep) from cron expressions or fixed intervals.
//
// It only decides when; each trigger is submitted to a task engine, which
// runs it with its own timeout and retry policy. A schedule whose previous
// run is still queued or running is skipped rather than stacked.
package scheduler
