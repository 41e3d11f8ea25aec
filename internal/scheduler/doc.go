// Package scheduler fires configured notification jobs on cron specs or
// fixed intervals and submits them to the job host.
//
// Schedules are upserted by name; Apply replaces the whole set, so a
// config reload never leaves stale entries behind. A schedule whose
// previous run is still in flight skips its next tick.
package scheduler
