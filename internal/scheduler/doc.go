// Package scheduler runs cron jobs registered by tenant scripts.
//
// A job has one of two scopes. A WorkerLocal job fires in the process that
// registered it. A FleetSingleFire job is owned by the coordinator's
// TimerTable, which keeps one timer per inner job name and on every tick
// asks exactly one member worker to run it.
//
// Workers learn nothing back from the coordinator except ticks. A tick
// names the handle it was meant for, and a worker runs the callback only
// while that handle is live, so a handle cancelled by a reload never fires
// again even when a tick is already in flight.
package scheduler
