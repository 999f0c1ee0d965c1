package scheduler

import (
	"github.com/nfrund/repobot/internal/bus"
	"github.com/nfrund/repobot/internal/events"
)

// Registration asks the coordinator to add a worker's handle to a fleet job.
type Registration struct {
	JobName  string        `cbor:"job_name"`
	Cron     string        `cbor:"cron"`
	HandleID string        `cbor:"handle_id"`
	Worker   bus.ProcessID `cbor:"worker"`
}

// Cancellation removes a handle from its fleet job.
type Cancellation struct {
	HandleID string        `cbor:"handle_id"`
	Worker   bus.ProcessID `cbor:"worker"`
}

// Rescheduling moves a handle to a new cron expression.
type Rescheduling struct {
	HandleID string        `cbor:"handle_id"`
	Cron     string        `cbor:"cron"`
	Worker   bus.ProcessID `cbor:"worker"`
}

// Tick asks one worker to run the job behind a handle.
type Tick struct {
	InnerName string `cbor:"inner_name"`
	HandleID  string `cbor:"handle_id"`
}

// Rejection tells a worker its registration could not be placed.
type Rejection struct {
	HandleID string `cbor:"handle_id"`
	JobName  string `cbor:"job_name"`
	Reason   string `cbor:"reason"`
}

var (
	registerEvent   = events.NewEvent[Registration]("scheduler.register", "A worker registers a fleet-single-fire job handle")
	cancelEvent     = events.NewEvent[Cancellation]("scheduler.cancel", "A worker cancels a fleet-single-fire job handle")
	rescheduleEvent = events.NewEvent[Rescheduling]("scheduler.reschedule", "A worker moves a job handle to a new cron expression")
	tickEvent       = events.NewEvent[Tick]("scheduler.tick", "Asks one worker to run a job for the current tick")
	rejectEvent     = events.NewEvent[Rejection]("scheduler.rejected", "The coordinator could not place a job registration")
)
