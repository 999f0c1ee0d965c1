// Package events is the catalogue of event types that travel on the fleet bus.
//
// Every event type has a stable dotted name (for example "github.issues" or
// "scheduler.tick"). Bus registries are keyed by that name, never by Go type
// identity, so a payload encoded by one process decodes the same way in every
// other process and in guest code.
//
// Typed events are declared at package level and register themselves in the
// Catalogue when the declaring package is initialised:
//
//	var JobTick = events.NewEvent[Tick]("scheduler.tick", "Asks one worker to run a fleet job")
//
// A duplicate name is a programming error and panics at start-up.
package events
