// Package bus is the fleet event bus: one coordinator process and N worker
// processes exchanging envelopes over a Transport.
//
// Every publish names a delivery class:
//
//	SingleWorker  one arbitrary worker; once-per-process subscribers
//	AllWorkers    every worker; every-process subscribers
//	Coordinator   the coordinator only; every-process subscribers
//	Everyone      coordinator and all workers; every-process subscribers,
//	              plus a local echo to the publishing worker's
//	              once-per-process subscribers
//
// Each process owns one Bus with its own event loop. Handlers run one at a
// time, in subscription order, and a failing handler does not stop the
// handlers after it. Registries are keyed by event type name.
package bus
