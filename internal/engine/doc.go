// Package engine runs a record database.
//
// A Database is built from record definitions: records are created in name
// order, grouped into lock sets by their local links, initialised, and
// wired to each other. Links that cross lock sets, or that force a channel
// with CA, go through an in-process loopback provider whose puts are
// applied as callback jobs.
//
// An Engine owns a Database together with the services that drive it. Run
// starts, under one errgroup:
//   - the callback workers, which run completions, timer expiries and
//     channel puts
//   - one scanner goroutine per periodic scan rate
//   - the event-log writer, the only goroutine writing to the store
//
// Event ordering: every post and forward-link traversal is queued in
// emission order and stamped with a seq by the writer. Wall-clock
// timestamps are stored for display only.
package engine
