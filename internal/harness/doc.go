// Package harness runs YAML scenarios against a real engine.
//
// A scenario declares a record database (inline CUE or a directory), the
// external channels the records may link to, and a list of steps. Steps
// put fields, process records, run scan passes, drive channels and advance
// a mock clock; after every step the harness drains due timers and queued
// callbacks, so each step sees the settled result of the previous one.
//
//	name: hysteresis
//	database: |
//	  record: calc1: {type: "calcout", fields: {CALC: "A", HIHI: 10, HHSV: "MAJOR", HYST: 1}}
//	steps:
//	  - put: {record: calc1, field: A, value: 10.5}
//	  - expect: {record: calc1, field: SEVR, value: MAJOR}
//	  - sample: {record: calc1, fields: [SEVR]}
//
// Every monitor post and forward link is written to an in-memory event
// log; the log becomes the result trace that assertions run against.
// Sample steps build the snapshot compared with golden files.
package harness
