// Package store persists the IOC event log in SQLite.
//
// The log is append-only and holds two tables:
//   - runs: one row per engine run, keyed by a UUIDv7 run id
//   - events: monitor posts and forward-link traversals, keyed by
//     (run_id, seq)
//
// # Ordering
//
// Events are ordered by seq, a logical counter assigned by the engine's
// writer loop. Wall-clock time is stored for display only and is never used
// to order rows. Every query ends in ORDER BY seq ASC.
//
// # Payloads
//
// Field values are stored as canonical JSON (see MarshalValue) so that two
// runs producing the same posts produce byte-identical rows.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
