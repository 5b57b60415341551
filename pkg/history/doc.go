// Package history is the append-only ledger of job executions. Every
// dispatched execution gets an entry at start and a terminal status at
// completion; aggregated statistics and retention cleanup are served from
// the same store.
//
// Three backends are provided: in-memory (default), SQLite, and
// PostgreSQL. All allocate ids monotonically and enforce the same
// transition rules.
package history
