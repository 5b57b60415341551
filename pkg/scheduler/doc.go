// Package scheduler runs the host's job scheduling core: cron and
// fixed-interval triggers, a single evaluation loop dispatching into a
// bounded worker pool, per-job overlap vetoes, and the four misfire
// instructions. Every dispatched execution is recorded in the history
// ledger; job failures are absorbed at the dispatch boundary and never
// reach the evaluation loop.
package scheduler
