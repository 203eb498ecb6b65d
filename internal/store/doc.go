// Package store provides SQLite-backed durable storage for the study
// app's local state:
//
//   - Tasks: lifecycle state of every task occurrence (including history)
//   - Answers: retained step-flow answers, keyed by flow and question
//   - Sync Cursors: per-data-type delivery watermarks
//   - Queued Uploads: sample batches awaiting backend acknowledgment
//
// Every write is a single-statement upsert or delete, so each record
// updates atomically; no cross-record transactions are required by the
// engines built on top. The cursor upsert additionally enforces that
// watermarks never move backwards, so a crashed or replayed scheduler
// tick cannot regress delivery state.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
