// Package store persists capture records, their append-only event history and
// the sqlite job table in a single SQLite database.
//
// Every lane write is a compare-and-set against the expected pre-state: the
// ingest state, the stage attempt counter and the stage lease. A write whose
// pre-state no longer matches fails with ErrConflict and changes nothing, which
// is what makes duplicate job delivery a harmless skip. Lane updates, payload
// changes and the matching audit event always commit in one transaction.
//
// Transitions are checked against the record package's table before any SQL
// runs; illegal ones fail with ErrIllegalTransition.
//
// Schema changes bump schemaVersion; users clear the database to adopt the new
// schema.
package store
