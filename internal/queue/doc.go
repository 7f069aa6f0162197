// Package queue persists pipeline jobs in SQLite.
//
// The pipeline keeps the authoritative job list in memory; the Store mirrors
// every change so a restarted daemon can recover its queue. Recover rewrites
// jobs that were in flight when the process died: interrupted extractions
// fail, and conversions fall back to extracted when their scratch data
// survived.
//
// The database is treated as transient storage for in-flight jobs rather than
// a long-term archive. Schema changes bump the version in schema.go; users
// clear the database to adopt the new schema.
package queue
