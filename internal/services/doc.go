// Package services defines the shared error markers and context helpers used
// by the parsers, decryption engines and pipeline stages.
//
// Failures are tagged with one of the sentinel markers via Wrap so callers can
// classify them with errors.Is (format, authentication, resource, pipeline)
// while keeping the stage/operation detail in the message shown to users.
// Context helpers stamp job ids and stage names for logging.
package services
