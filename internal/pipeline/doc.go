// Package pipeline schedules jobs through extraction and conversion.
//
// A Manager owns the in-memory job list, mirrors every change to the queue
// store and publishes it to subscribers. At most one job extracts at a time
// because extraction holds the optical drive; converted jobs fill a fixed
// number of conversion slots. The scheduler runs after every state change,
// picking the oldest pending job for extraction and the oldest extracted
// jobs for conversion.
//
// Only pending jobs can be cancelled. Running stages end on their own or when
// the manager shuts down, in which case the job is left for recovery on the
// next start.
package pipeline
