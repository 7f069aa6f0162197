package ipc

import (
	"ripline/internal/daemon"
	"ripline/internal/logging"
	"ripline/internal/pipeline"
	"ripline/internal/queue"
)

// StopRequest asks the daemon to stop processing and exit.
type StopRequest struct{}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Stopped bool
}

// StatusRequest requests daemon status.
type StatusRequest struct{}

// StatusResponse reports daemon status.
type StatusResponse struct {
	daemon.Status
	SocketPath string
}

// EnqueueRequest adds a disc or disc copy to the queue.
type EnqueueRequest struct {
	pipeline.EnqueueRequest
}

// EnqueueResponse returns the queued job.
type EnqueueResponse struct {
	Job *queue.Job
}

// JobsRequest lists jobs, optionally filtered by status.
type JobsRequest struct {
	Statuses []string
}

// JobsResponse returns jobs in queue order.
type JobsResponse struct {
	Jobs []*queue.Job
}

// JobRequest fetches a single job.
type JobRequest struct {
	ID string
}

// JobResponse returns a single job.
type JobResponse struct {
	Job *queue.Job
}

// CancelRequest cancels a pending job.
type CancelRequest struct {
	ID string
}

// CancelResponse returns the cancelled job.
type CancelResponse struct {
	Job *queue.Job
}

// CancelAllRequest cancels every pending job.
type CancelAllRequest struct{}

// ClearRequest removes a finished job.
type ClearRequest struct {
	ID string
}

// ClearResponse acknowledges a removed job.
type ClearResponse struct {
	Removed bool
}

// ClearFinishedRequest removes every finished job.
type ClearFinishedRequest struct{}

// CountResponse reports how many jobs a bulk operation touched.
type CountResponse struct {
	Count int
}

// StatsRequest requests job counts by status.
type StatsRequest struct{}

// StatsResponse returns job counts by status.
type StatsResponse struct {
	Stats map[queue.Status]int
}

// LogTailRequest reads daemon log events after a cursor.
type LogTailRequest struct {
	Since      uint64
	Limit      int
	Follow     bool
	WaitMillis int
	JobID      string
}

// LogTailResponse returns log events and the cursor for the next call.
type LogTailResponse struct {
	Events []logging.LogEvent
	Next   uint64
}

// DatabaseHealthRequest checks the job database.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse reports job database health.
type DatabaseHealthResponse struct {
	DBPath string
	Jobs   int
	Error  string
}

// TestNotificationRequest triggers a test notification.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the test notification outcome.
type TestNotificationResponse struct {
	Sent    bool
	Message string
}
