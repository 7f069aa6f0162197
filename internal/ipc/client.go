package ipc

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"ripline/internal/pipeline"
)

const dialTimeout = 2 * time.Second

// Client is a JSON-RPC connection to the daemon socket. It is not safe to
// share across processes but concurrent calls on one Client are fine.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the daemon listening on the unix socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.rpc == nil {
		return nil
	}
	return c.rpc.Close()
}

// invoke performs one round trip and returns the decoded response.
func invoke[Resp any](c *Client, method string, req any) (*Resp, error) {
	if c == nil || c.rpc == nil {
		return nil, fmt.Errorf("ipc %s: client closed", method)
	}
	resp := new(Resp)
	if err := c.rpc.Call(ServiceName+"."+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stop asks the daemon to stop processing and exit.
func (c *Client) Stop() (*StopResponse, error) {
	return invoke[StopResponse](c, "Stop", StopRequest{})
}

func (c *Client) Status() (*StatusResponse, error) {
	return invoke[StatusResponse](c, "Status", StatusRequest{})
}

func (c *Client) Enqueue(req pipeline.EnqueueRequest) (*EnqueueResponse, error) {
	return invoke[EnqueueResponse](c, "Enqueue", EnqueueRequest{EnqueueRequest: req})
}

// Jobs lists jobs, optionally restricted to the named statuses.
func (c *Client) Jobs(statuses []string) (*JobsResponse, error) {
	return invoke[JobsResponse](c, "Jobs", JobsRequest{Statuses: statuses})
}

func (c *Client) Job(id string) (*JobResponse, error) {
	return invoke[JobResponse](c, "Job", JobRequest{ID: id})
}

// Cancel cancels a pending job. Jobs already extracting or converting are
// refused by the daemon.
func (c *Client) Cancel(id string) (*CancelResponse, error) {
	return invoke[CancelResponse](c, "Cancel", CancelRequest{ID: id})
}

func (c *Client) CancelAll() (*CountResponse, error) {
	return invoke[CountResponse](c, "CancelAll", CancelAllRequest{})
}

// Clear removes a finished job.
func (c *Client) Clear(id string) (*ClearResponse, error) {
	return invoke[ClearResponse](c, "Clear", ClearRequest{ID: id})
}

func (c *Client) ClearFinished() (*CountResponse, error) {
	return invoke[CountResponse](c, "ClearFinished", ClearFinishedRequest{})
}

func (c *Client) Stats() (*StatsResponse, error) {
	return invoke[StatsResponse](c, "Stats", StatsRequest{})
}

// LogTail fetches daemon log events after req.Since.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	return invoke[LogTailResponse](c, "LogTail", req)
}

func (c *Client) DatabaseHealth() (*DatabaseHealthResponse, error) {
	return invoke[DatabaseHealthResponse](c, "DatabaseHealth", DatabaseHealthRequest{})
}

// TestNotification sends a test notification through the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	return invoke[TestNotificationResponse](c, "TestNotification", TestNotificationRequest{})
}
