package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"ripline/internal/daemon"
	"ripline/internal/logging"
	"ripline/internal/queue"
	"ripline/internal/services"
)

// ServiceName is the JSON-RPC receiver name clients call methods on.
const ServiceName = "Ripline"

const stopReplyGrace = 200 * time.Millisecond

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer listens on the socket at path and registers the daemon's RPC
// methods. A stale socket file is replaced; a socket another process still
// answers on is not. onStop runs after a client's Stop request has stopped
// the daemon; the process uses it to exit.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger, onStop func()) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	listener, err := listen(path)
	if err != nil {
		return nil, err
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		path:      path,
		logger:    logging.NewComponentLogger(logger, "ipc"),
		listener:  listener,
		rpcServer: rpc.NewServer(),
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}
	svc := &service{daemon: d, logger: s.logger, ctx: serverCtx, socket: path, onStop: onStop}
	if err := s.rpcServer.RegisterName(ServiceName, svc); err != nil {
		cancel()
		_ = listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}
	return s, nil
}

func listen(path string) (net.Listener, error) {
	if conn, err := net.DialTimeout("unix", path, dialTimeout); err == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socket %s is in use by another daemon", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	return listener, nil
}

// Serve accepts connections in the background until Close.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go s.acceptLoop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		switch {
		case err == nil:
		case s.ctx.Err() != nil, errors.Is(err, net.ErrClosed):
			return
		default:
			logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
				logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"),
			)
			continue
		}
		if !s.adopt(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.release(conn)
	s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
}

// adopt records conn so Close can drop it; it refuses once closing began.
func (s *Server) adopt(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops the server, drops open client connections and removes the
// socket file.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.mu.Lock()
	open := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range open {
		_ = conn.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"),
		)
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
	socket string
	onStop func()
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("daemon stop requested via IPC", logging.String(logging.FieldEventType, "daemon_stop_requested"))
	s.daemon.Stop()
	resp.Stopped = true
	if s.onStop != nil {
		// The callback closes this connection; let the reply go out first.
		time.AfterFunc(stopReplyGrace, s.onStop)
	}
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx)
	resp.SocketPath = s.socket
	return nil
}

func (s *service) Enqueue(req EnqueueRequest, resp *EnqueueResponse) error {
	job, err := s.daemon.Enqueue(s.ctx, req.EnqueueRequest)
	if err != nil {
		return err
	}
	resp.Job = job
	return nil
}

func (s *service) Jobs(req JobsRequest, resp *JobsResponse) error {
	statuses := make([]queue.Status, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		status, ok := queue.ParseStatus(raw)
		if !ok {
			return services.Wrap(services.ErrValidation, "ipc", "list jobs", fmt.Sprintf("unknown status %q", raw), nil)
		}
		statuses = append(statuses, status)
	}
	resp.Jobs = s.daemon.Jobs(statuses...)
	return nil
}

func (s *service) Job(req JobRequest, resp *JobResponse) error {
	job, err := s.daemon.Job(req.ID)
	if err != nil {
		return err
	}
	resp.Job = job
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	job, err := s.daemon.Cancel(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Job = job
	return nil
}

func (s *service) CancelAll(_ CancelAllRequest, resp *CountResponse) error {
	resp.Count = s.daemon.CancelAllPending(s.ctx)
	return nil
}

func (s *service) Clear(req ClearRequest, resp *ClearResponse) error {
	if err := s.daemon.Clear(s.ctx, req.ID); err != nil {
		return err
	}
	resp.Removed = true
	return nil
}

func (s *service) ClearFinished(_ ClearFinishedRequest, resp *CountResponse) error {
	resp.Count = s.daemon.ClearFinished(s.ctx)
	return nil
}

func (s *service) Stats(_ StatsRequest, resp *StatsResponse) error {
	resp.Stats = s.daemon.Stats()
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	hub := s.daemon.LogStream()
	if hub == nil {
		return nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 200
	}
	ctx := s.ctx
	if req.Follow {
		wait := time.Duration(req.WaitMillis) * time.Millisecond
		if wait <= 0 {
			wait = time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait)
		defer cancel()
	}
	events, next, err := hub.Fetch(ctx, logging.Query{
		Since: req.Since,
		Limit: limit,
		Wait:  req.Follow,
		JobID: req.JobID,
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	resp.Events = events
	resp.Next = next
	return nil
}

func (s *service) DatabaseHealth(_ DatabaseHealthRequest, resp *DatabaseHealthResponse) error {
	resp.DBPath = s.daemon.QueueDBPath()
	jobs, err := s.daemon.DatabaseHealth(s.ctx)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Jobs = jobs
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}
