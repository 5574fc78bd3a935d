package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// Server accepts client connections on a unix socket and dispatches
// framed requests to the service.
type Server struct {
	socketPath string
	service    *Service
	logger     *telemetry.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closed   bool
}

// NewServer creates a server over the given service. logger may be nil.
func NewServer(socketPath string, service *Service, logger *telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Server{
		socketPath: socketPath,
		service:    service,
		logger:     logger.NewComponentLogger("server"),
	}
}

// Listen binds the unix socket, removing a stale socket file first.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Listen must have been called first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	s.logger.Info(fmt.Sprintf("Listening on %s", s.socketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections and waits for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}

// handleConn runs the request loop for one client connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := NewDecoder(conn)
	enc := NewEncoder(conn)

	for {
		if ctx.Err() != nil {
			return
		}

		req, err := dec.DecodeRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.WithError(err).Debug("Dropping connection after protocol error")
			}
			return
		}

		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.logger.WithError(err).Debug("Failed to write response")
			return
		}
	}
}

// dispatch routes one request to the service and packages the result.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	result, err := s.invoke(ctx, req)
	if err != nil {
		return &Response{ID: req.ID, OK: false, Error: err.Error()}
	}

	payload, err := EncodePayload(result)
	if err != nil {
		return &Response{ID: req.ID, OK: false, Error: fmt.Sprintf("failed to encode result: %v", err)}
	}
	return &Response{ID: req.ID, OK: true, Payload: payload}
}

func (s *Server) invoke(ctx context.Context, req *Request) (any, error) {
	switch req.Op {
	case OpStart:
		var params StartParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.Start(ctx, params)
	case OpKill:
		var params KillParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.Kill(ctx, params)
	case OpSync:
		var params SyncParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.Sync(ctx, params)
	case OpCheck:
		var params CheckParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.Check(ctx, params)
	case OpSave:
		var params SaveParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.Save(ctx, params)
	case OpLoad:
		var params LoadParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.Load(ctx, params)
	case OpHistory:
		var params HistoryParams
		if err := DecodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return s.service.History(ctx, params)
	case OpList:
		return s.service.List(ctx)
	case OpStatus:
		return s.service.Status(ctx)
	default:
		return nil, fmt.Errorf("invalid operation: %s", req.Op)
	}
}
