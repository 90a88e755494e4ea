package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/swissarmyhammer/acp-host/internal/logging"
)

// Handler routes one parsed ACP method call to whatever component owns it
// (the Agent facade, in production) and exposes the stream of outbound
// session/update notifications the notification task forwards to the
// client.
type Handler interface {
	// HandleRequest executes a method that expects a response. A non-nil
	// *RPCError controls the emitted JSON-RPC error code; any other error
	// is reported with CodeInternalError.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
	// HandleNotification executes a method with no id (e.g. session/cancel).
	// Errors are logged, never surfaced — JSON-RPC forbids responding to a
	// notification.
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
	// Updates returns the channel of session/update notifications the
	// notification task relays to the client for the lifetime of the
	// connection. The same receiver must be returned on every call so a
	// resubscribe never loses messages already in flight.
	Updates() <-chan SessionUpdateNotification
}

// SessionUpdateParams is the camelCase payload of an outbound session/update
// notification's params object.
type SessionUpdateParams struct {
	SessionID string          `json:"sessionId"`
	Update    any             `json:"update"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// SessionUpdateNotification is one agent-originated update destined for the
// client, prior to being wrapped in the JSON-RPC notification envelope.
type SessionUpdateNotification struct {
	SessionID string
	Update    any
	Meta      json.RawMessage
}

// Server reads line-delimited JSON-RPC 2.0 frames from a reader and writes
// responses and notifications to a writer, serializing every outbound line
// under one mutex. Exactly two goroutines run for the life of Serve: the
// request loop (this call's goroutine) and a notification-forwarding loop.
type Server struct {
	handler     Handler
	connections *ConnectionManager

	writeMu sync.Mutex
	w       io.Writer
}

// NewServer builds a Server bound to handler. r/w are supplied to Serve.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler, connections: NewConnectionManager()}
}

// Connections returns the server's connection registry, so a handler (the
// Agent facade, in production) can be wired to the same instance and record
// per-connection state such as the negotiated protocol version.
func (s *Server) Connections() *ConnectionManager {
	return s.connections
}

// writeLine marshals v to JSON, appends a newline, and writes it under the
// writer mutex as one atomic write_all+flush — the only way any byte leaves
// the process.
func (s *Server) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("acp: marshal outbound frame: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Serve runs the server until r reaches EOF or ctx is canceled. It reads
// lines sequentially on the calling goroutine, dispatching each request to
// handler in turn (no per-request spawn; requests execute one at a time),
// while a second goroutine drains handler.Updates() and
// writes them out as session/update notifications. Serve returns once both
// have stopped.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.w = w

	connID := s.connections.Open()
	defer s.connections.Close(connID)
	ctx = withConnectionID(ctx, connID)

	shutdown := make(chan struct{})
	var closeOnce sync.Once
	signalShutdown := func() { closeOnce.Do(func() { close(shutdown) }) }

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runNotificationLoop(ctx, shutdown)
	}()

	err := s.runRequestLoop(ctx, r)
	signalShutdown()
	wg.Wait()
	return err
}

func (s *Server) runRequestLoop(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatchLine(ctx, line)
	}
	return scanner.Err()
}

func (s *Server) dispatchLine(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		logging.Error().Err(err).Msg("acp: failed to parse request line")
		return
	}

	if connID, ok := ConnectionIDFromContext(ctx); ok {
		s.connections.Touch(connID)
	}

	if req.isNotification() {
		s.handler.HandleNotification(ctx, req.Method, req.Params)
		return
	}

	result, err := s.handler.HandleRequest(ctx, req.Method, req.Params)
	var resp *response
	if err != nil {
		code := CodeInternalError
		msg := err.Error()
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) {
			code = rpcErr.Code
			msg = rpcErr.Message
		}
		resp = errorResponse(req.ID, code, msg)
	} else {
		var merr error
		resp, merr = successResponse(req.ID, result)
		if merr != nil {
			resp = errorResponse(req.ID, CodeInternalError, merr.Error())
		}
	}

	if werr := s.writeLine(resp); werr != nil {
		logging.Error().Err(werr).Str("method", req.Method).Msg("acp: failed to write response")
	}
}

func asRPCError(err error, out **RPCError) bool {
	rpcErr, ok := err.(*RPCError)
	if ok {
		*out = rpcErr
	}
	return ok
}

func (s *Server) runNotificationLoop(ctx context.Context, shutdown <-chan struct{}) {
	updates := s.handler.Updates()
	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case n, ok := <-updates:
			if !ok {
				return
			}
			notif := newNotification("session/update", SessionUpdateParams{
				SessionID: n.SessionID,
				Update:    n.Update,
				Meta:      n.Meta,
			})
			if err := s.writeLine(notif); err != nil {
				logging.Error().Err(err).Msg("acp: failed to write notification")
				return
			}
		}
	}
}
