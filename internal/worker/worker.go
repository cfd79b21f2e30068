// Package worker implements the child-process side of the broker: a
// loopback TCP listener serving one JSON command at a time against an
// in-process engine bundle. The broker's rpc client opens a fresh
// connection per command, so the loop here is strictly sequential:
// accept, decode, dispatch, reply, close.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/zjrosen/orrery/internal/engine"
	"github.com/zjrosen/orrery/internal/log"
	"github.com/zjrosen/orrery/internal/rpc"
)

// ioTimeout bounds reading a request and writing its reply. The engine
// work in between runs without a deadline.
const ioTimeout = 10 * time.Second

// Server owns the listener, the dispatch table, and the engine bundle.
// It is single-threaded; nothing here needs a lock.
type Server struct {
	bundle   *engine.Bundle
	handlers map[string]handlerFunc
	ln       net.Listener
}

// New builds a server around the stock binary-system bundle.
func New() *Server {
	s := &Server{bundle: engine.DefaultBundle()}
	s.handlers = s.routes()
	return s
}

// Listen binds the loopback port. Port 0 picks a free one; Port reports
// the bound value.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("binding worker port %d: %w", port, err)
	}
	s.ln = ln
	return nil
}

// Port reports the bound port, 0 before Listen.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until ctx is cancelled or the listener
// closes. Each connection carries exactly one request.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("worker: Serve called before Listen")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	log.Info(log.CatWorker, "worker listening", "port", s.Port())
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Info(log.CatWorker, "worker stopped", "port", s.Port())
				return nil
			}
			return fmt.Errorf("accepting worker connection: %w", err)
		}
		s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
	var req rpc.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Warn(log.CatWorker, "malformed request", "error", err.Error())
		s.reply(conn, rpc.Reply{Success: false, Error: fmt.Sprintf("decoding request: %v", err)})
		return
	}

	started := time.Now()
	reply := s.dispatch(req)
	log.Debug(log.CatWorker, "command served",
		"command", req.Name,
		"success", reply.Success,
		"elapsed_ms", time.Since(started).Milliseconds())

	s.reply(conn, reply)
}

func (s *Server) reply(conn net.Conn, reply rpc.Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Warn(log.CatWorker, "writing reply failed", "error", err.Error())
	}
}

// dispatch runs one command. Handler errors become error envelopes;
// handler panics become error envelopes carrying the stack.
func (s *Server) dispatch(req rpc.Request) (reply rpc.Reply) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatWorker, "handler panicked", "command", req.Name, "panic", fmt.Sprint(r))
			reply = rpc.Reply{
				Success:   false,
				Error:     fmt.Sprint(r),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	handler, ok := s.handlers[req.Name]
	if !ok {
		return rpc.Reply{
			Success: false,
			Error:   fmt.Sprintf("API does not recognize command %s.", req.Name),
		}
	}

	result, err := handler(req.Args)
	if err != nil {
		return rpc.Reply{Success: false, Error: err.Error()}
	}

	raw, err := json.Marshal(Normalize(result))
	if err != nil {
		return rpc.Reply{Success: false, Error: fmt.Sprintf("serializing %s result: %v", req.Name, err)}
	}
	return rpc.Reply{Success: true, Result: raw}
}
