// Package admin serves an operator console over RESP, so the relay can be
// inspected with any redis client.
package admin

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/redcon"
)

type Server struct {
	addr     string
	handler  *Handler
	server   *redcon.Server
	listener net.Listener

	mu      sync.RWMutex
	stopped bool
	clients map[redcon.Conn]struct{}
}

func NewServer(addr string, h *Handler) *Server {
	return &Server{
		addr:    addr,
		handler: h,
		clients: make(map[redcon.Conn]struct{}),
	}
}

// Start listens and serves until Stop. It blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("admin console listening")

	srv := redcon.NewServer(s.addr,
		s.handleCommand,
		s.handleAccept,
		s.handleClose,
	)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	return srv.Serve(ln)
}

func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	log.Debug().Str("remote", conn.RemoteAddr()).Msg("admin client connected")
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()

	log.Debug().Str("remote", conn.RemoteAddr()).Msg("admin client disconnected")
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.Execute(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.Execute(ctx, conn, p.Args[0], p.Args[1:])
	}
}
