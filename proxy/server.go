package proxy

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
)

// Server is the accept loop: one request per connection, one goroutine
// per connection, closed after the response.
type Server struct {
	Addr    string
	Handler *Handler
}

// ListenAndServe accepts until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Infof("Listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.Handler.ServeConn(conn)
	}
}
