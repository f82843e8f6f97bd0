package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/c360/studymatch/errors"
)

// Server runs the gateway on its own HTTP listener
type Server struct {
	gateway *Gateway
	port    int

	mu     sync.Mutex // protects server field
	server *http.Server
}

// NewServer creates an HTTP server for the gateway
func NewServer(gateway *Gateway, port int) *Server {
	return &Server{
		gateway: gateway,
		port:    port,
	}
}

// Start begins serving; the error channel receives a listener failure, if any
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil, errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Server", "Start", "gateway server already running")
	}

	mux := http.NewServeMux()
	s.gateway.RegisterHandlers(mux)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- errors.WrapTransient(err, "Server", "Start", "serve gateway")
		}
		close(errCh)
	}()

	return errCh, nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown gateway server")
	}
	return nil
}
