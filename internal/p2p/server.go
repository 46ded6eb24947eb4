package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kunal-geeks/bisqp2p/internal/logging"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ServerOpts holds configuration for Server.
type ServerOpts struct {
	ListenAddr string // e.g. "127.0.0.1:9999" or ":0" for a random free port

	// OnIncoming receives every accepted stream. It runs on the accept
	// goroutine, so it must hand the stream off quickly.
	OnIncoming func(net.Conn)

	Logger *zap.Logger
}

// Server accepts inbound peer connections.
type Server struct {
	ServerOpts
	log *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a Server with the given options.
func NewServer(opts ServerOpts) *Server {
	return &Server{
		ServerOpts: opts,
		log:        logging.OrNop(opts.Logger).Named("server"),
	}
}

// Addr returns the listening address.
//
// If ListenAddr was ":0", after ListenAndAccept() this is the actual
// address chosen by the OS (e.g. "127.0.0.1:54321").
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ListenAddr
}

// ListenAndAccept starts listening on the configured address and launches
// the accept loop in a background goroutine.
func (s *Server) ListenAndAccept() error {
	ln, err := net.Listen("tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("Server.ListenAndAccept: listen %s: %w", s.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.ListenAddr = ln.Addr().String()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Close stops the listener and waits for the accept loop to exit. Accepted
// connections are owned by OnIncoming and are not touched.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("Server.Close: %w", cerr)
		}
	}
	s.wg.Wait()
	return err
}

// acceptLoop continuously accepts new connections until the listener is closed.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			// Errors such as EMFILE persist; back off instead of spinning.
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.log.Warn("accept error", zap.Error(err), zap.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		if s.OnIncoming == nil {
			_ = conn.Close()
			continue
		}
		s.OnIncoming(conn)
	}
}
