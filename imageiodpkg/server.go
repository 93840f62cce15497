package imageiodpkg

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ovirt/imageiod/logging"
	"github.com/ovirt/imageiod/ticketstore"
	"github.com/ovirt/imageiod/version"
)

// listenerName distinguishes the three listeners spec §6 calls for.
type listenerName string

const (
	listenerRemote  listenerName = "remote"
	listenerLocal   listenerName = "local"
	listenerControl listenerName = "control"
)

// Server owns the ticket store, the reaper goroutine, and the three
// HTTP listeners of §6: a TLS remote data listener, a plaintext local
// Unix-socket data listener, and a plaintext control listener. It
// mirrors the teacher's httpServer/httpServerWG pair
// (imgr/imgrpkg/http-server.go's startHTTPServer/stopHTTPServer), one
// pair per listener instead of one.
type Server struct {
	cfg   Config
	store *ticketstore.Store
	log   *logging.Logger
	stats *stats

	reaperCancel context.CancelFunc

	mu        sync.Mutex
	listeners map[listenerName]*http.Server
	wg        sync.WaitGroup
}

// New builds a Server bound to store; it does not start listening
// until Start is called.
func New(cfg Config, store *ticketstore.Store) (*Server, *logging.Logger, func() error, error) {
	log, closeLog, err := logging.New("imageiod", cfg.loggingConfig())
	if err != nil {
		return nil, nil, nil, err
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		log:       log,
		stats:     newStats(),
		listeners: make(map[listenerName]*http.Server),
	}, log, closeLog, nil
}

// Start launches the reaper and every configured listener. It returns
// once all listeners have successfully bound (mirrors
// startHTTPServer's up-check loop, done here by binding synchronously
// before serving in a goroutine, rather than polling GET /config).
func (s *Server) Start() error {
	reaperCtx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	interval := s.cfg.ReaperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go s.store.RunReaper(reaperCtx, interval)

	images := &imagesHandler{store: s.store, log: s.log.WithField("handler", "images"), stats: s.stats, localUnixSocket: s.cfg.LocalUnixSocket}
	tickets := &ticketsHandler{store: s.store, log: s.log.WithField("handler", "tickets"), stats: s.stats}

	if s.cfg.RemoteIPAddr != "" {
		tlsConfig, err := s.buildTLSConfig()
		if err != nil {
			return fmt.Errorf("imageiodpkg: building TLS config: %w", err)
		}
		addr := net.JoinHostPort(s.cfg.RemoteIPAddr, fmt.Sprintf("%d", s.cfg.RemotePort))
		ln, err := tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("imageiodpkg: listening on remote %s: %w", addr, err)
		}
		s.serve(listenerRemote, ln, images)
	}

	if s.cfg.LocalUnixSocket != "" {
		ln, err := listenUnix(s.cfg.LocalUnixSocket)
		if err != nil {
			return fmt.Errorf("imageiodpkg: listening on local socket %s: %w", s.cfg.LocalUnixSocket, err)
		}
		s.serve(listenerLocal, ln, images)
	}

	controlLn, err := s.controlListener()
	if err != nil {
		return fmt.Errorf("imageiodpkg: listening on control: %w", err)
	}
	s.serve(listenerControl, controlLn, tickets)

	return nil
}

func (s *Server) controlListener() (net.Listener, error) {
	if s.cfg.ControlUnixSocket != "" {
		return listenUnix(s.cfg.ControlUnixSocket)
	}
	addr := net.JoinHostPort(s.cfg.ControlTCPAddr, fmt.Sprintf("%d", s.cfg.ControlTCPPort))
	return net.Listen("tcp", addr)
}

// listenUnix removes any stale socket file left by an unclean prior
// shutdown before binding, the same cleanup every Unix-socket HTTP
// server in the ecosystem performs since bind(2) refuses to reuse an
// existing path.
func listenUnix(path string) (net.Listener, error) {
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

func (s *Server) serve(name listenerName, ln net.Listener, handler http.Handler) {
	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.listeners[name] = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			s.log.Errorf("%s listener exited unexpectedly: %v", name, err)
		}
	}()

	s.log.Infof("%s listener up on %s (%s)", name, ln.Addr(), version.String())
}

// Stop gracefully shuts down every listener and stops the reaper.
func (s *Server) Stop(ctx context.Context) error {
	if s.reaperCancel != nil {
		s.reaperCancel()
	}

	s.mu.Lock()
	listeners := make([]*http.Server, 0, len(s.listeners))
	for _, srv := range s.listeners {
		listeners = append(listeners, srv)
	}
	s.mu.Unlock()

	var firstErr error
	for _, srv := range listeners {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}

func (s *Server) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFilePath, s.cfg.TLSKeyFilePath)
	if err != nil {
		return nil, err
	}
	minVersion := uint16(tls.VersionTLS12)
	if s.cfg.TLSMinVersion11 {
		minVersion = tls.VersionTLS11
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}, nil
}
