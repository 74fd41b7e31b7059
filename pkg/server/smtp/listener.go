package smtp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mailsink/mailsink/pkg/config"
	"github.com/mailsink/mailsink/pkg/message"
)

// Server holds the configuration and state of our SMTP server.
type Server struct {
	config         config.SMTP     // SMTP configuration.
	globalShutdown chan bool       // Shuts down Mailsink.
	manager        message.Manager // Used to deliver messages.
	listener       net.Listener    // Incoming network connections.
	tlsListener    net.Listener    // Incoming implicit TLS connections.
	wg             *sync.WaitGroup // Waitgroup tracks individual sessions.
	tlsConfig      *tls.Config     // TLS encryption configuration, immutable.
	notify         chan error      // Notify on fatal error.
	sessionCount   atomic.Int64    // Allocates session IDs across listeners.

	connectsTotal   atomic.Int64
	connectsCurrent atomic.Int64
	warnsTotal      atomic.Int64
	errorsTotal     atomic.Int64
}

// NewServer creates a new, unstarted, SMTP server instance with the
// specified config. tlsConfig enables STARTTLS and the implicit TLS
// listener when non-nil; it is shared by both and never mutated.
func NewServer(
	smtpConfig config.SMTP,
	globalShutdown chan bool,
	manager message.Manager,
	tlsConfig *tls.Config,
) *Server {
	return &Server{
		config:         smtpConfig,
		globalShutdown: globalShutdown,
		manager:        manager,
		wg:             new(sync.WaitGroup),
		tlsConfig:      tlsConfig,
		notify:         make(chan error, 1),
	}
}

// Start the listeners and handle incoming connections.
func (s *Server) Start(ctx context.Context) {
	slog := log.With().Str("module", "smtp").Str("phase", "startup").Logger()
	addr, err := net.ResolveTCPAddr("tcp4", s.config.Addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to build tcp4 address")
		s.emergencyShutdown()
		return
	}
	slog.Info().Str("addr", addr.String()).Msg("SMTP listening on tcp4")
	s.listener, err = net.ListenTCP("tcp4", addr)
	if err != nil {
		slog.Error().Err(err).Msg("Failed to start tcp4 listener")
		s.emergencyShutdown()
		return
	}
	// Listener go routine.
	go s.serve(ctx, s.listener)

	if s.tlsConfig != nil {
		tlsAddr, err := net.ResolveTCPAddr("tcp4", s.config.TLSAddr)
		if err != nil {
			slog.Error().Err(err).Msg("Failed to build tcp4 TLS address")
			s.emergencyShutdown()
			return
		}
		slog.Info().Str("addr", tlsAddr.String()).Msg("SMTP TLS listening on tcp4")
		tcpListener, err := net.ListenTCP("tcp4", tlsAddr)
		if err != nil {
			slog.Error().Err(err).Msg("Failed to start tcp4 TLS listener")
			s.emergencyShutdown()
			return
		}
		s.tlsListener = tls.NewListener(tcpListener, s.tlsConfig)
		go s.serve(ctx, s.tlsListener)
	}

	// Wait for shutdown.
	<-ctx.Done()
	slog = log.With().Str("module", "smtp").Str("phase", "shutdown").Logger()
	slog.Debug().Msg("SMTP shutdown requested, connections will be drained")
	// Closing the listeners will cause the serve() go routines to exit.
	if err := s.listener.Close(); err != nil {
		slog.Error().Err(err).Msg("Failed to close SMTP listener")
	}
	if s.tlsListener != nil {
		if err := s.tlsListener.Close(); err != nil {
			slog.Error().Err(err).Msg("Failed to close SMTP TLS listener")
		}
	}
}

// serve is the listen/accept loop.
func (s *Server) serve(ctx context.Context, listener net.Listener) {
	// Handle incoming connections.
	var tempDelay time.Duration
	for {
		if conn, err := listener.Accept(); err != nil {
			// There was an error accepting the connection.
			if nerr, ok := err.(net.Error); ok && nerr.Temporary() {
				// Temporary error, sleep for a bit and try again.
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				log.Error().Str("module", "smtp").Err(err).
					Msgf("SMTP accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			} else {
				// Permanent error.
				select {
				case <-ctx.Done():
					// SMTP is shutting down.
					return
				default:
					// Something went wrong.
					s.notify <- err
					close(s.notify)
					s.emergencyShutdown()
					return
				}
			}
		} else {
			tempDelay = 0
			sessionID := int(s.sessionCount.Add(1))
			go s.startSession(sessionID, conn, log.Logger)
		}
	}
}

func (s *Server) emergencyShutdown() {
	// Shutdown Mailsink.
	select {
	case <-s.globalShutdown:
	default:
		close(s.globalShutdown)
	}
}

// Drain causes the caller to block until all active SMTP sessions have finished
func (s *Server) Drain() {
	// Wait for sessions to close.
	s.wg.Wait()
	log.Debug().Str("module", "smtp").Str("phase", "shutdown").Msg("SMTP connections have drained")
}

// Notify allows the running SMTP server to be monitored for a fatal error.
func (s *Server) Notify() <-chan error {
	return s.notify
}

// ConnectionsCurrent reports the number of open SMTP sessions.
func (s *Server) ConnectionsCurrent() int64 {
	return s.connectsCurrent.Load()
}

// ConnectionsTotal reports the number of SMTP sessions accepted so far.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectsTotal.Load()
}

// WarnsTotal reports the number of session warnings logged so far.
func (s *Server) WarnsTotal() int64 {
	return s.warnsTotal.Load()
}

// ErrorsTotal reports the number of session errors logged so far.
func (s *Server) ErrorsTotal() int64 {
	return s.errorsTotal.Load()
}

// newSessionID allocates the opaque identifier linking a session's
// transcript to its log entries.
func newSessionID() string {
	return uuid.NewString()
}
