// Package web provides the plumbing for Mailsink's RESTful API and
// websocket feed.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mailsink/mailsink/pkg/config"
	"github.com/mailsink/mailsink/pkg/message"
	"github.com/mailsink/mailsink/pkg/msgbus"
)

var (
	// bus holds a reference to the event pub/sub system
	bus     *msgbus.Bus
	manager message.Manager

	// Router is shared between the rest package and this one. It sends
	// incoming requests to the correct handler function
	Router = mux.NewRouter()

	rootConfig     *config.Root
	server         *http.Server
	listener       net.Listener
	globalShutdown chan bool
)

// Initialize sets up things for unit tests or the Start() method
func Initialize(
	conf *config.Root,
	shutdownChan chan bool,
	mm message.Manager,
	mb *msgbus.Bus) {

	rootConfig = conf
	globalShutdown = shutdownChan

	// NewContext() will use these for the web handlers.
	bus = mb
	manager = mm

	Router.NotFoundHandler = noMatchHandler(
		http.StatusNotFound, "No route matches URI path")
	Router.MethodNotAllowedHandler = noMatchHandler(
		http.StatusMethodNotAllowed, "Method not allowed for URI path")
}

// Start begins listening for HTTP requests
func Start(ctx context.Context) {
	server = &http.Server{
		Addr:         rootConfig.Web.Addr,
		Handler:      requestLoggingWrapper(Router),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	// We don't use ListenAndServe because it lacks a way to close the listener
	log.Info().Str("module", "web").Str("addr", rootConfig.Web.Addr).
		Msg("HTTP listening on tcp4")
	var err error
	listener, err = net.Listen("tcp4", rootConfig.Web.Addr)
	if err != nil {
		log.Error().Str("module", "web").Err(err).Msg("HTTP failed to start tcp4 listener")
		emergencyShutdown()
		return
	}

	// Listener go routine
	go serve(ctx)

	// Wait for shutdown
	<-ctx.Done()
	log.Debug().Str("module", "web").Str("phase", "shutdown").
		Msg("HTTP server shutting down on request")

	// Closing the listener will cause the serve() go routine to exit
	if err := listener.Close(); err != nil {
		log.Error().Str("module", "web").Err(err).Msg("Failed to close HTTP listener")
	}
}

// serve begins serving HTTP requests
func serve(ctx context.Context) {
	// server.Serve blocks until we close the listener
	err := server.Serve(listener)

	select {
	case <-ctx.Done():
		// Nop
	default:
		log.Error().Str("module", "web").Err(err).Msg("HTTP server failed")
		emergencyShutdown()
	}
}

func emergencyShutdown() {
	// Shutdown Mailsink
	select {
	case <-globalShutdown:
	default:
		close(globalShutdown)
	}
}
