// Package server wires the Mailsink services together.
package server

import (
	"context"
	"strings"

	"github.com/mailsink/mailsink/pkg/config"
	"github.com/mailsink/mailsink/pkg/message"
	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/rest"
	"github.com/mailsink/mailsink/pkg/server/smtp"
	"github.com/mailsink/mailsink/pkg/server/web"
	"github.com/mailsink/mailsink/pkg/storage"
	"github.com/mailsink/mailsink/pkg/storage/sqlite"
)

// Services holds the configured and started services.
type Services struct {
	Bus        *msgbus.Bus
	SMTPServer *smtp.Server
	Store      storage.Store
}

// Prod wires up the production Mailsink environment.
func Prod(rootCtx context.Context, shutdownChan chan bool, conf *config.Root) (*Services, error) {
	// Configure storage.
	store, err := sqlite.New(conf.Storage)
	if err != nil {
		return nil, err
	}

	bus := msgbus.New()
	go bus.Start(rootCtx)
	mmanager := &message.StoreManager{
		Store:         store,
		Bus:           bus,
		MessagesLimit: conf.Storage.MessagesLimit,
	}

	// A bad TLS configuration is fatal at startup, not at first use.
	tlsConfig, err := conf.SMTP.LoadTLSConfig()
	if err != nil {
		return nil, err
	}

	// Configure routes and start HTTP server.
	prefix := makePathPrefixer(conf.Web.BasePath)
	rest.SetupRoutes(web.Router.PathPrefix(prefix("/")).Subrouter())
	web.Initialize(conf, shutdownChan, mmanager, bus)
	go web.Start(rootCtx)

	// Start SMTP server.
	smtpServer := smtp.NewServer(conf.SMTP, shutdownChan, mmanager, tlsConfig)
	go smtpServer.Start(rootCtx)

	return &Services{
		Bus:        bus,
		SMTPServer: smtpServer,
		Store:      store,
	}, nil
}

// makePathPrefixer returns a func that prepends the configured base path to
// route paths.
func makePathPrefixer(basePath string) func(string) string {
	prefix := strings.Trim(basePath, "/")
	if prefix != "" {
		prefix = "/" + prefix
	}
	return func(path string) string {
		return prefix + path
	}
}
