package config

import (
	"crypto/tls"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	prefix      = "mailsink"
	tableFormat = `Mailsink is configured via the environment. The following environment
variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

var (
	// Version of this build, set by main
	Version = ""

	// BuildDate for this build, set by main
	BuildDate = ""
)

// Root wraps all other configurations.
type Root struct {
	LogLevel string `required:"true" default:"INFO" desc:"DEBUG, INFO, WARN, or ERROR"`
	SMTP     SMTP
	Web      Web
	Storage  Storage
}

// SMTP contains the SMTP server configuration.
type SMTP struct {
	Addr            string        `required:"true" default:"0.0.0.0:1025" desc:"SMTP server IP4 host:port"`
	TLSAddr         string        `required:"true" default:"0.0.0.0:1465" desc:"Implicit TLS SMTP host:port"`
	Domain          string        `required:"true" default:"mailsink" desc:"HELO domain"`
	MaxRecipients   int           `required:"true" default:"200" desc:"Maximum RCPT TO per message"`
	MaxIdle         time.Duration `required:"true" default:"300s" desc:"Idle network timeout"`
	MaxMessageBytes int           `required:"true" default:"10240000" desc:"Maximum message size"`
	TLSEnabled      bool          `required:"true" default:"false" desc:"Enable STARTTLS and implicit TLS"`
	TLSPrivKey      string        `required:"true" default:"cert.key" desc:"X509 Private Key file for TLS Support"`
	TLSCert         string        `required:"true" default:"cert.crt" desc:"X509 Public Certificate file for TLS Support"`
	TLSVerifyPeer   bool          `required:"true" default:"false" desc:"Verify the client certificate when one is presented"`
	Debug           bool          `ignored:"true"`
}

// Web contains the HTTP server configuration.
type Web struct {
	Addr     string `required:"true" default:"0.0.0.0:1080" desc:"Web server IP4 host:port"`
	BasePath string `desc:"Base path prefix for UI and API URLs"`
}

// Storage contains the mail store configuration.
type Storage struct {
	Persistent    bool   `required:"true" default:"false" desc:"Keep messages in a SQLite file instead of memory"`
	Path          string `desc:"SQLite database path, defaults to ~/.mailsink/mailsink.db"`
	MessagesLimit int    `required:"true" default:"0" desc:"Keep only the newest N messages, 0 disables"`
}

// Process loads and parses configuration from the environment.
func Process() (*Root, error) {
	c := &Root{}
	err := envconfig.Process(prefix, c)
	return c, err
}

// LoadTLSConfig builds the TLS configuration shared by the STARTTLS upgrade
// and the implicit TLS listener. Returns nil when TLS is disabled.
func (s SMTP) LoadTLSConfig() (*tls.Config, error) {
	if !s.TLSEnabled {
		return nil, nil
	}
	if s.TLSCert == "" || s.TLSPrivKey == "" {
		return nil, errors.New("TLS enabled, but certificate or private key file not configured")
	}
	cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSPrivKey)
	if err != nil {
		return nil, errors.Wrapf(err, "loading X509 key pair (%q, %q)", s.TLSCert, s.TLSPrivKey)
	}
	c := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if s.TLSVerifyPeer {
		c.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return c, nil
}

// Usage prints out the envconfig usage to Stderr.
func Usage() {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Root{}, tabs, tableFormat); err != nil {
		log.Fatalf("Unable to parse env config: %v", err)
	}
	tabs.Flush()
}
