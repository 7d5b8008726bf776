package wren

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/lumamail/wren/dns"
)

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via wren.New().
type ServerConfig struct {
	// Hostname is the name announced in the banner and trace headers.
	Hostname string

	// Secure marks the listener as implicit-TLS: sessions start
	// encrypted and STARTTLS is never offered.
	Secure bool

	// TLSConfig enables STARTTLS (or implicit TLS with Secure).
	TLSConfig *tls.Config

	// HideSTARTTLS stops STARTTLS from being advertised even when TLS
	// is configured. The command still works if a client tries it.
	HideSTARTTLS bool

	// DisabledCommands lists verbs to reject with 502, e.g. "AUTH".
	DisabledCommands []string

	// AuthMethods lists the SASL mechanisms to offer. Empty means
	// PLAIN and LOGIN when an OnAuth callback is set.
	AuthMethods []string

	// AllowInsecureAuth permits AUTH on unencrypted sessions.
	AllowInsecureAuth bool

	// MaxClients caps concurrent sessions. Excess connections get a
	// 421 and are closed. Zero means unlimited.
	MaxClients int

	// MaxRecipients caps RCPT TO commands per transaction.
	// Zero means unlimited.
	MaxRecipients int

	// MaxMessageSize caps message content size and is advertised via
	// the SIZE extension. Zero means unlimited and SIZE is not
	// advertised.
	MaxMessageSize int64

	// MaxLineLength caps command lines, including CRLF. Defaults to
	// 512 per RFC 5321.
	MaxLineLength int

	// SocketTimeout is the per-read and per-write deadline.
	SocketTimeout time.Duration

	// CloseTimeout bounds how long Shutdown waits for active sessions.
	CloseTimeout time.Duration

	// EarlyTalkerDelay is how long to watch for clients that send
	// before the banner. Zero disables the check.
	EarlyTalkerDelay time.Duration

	// ExtraExtensions is appended verbatim to the EHLO response.
	ExtraExtensions []string

	// Resolver performs the reverse DNS lookup for trace headers.
	// Nil disables the lookup.
	Resolver dns.Resolver

	Logger    *slog.Logger
	Callbacks *Callbacks
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxLineLength: 512,
		SocketTimeout: 60 * time.Second,
		CloseTimeout:  30 * time.Second,
		Logger:        slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port
// 587): TLS-gated AUTH with PLAIN and LOGIN.
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.AuthMethods = []string{"PLAIN", "LOGIN"}
	return config
}

// AuthRequest carries what a SASL exchange extracted from the client.
// Password mechanisms fill Username and Password; XOAUTH2 fills
// Username and AccessToken.
type AuthRequest struct {
	Method      string
	Username    string
	Password    string
	AccessToken string
}

// Callbacks defines event handlers for SMTP server events.
// All callbacks are optional. Return an error to reject the action.
type Callbacks struct {
	// OnConnect is called after accept, before the banner. Return an
	// error to reject with 554 and close.
	OnConnect func(ctx context.Context, sess *Session) error

	// OnDisconnect is called when the session ends.
	OnDisconnect func(ctx context.Context, sess *Session)

	// OnHelo is called for HELO and EHLO with the client's hostname
	// argument. Return an error to reject the greeting.
	OnHelo func(ctx context.Context, sess *Session, hostname string) error

	// OnAuth is called when a SASL exchange completes. Returning a
	// non-nil user value with a nil error authenticates the session;
	// the value is available via Session.User. Enables the AUTH
	// extension.
	OnAuth func(ctx context.Context, sess *Session, req AuthRequest) (user any, err error)

	// OnMailFrom is called when MAIL FROM is received. Return an
	// error to reject the sender.
	OnMailFrom func(ctx context.Context, sess *Session, from Address) error

	// OnRcptTo is called for each RCPT TO. Return an error to reject
	// the recipient.
	OnRcptTo func(ctx context.Context, sess *Session, to Address) error

	// OnData receives the message content as a stream. The reader
	// performs dot-unstuffing and returns io.EOF at the terminator.
	// The handler may stop reading early; the server drains the rest.
	// Return nil to accept the message, an error to reject it.
	OnData func(ctx context.Context, sess *Session, r io.Reader) error

	// OnReset is called when RSET is received.
	OnReset func(ctx context.Context, sess *Session)
}
