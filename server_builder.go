package wren

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/lumamail/wren/dns"
)

// HandlerFunc is the signature for builder-registered handlers.
// Returning an error rejects the command with an SMTP error reply; use
// NewSMTPError to control the reply code.
type HandlerFunc func(ctx *Context) error

// Middleware wraps handlers to add functionality.
type Middleware func(HandlerFunc) HandlerFunc

// AuthHandlerFunc authenticates a completed SASL exchange. Returning a
// non-nil user value authenticates the session.
type AuthHandlerFunc func(ctx context.Context, sess *Session, req AuthRequest) (user any, err error)

// Context provides request-scoped values and methods for builder
// handlers. One Context is built per event and discarded after the
// chain runs.
type Context struct {
	Session *Session

	// Hostname is the HELO/EHLO argument for greeting handlers.
	Hostname string
	// From is the sender for MAIL FROM handlers.
	From Address
	// To is the recipient for RCPT TO handlers.
	To Address
	// Reader streams message content for DATA handlers.
	Reader io.Reader

	Keys     map[string]any
	handlers []HandlerFunc
	index    int
}

// Set stores a value in the context for later retrieval.
func (c *Context) Set(key string, value any) {
	if c.Keys == nil {
		c.Keys = make(map[string]any)
	}
	c.Keys[key] = value
}

// Get retrieves a value from the context.
func (c *Context) Get(key string) (any, bool) {
	if c.Keys == nil {
		return nil, false
	}
	val, ok := c.Keys[key]
	return val, ok
}

// MustGet retrieves a value or panics if not found.
func (c *Context) MustGet(key string) any {
	val, ok := c.Get(key)
	if !ok {
		panic("Key \"" + key + "\" does not exist in context")
	}
	return val
}

// GetString retrieves a string value from the context.
func (c *Context) GetString(key string) string {
	if val, ok := c.Get(key); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// Next executes the next handler in the chain.
func (c *Context) Next() error {
	c.index++
	for c.index < len(c.handlers) {
		if err := c.handlers[c.index](c); err != nil {
			return err
		}
		c.index++
	}
	return nil
}

// Abort stops the handler chain execution.
func (c *Context) Abort() {
	c.index = len(c.handlers)
}

// RemoteAddr returns the client's remote address as a string.
func (c *Context) RemoteAddr() string {
	return c.Session.RemoteAddr.String()
}

// IsTLS reports whether the connection is encrypted.
func (c *Context) IsTLS() bool {
	return c.Session.Secure()
}

// IsAuthenticated reports whether the client is authenticated.
func (c *Context) IsAuthenticated() bool {
	return c.Session.IsAuthenticated()
}

// AuthIdentity returns the authenticated identity, or an empty string.
func (c *Context) AuthIdentity() string {
	identity, _ := c.Session.AuthIdentity()
	return identity
}

// ServerBuilder provides a fluent API for configuring a server.
type ServerBuilder struct {
	hostname          string
	logger            *slog.Logger
	tlsConfig         *tls.Config
	secure            bool
	hideSTARTTLS      bool
	allowInsecureAuth bool
	disabledCommands  []string
	authMethods       []string
	authHandler       AuthHandlerFunc
	maxClients        int
	maxRecipients     int
	maxMessageSize    int64
	maxLineLength     int
	socketTimeout     time.Duration
	closeTimeout      time.Duration
	earlyTalkerDelay  time.Duration
	extraExtensions   []string
	resolver          dns.Resolver

	onConnect    []HandlerFunc
	onDisconnect []HandlerFunc
	onHelo       []HandlerFunc
	onMailFrom   []HandlerFunc
	onRcptTo     []HandlerFunc
	onData       []HandlerFunc
	onReset      []HandlerFunc
	middleware   []Middleware
}

// New creates a new ServerBuilder for the given hostname.
func New(hostname string) *ServerBuilder {
	return &ServerBuilder{
		hostname:      hostname,
		maxLineLength: 512,
		socketTimeout: 60 * time.Second,
		closeTimeout:  30 * time.Second,
		logger:        slog.Default(),
	}
}

// Logger sets the structured logger for the server.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// TLS configures TLS and enables the STARTTLS extension.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.tlsConfig = config
	return b
}

// ImplicitTLS makes sessions start encrypted. TLS must also be
// configured with TLS().
func (b *ServerBuilder) ImplicitTLS() *ServerBuilder {
	b.secure = true
	return b
}

// HideSTARTTLS stops STARTTLS from being advertised in EHLO replies.
func (b *ServerBuilder) HideSTARTTLS() *ServerBuilder {
	b.hideSTARTTLS = true
	return b
}

// Auth configures the SASL mechanisms to offer and the handler that
// verifies credentials.
func (b *ServerBuilder) Auth(mechanisms []string, handler AuthHandlerFunc) *ServerBuilder {
	b.authMethods = mechanisms
	b.authHandler = handler
	return b
}

// AllowInsecureAuth permits AUTH on unencrypted sessions.
func (b *ServerBuilder) AllowInsecureAuth() *ServerBuilder {
	b.allowInsecureAuth = true
	return b
}

// DisableCommands rejects the named verbs with 502.
func (b *ServerBuilder) DisableCommands(commands ...string) *ServerBuilder {
	b.disabledCommands = append(b.disabledCommands, commands...)
	return b
}

// MaxMessageSize caps message content size and enables the SIZE
// extension.
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.maxMessageSize = size
	return b
}

// MaxRecipients caps recipients per transaction.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.maxRecipients = n
	return b
}

// MaxClients caps concurrent sessions.
func (b *ServerBuilder) MaxClients(n int) *ServerBuilder {
	b.maxClients = n
	return b
}

// MaxLineLength caps command line length including CRLF.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.maxLineLength = n
	return b
}

// SocketTimeout sets the per-read and per-write deadline.
func (b *ServerBuilder) SocketTimeout(d time.Duration) *ServerBuilder {
	b.socketTimeout = d
	return b
}

// CloseTimeout bounds how long Shutdown waits for active sessions.
func (b *ServerBuilder) CloseTimeout(d time.Duration) *ServerBuilder {
	b.closeTimeout = d
	return b
}

// EarlyTalkerDelay enables the pre-banner synchronization check.
func (b *ServerBuilder) EarlyTalkerDelay(d time.Duration) *ServerBuilder {
	b.earlyTalkerDelay = d
	return b
}

// ExtraExtensions appends capability lines to the EHLO response.
func (b *ServerBuilder) ExtraExtensions(lines ...string) *ServerBuilder {
	b.extraExtensions = append(b.extraExtensions, lines...)
	return b
}

// Resolver sets the DNS resolver used for trace header PTR lookups.
func (b *ServerBuilder) Resolver(r dns.Resolver) *ServerBuilder {
	b.resolver = r
	return b
}

// Use adds global middleware applied to all handlers.
func (b *ServerBuilder) Use(middleware ...Middleware) *ServerBuilder {
	b.middleware = append(b.middleware, middleware...)
	return b
}

// OnConnect adds handlers for new connections.
// Return an error to reject the connection.
func (b *ServerBuilder) OnConnect(handlers ...HandlerFunc) *ServerBuilder {
	b.onConnect = append(b.onConnect, handlers...)
	return b
}

// OnDisconnect adds handlers for session teardown.
func (b *ServerBuilder) OnDisconnect(handlers ...HandlerFunc) *ServerBuilder {
	b.onDisconnect = append(b.onDisconnect, handlers...)
	return b
}

// OnHelo adds handlers for HELO and EHLO. The client hostname is
// available via ctx.Hostname.
func (b *ServerBuilder) OnHelo(handlers ...HandlerFunc) *ServerBuilder {
	b.onHelo = append(b.onHelo, handlers...)
	return b
}

// OnMailFrom adds handlers for MAIL FROM. The sender is available via
// ctx.From.
func (b *ServerBuilder) OnMailFrom(handlers ...HandlerFunc) *ServerBuilder {
	b.onMailFrom = append(b.onMailFrom, handlers...)
	return b
}

// OnRcptTo adds handlers for each RCPT TO. The recipient is available
// via ctx.To.
func (b *ServerBuilder) OnRcptTo(handlers ...HandlerFunc) *ServerBuilder {
	b.onRcptTo = append(b.onRcptTo, handlers...)
	return b
}

// OnData adds handlers for message content. The stream is available
// via ctx.Reader.
func (b *ServerBuilder) OnData(handlers ...HandlerFunc) *ServerBuilder {
	b.onData = append(b.onData, handlers...)
	return b
}

// OnReset adds handlers for RSET.
func (b *ServerBuilder) OnReset(handlers ...HandlerFunc) *ServerBuilder {
	b.onReset = append(b.onReset, handlers...)
	return b
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	config := ServerConfig{
		Hostname:          b.hostname,
		Secure:            b.secure,
		TLSConfig:         b.tlsConfig,
		HideSTARTTLS:      b.hideSTARTTLS,
		DisabledCommands:  b.disabledCommands,
		AuthMethods:       b.authMethods,
		AllowInsecureAuth: b.allowInsecureAuth,
		MaxClients:        b.maxClients,
		MaxRecipients:     b.maxRecipients,
		MaxMessageSize:    b.maxMessageSize,
		MaxLineLength:     b.maxLineLength,
		SocketTimeout:     b.socketTimeout,
		CloseTimeout:      b.closeTimeout,
		EarlyTalkerDelay:  b.earlyTalkerDelay,
		ExtraExtensions:   b.extraExtensions,
		Resolver:          b.resolver,
		Logger:            b.logger,
		Callbacks:         b.buildCallbacks(),
	}

	return NewServer(config)
}

// Run builds the server and listens on addr.
func (b *ServerBuilder) Run(addr string) error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe(addr)
}

// buildCallbacks converts the handler chains into Callbacks.
func (b *ServerBuilder) buildCallbacks() *Callbacks {
	cb := &Callbacks{OnAuth: b.authHandler}

	wrap := func(handlers []HandlerFunc) []HandlerFunc {
		wrapped := make([]HandlerFunc, len(handlers))
		for i, h := range handlers {
			final := h
			for j := len(b.middleware) - 1; j >= 0; j-- {
				final = b.middleware[j](final)
			}
			wrapped[i] = final
		}
		return wrapped
	}

	if len(b.onConnect) > 0 {
		handlers := wrap(b.onConnect)
		cb.OnConnect = func(ctx context.Context, sess *Session) error {
			c := &Context{Session: sess, handlers: handlers, index: -1}
			return c.Next()
		}
	}

	if len(b.onDisconnect) > 0 {
		handlers := wrap(b.onDisconnect)
		cb.OnDisconnect = func(ctx context.Context, sess *Session) {
			c := &Context{Session: sess, handlers: handlers, index: -1}
			_ = c.Next()
		}
	}

	if len(b.onHelo) > 0 {
		handlers := wrap(b.onHelo)
		cb.OnHelo = func(ctx context.Context, sess *Session, hostname string) error {
			c := &Context{Session: sess, Hostname: hostname, handlers: handlers, index: -1}
			return c.Next()
		}
	}

	if len(b.onMailFrom) > 0 {
		handlers := wrap(b.onMailFrom)
		cb.OnMailFrom = func(ctx context.Context, sess *Session, from Address) error {
			c := &Context{Session: sess, From: from, handlers: handlers, index: -1}
			return c.Next()
		}
	}

	if len(b.onRcptTo) > 0 {
		handlers := wrap(b.onRcptTo)
		cb.OnRcptTo = func(ctx context.Context, sess *Session, to Address) error {
			c := &Context{Session: sess, To: to, handlers: handlers, index: -1}
			return c.Next()
		}
	}

	if len(b.onData) > 0 {
		handlers := wrap(b.onData)
		cb.OnData = func(ctx context.Context, sess *Session, r io.Reader) error {
			c := &Context{Session: sess, Reader: r, handlers: handlers, index: -1}
			return c.Next()
		}
	}

	if len(b.onReset) > 0 {
		handlers := wrap(b.onReset)
		cb.OnReset = func(ctx context.Context, sess *Session) {
			c := &Context{Session: sess, handlers: handlers, index: -1}
			_ = c.Next()
		}
	}

	return cb
}
