package wren

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumamail/wren/dns"
	wrenio "github.com/lumamail/wren/io"
)

// Server is an SMTP server that handles concurrent sessions.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// sessions tracks active sessions
	sessMu    sync.Mutex
	sessions  map[*Session]struct{}
	sessCount atomic.Int64

	// shutdown coordination
	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

type Command string

const (
	// SMTP command constants
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdExpn     Command = "EXPN"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
	CmdHelp     Command = "HELP"
)

// A session that keeps issuing commands without authenticating, or
// keeps sending garbage, is cut off after this many.
const (
	maxUnauthenticatedCommands = 10
	maxUnrecognizedCommands    = 10
)

// httpVerbs are request methods that indicate a confused HTTP client
// (or a proxy probe) talking to the SMTP port.
var httpVerbs = map[string]bool{
	"GET": true, "POST": true, "HEAD": true, "PUT": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true,
	"TRACE": true, "PATCH": true,
}

// NewServer creates a new SMTP server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}

	// Apply defaults
	if config.MaxLineLength == 0 {
		config.MaxLineLength = 512
	}
	if config.SocketTimeout == 0 {
		config.SocketTimeout = 60 * time.Second
	}
	if config.CloseTimeout == 0 {
		config.CloseTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Callbacks == nil {
		config.Callbacks = &Callbacks{}
	}
	if config.AuthMethods == nil && config.Callbacks.OnAuth != nil {
		config.AuthMethods = []string{"PLAIN", "LOGIN"}
	}
	if config.Secure && config.TLSConfig == nil {
		return nil, errors.New("smtp: Secure requires a TLS config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   config,
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// ListenAndServe starts the SMTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	if s.config.Secure {
		listener, err := tls.Listen("tcp", addr, s.config.TLSConfig)
		if err != nil {
			return fmt.Errorf("smtp: failed to listen TLS: %w", err)
		}
		return s.Serve(listener)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	s.config.Logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		if s.config.MaxClients > 0 && s.sessCount.Load() >= int64(s.config.MaxClients) {
			s.config.Logger.Warn("client limit reached",
				slog.String("remote", conn.RemoteAddr().String()),
			)
			s.rejectConnection(conn)
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// rejectConnection turns away a connection over the client limit with
// a 421 before closing, per RFC 5321 section 4.3.2.
func (s *Server) rejectConnection(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	resp := ResponseServiceUnavailable(s.config.Hostname, "Too many connected clients, try again later")
	_, _ = io.WriteString(conn, resp.String()+"\r\n")
	_ = conn.Close()
}

// Shutdown gracefully shuts down the server: the listener closes
// immediately, active sessions get a 421 on their next command, and
// the call blocks until they finish or the context (bounded by
// CloseTimeout when it has no deadline) runs out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CloseTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.sendShutdownResponse()
		s.cancel()
		s.sessMu.Lock()
		for sess := range s.sessions {
			_ = sess.Close()
		}
		s.sessMu.Unlock()
		return ctx.Err()
	}
}

// Close immediately closes the server and all sessions.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	s.sessMu.Lock()
	for sess := range s.sessions {
		_ = sess.Close()
	}
	s.sessMu.Unlock()

	return nil
}

// sendShutdownResponse sends a 421 to every connected client before
// closing, per RFC 5321.
func (s *Server) sendShutdownResponse() {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	for sess := range s.sessions {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		resp := ResponseServiceUnavailable(s.config.Hostname, "Service shutting down")
		_, _ = sess.writer.WriteString(resp.String() + "\r\n")
		_ = sess.writer.Flush()
		_ = sess.conn.Close()
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	sess := NewSession(s.ctx, netConn, s.config.Hostname, 1024)

	// Implicit TLS listener: record the handshake state up front.
	if tlsConn, ok := netConn.(*tls.Conn); ok {
		_ = netConn.SetDeadline(time.Now().Add(s.config.SocketTimeout))
		if err := tlsConn.HandshakeContext(sess.Context()); err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("remote", netConn.RemoteAddr().String()),
				slog.Any("error", err),
			)
			_ = netConn.Close()
			return
		}
		_ = netConn.SetDeadline(time.Time{})
		state := tlsConn.ConnectionState()
		sess.TLS = TLSInfo{
			Enabled:            true,
			Version:            state.Version,
			CipherSuite:        state.CipherSuite,
			ServerName:         state.ServerName,
			NegotiatedProtocol: state.NegotiatedProtocol,
		}
	}

	s.sessMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()
	s.sessCount.Add(1)

	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, sess)
		s.sessMu.Unlock()
		s.sessCount.Add(-1)
		_ = sess.Close()

		if s.config.Callbacks.OnDisconnect != nil {
			s.config.Callbacks.OnDisconnect(sess.Context(), sess)
		}
	}()

	logger := s.config.Logger.With(
		slog.String("session_id", sess.ID),
		slog.String("remote", sess.RemoteAddr.String()),
	)

	logger.Info("client connected")

	if s.config.Callbacks.OnConnect != nil {
		if err := s.config.Callbacks.OnConnect(sess.Context(), sess); err != nil {
			logger.Warn("connection rejected", slog.Any("error", err))
			s.writeResponse(sess, Response{
				Code:    CodeTransactionFailed,
				Message: "Connection rejected",
			})
			return
		}
	}

	// Clients that talk before the banner are almost always spambots.
	if s.config.EarlyTalkerDelay > 0 && !s.earlyTalkerCheck(sess, logger) {
		return
	}

	s.resolvePTR(sess, logger)

	s.writeResponse(sess, Response{
		Code:    CodeServiceReady,
		Message: fmt.Sprintf("%s ESMTP ready", s.config.Hostname),
	})

	s.commandLoop(sess, logger)

	logger.Info("client disconnected",
		slog.Int64("commands", sess.commandCount),
		slog.Int64("transactions", sess.TransactionCount()),
	)
}

// earlyTalkerCheck watches the socket for EarlyTalkerDelay before the
// banner. Returns false when the client jumped the gun and the session
// was terminated.
func (s *Server) earlyTalkerCheck(sess *Session, logger *slog.Logger) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.config.EarlyTalkerDelay))
	_, err := sess.reader.Peek(1)
	_ = sess.conn.SetReadDeadline(time.Time{})

	if err == nil {
		// Data arrived before the greeting went out.
		logger.Warn("early talker rejected")
		s.writeResponse(sess, Response{
			Code:    CodeTransactionFailed,
			Message: "SMTP synchronization error",
		})
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}

// resolvePTR performs a best-effort reverse DNS lookup for trace
// headers. Failures are logged and ignored.
func (s *Server) resolvePTR(sess *Session, logger *slog.Logger) {
	if s.config.Resolver == nil {
		return
	}

	ctx, cancel := context.WithTimeout(sess.Context(), 5*time.Second)
	defer cancel()

	name, err := dns.PTRName(ctx, s.config.Resolver, sess.RemoteAddr)
	if err != nil {
		logger.Debug("reverse DNS lookup failed", slog.Any("error", err))
		return
	}
	sess.PTRHostname = name
}

// commandLoop processes commands from the client.
func (s *Server) commandLoop(sess *Session, logger *slog.Logger) {
	firstCommand := true

	for {
		select {
		case <-sess.Context().Done():
			return
		default:
		}

		if err := sess.conn.SetReadDeadline(time.Now().Add(s.config.SocketTimeout)); err != nil {
			return
		}

		line, err := wrenio.ReadLine(sess.reader, s.config.MaxLineLength, false)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.writeResponse(sess, Response{
					Code:    CodeServiceUnavailable,
					Message: "Timeout waiting for command",
				})
				return
			}
			if errors.Is(err, wrenio.ErrLineTooLong) {
				s.writeResponse(sess, Response{
					Code:    CodeCommandUnrecognized,
					Message: "Line too long",
				})
				continue
			}
			logger.Error("read error", slog.Any("error", err))
			return
		}

		// A draining server answers the next command with 421 rather
		// than cutting the socket mid-transaction.
		if s.closed.Load() {
			s.writeResponse(sess, ResponseServiceUnavailable(s.config.Hostname, "Server shutting down"))
			return
		}

		sess.noteCommand()

		if firstCommand {
			firstCommand = false
			if verb, _, _ := strings.Cut(line, " "); httpVerbs[strings.ToUpper(verb)] {
				logger.Warn("HTTP request on SMTP port", slog.String("verb", verb))
				s.writeResponse(sess, Response{
					Code:    CodeTransactionFailed,
					Message: "HTTP requests not allowed on this port",
				})
				return
			}
		}

		cmd, args, err := parseCommand(line)
		if err != nil {
			if sess.noteUnrecognized() >= maxUnrecognizedCommands {
				s.writeResponse(sess, ResponseServiceUnavailable(s.config.Hostname, "Too many unrecognized commands"))
				return
			}
			verb, _, _ := strings.Cut(line, " ")
			s.writeResponse(sess, ResponseCommandNotRecognized(verb))
			continue
		}

		if s.isDisabled(cmd) {
			s.writeResponse(sess, ResponseCommandNotImplemented(string(cmd)))
			continue
		}

		// When authentication is on offer, cap how long a client can
		// go without using it.
		if s.config.Callbacks.OnAuth != nil && !sess.IsAuthenticated() {
			if sess.noteUnauthenticated() >= maxUnauthenticatedCommands {
				s.writeResponse(sess, ResponseServiceUnavailable(s.config.Hostname, "Too many unauthenticated commands"))
				return
			}
		}

		logger.Debug("command received", slog.String("cmd", string(cmd)), slog.String("args", args))

		response := s.handleCommand(sess, cmd, args, logger)
		if response != nil {
			s.writeResponse(sess, *response)
		}

		if sess.State() == StateClosing {
			return
		}
	}
}

// isDisabled reports whether the verb is in DisabledCommands.
func (s *Server) isDisabled(cmd Command) bool {
	for _, d := range s.config.DisabledCommands {
		if strings.EqualFold(d, string(cmd)) {
			return true
		}
	}
	return false
}

// handleCommand processes a single SMTP command.
func (s *Server) handleCommand(sess *Session, cmd Command, args string, logger *slog.Logger) *Response {
	switch cmd {
	case CmdHelo:
		return s.handleHelo(sess, args)
	case CmdEhlo:
		return s.handleEhlo(sess, args)
	case CmdMail:
		return s.handleMail(sess, args)
	case CmdRcpt:
		return s.handleRcpt(sess, args)
	case CmdData:
		return s.handleData(sess, logger)
	case CmdRset:
		return s.handleRset(sess)
	case CmdVrfy:
		return s.handleVrfy(sess, args)
	case CmdExpn:
		return &Response{Code: CodeCommandNotImplemented, Message: "EXPN not implemented"}
	case CmdHelp:
		return &Response{Code: CodeHelpMessage, Message: "Commands: HELO EHLO MAIL RCPT DATA RSET NOOP VRFY QUIT"}
	case CmdNoop:
		return &Response{Code: CodeOK, Message: "OK"}
	case CmdQuit:
		return s.handleQuit(sess)
	case CmdStartTLS:
		return s.handleStartTLS(sess, logger)
	case CmdAuth:
		return s.handleAuth(sess, args)
	default:
		r := ResponseCommandNotRecognized(string(cmd))
		return &r
	}
}

// writeResponse sends a single response to the client.
func (s *Server) writeResponse(sess *Session, resp Response) {
	if err := sess.conn.SetWriteDeadline(time.Now().Add(s.config.SocketTimeout)); err != nil {
		return
	}

	line := resp.String() + "\r\n"
	if _, err := sess.writer.WriteString(line); err != nil {
		return
	}
	_ = sess.writer.Flush()
}

// writeMultilineResponse sends a multiline response.
func (s *Server) writeMultilineResponse(sess *Session, code SMTPCode, lines []string) {
	if err := sess.conn.SetWriteDeadline(time.Now().Add(s.config.SocketTimeout)); err != nil {
		return
	}

	for i, line := range lines {
		var formatted string
		if i < len(lines)-1 {
			formatted = fmt.Sprintf("%d-%s\r\n", code, line)
		} else {
			formatted = fmt.Sprintf("%d %s\r\n", code, line)
		}
		if _, err := sess.writer.WriteString(formatted); err != nil {
			return
		}
	}
	_ = sess.writer.Flush()
}
