package wren

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	wrenio "github.com/lumamail/wren/io"
	"github.com/lumamail/wren/utils"
)

func (s *Server) handleHelo(sess *Session, hostname string) *Response {
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	if s.config.Callbacks.OnHelo != nil {
		if err := s.config.Callbacks.OnHelo(sess.Context(), sess, hostname); err != nil {
			return rejectionResponse(err, CodeMailboxNotFound)
		}
	}

	sess.setGreeting(hostname, "SMTP")

	ip, err := utils.GetIPFromAddr(sess.RemoteAddr)
	if err != nil {
		ip = net.IPv4zero
	}

	return &Response{
		Code:    CodeOK,
		Message: fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, ip.String(), sess.ID),
	}
}

func (s *Server) handleEhlo(sess *Session, hostname string) *Response {
	if hostname == "" {
		resp := ResponseSyntaxError("Hostname required")
		return &resp
	}

	if s.config.Callbacks.OnHelo != nil {
		if err := s.config.Callbacks.OnHelo(sess.Context(), sess, hostname); err != nil {
			return rejectionResponse(err, CodeMailboxNotFound)
		}
	}

	sess.setGreeting(hostname, "ESMTP")

	ip, err := utils.GetIPFromAddr(sess.RemoteAddr)
	if err != nil {
		ip = net.IPv4zero
	}

	lines := make([]string, 1, 8)
	lines[0] = fmt.Sprintf("%s Hello %s [%s]", s.config.Hostname, ip.String(), sess.ID)
	lines = append(lines, s.capabilities(sess)...)

	s.writeMultilineResponse(sess, CodeOK, lines)
	return nil
}

// capabilities lists the EHLO extension lines for this session, in a
// fixed order so clients and tests see a stable response.
func (s *Server) capabilities(sess *Session) []string {
	caps := []string{"PIPELINING", "8BITMIME", "SMTPUTF8"}

	if s.config.MaxMessageSize > 0 {
		caps = append(caps, "SIZE "+strconv.FormatInt(s.config.MaxMessageSize, 10))
	}

	if methods := s.offeredAuthMethods(sess); len(methods) > 0 {
		caps = append(caps, "AUTH "+strings.Join(methods, " "))
	}

	if s.config.TLSConfig != nil && !sess.Secure() && !s.config.HideSTARTTLS && !s.isDisabled(CmdStartTLS) {
		caps = append(caps, "STARTTLS")
	}

	caps = append(caps, s.config.ExtraExtensions...)
	return caps
}

// offeredAuthMethods returns the mechanisms to advertise: none unless
// an OnAuth callback exists and the transport is trusted (or insecure
// auth is explicitly allowed).
func (s *Server) offeredAuthMethods(sess *Session) []string {
	if s.config.Callbacks.OnAuth == nil || s.isDisabled(CmdAuth) {
		return nil
	}
	if !sess.Secure() && !s.config.AllowInsecureAuth {
		return nil
	}
	return s.config.AuthMethods
}

func (s *Server) handleMail(sess *Session, args string) *Response {
	if sess.State() < StateReady {
		resp := ResponseBadSequence("Send EHLO/HELO first")
		return &resp
	}
	if sess.senderSet {
		resp := ResponseBadSequence("Nested MAIL command")
		return &resp
	}

	from, err := parseMailFrom(args)
	if err != nil {
		resp := ResponseSyntaxError("Syntax: MAIL FROM:<address>")
		return &resp
	}

	// Non-ASCII addresses must announce SMTPUTF8 (RFC 6531).
	if utils.ContainsNonASCII(from.Address) {
		if _, ok := from.Args.Get("SMTPUTF8"); !ok {
			return &Response{
				Code:         CodeMailboxNameInvalid,
				EnhancedCode: string(ESCNonASCIINoSMTPUTF8),
				Message:      "Address contains non-ASCII characters but SMTPUTF8 not requested",
			}
		}
	}

	if sizeStr, ok := from.Args.Get("SIZE"); ok && sizeStr != "" {
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			resp := ResponseSyntaxError("Invalid SIZE parameter")
			return &resp
		}
		if s.config.MaxMessageSize > 0 && size > s.config.MaxMessageSize {
			resp := ResponseExceededStorage("Message too large")
			return &resp
		}
	}

	if s.config.Callbacks.OnMailFrom != nil {
		if err := s.config.Callbacks.OnMailFrom(sess.Context(), sess, from); err != nil {
			return rejectionResponse(err, CodeMailboxNotFound)
		}
	}

	sess.BeginTransaction(from)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCAddressValid),
		Message:      "Accepted",
	}
}

func (s *Server) handleRcpt(sess *Session, args string) *Response {
	if !sess.senderSet {
		resp := ResponseBadSequence("Send MAIL first")
		return &resp
	}

	// 452 is transient: the client may retry with fewer recipients.
	if s.config.MaxRecipients > 0 && sess.RecipientCount() >= s.config.MaxRecipients {
		return &Response{
			Code:         CodeInsufficientStorage,
			EnhancedCode: string(ESCTempTooManyRecipients),
			Message:      "Too many recipients",
		}
	}

	to, err := parseRcptTo(args)
	if err != nil {
		resp := ResponseSyntaxError("Syntax: RCPT TO:<address>")
		return &resp
	}

	if utils.ContainsNonASCII(to.Address) {
		if _, ok := sess.Envelope.MailFrom.Args.Get("SMTPUTF8"); !ok {
			return &Response{
				Code:         CodeMailboxNameInvalid,
				EnhancedCode: string(ESCNonASCIINoSMTPUTF8),
				Message:      "Address contains non-ASCII characters but SMTPUTF8 not requested",
			}
		}
	}

	if s.config.Callbacks.OnRcptTo != nil {
		if err := s.config.Callbacks.OnRcptTo(sess.Context(), sess, to); err != nil {
			return rejectionResponse(err, CodeMailboxNotFound)
		}
	}

	sess.AddRecipient(to)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCRecipientValid),
		Message:      "Accepted",
	}
}

// sizeLimitReader caps how much a message handler can pull from the
// stream. Once the limit is crossed it reports ErrMessageTooLarge and
// remembers that it did.
type sizeLimitReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *sizeLimitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrMessageTooLarge
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		l.exceeded = true
		return n, ErrMessageTooLarge
	}
	return n, err
}

func (s *Server) handleData(sess *Session, logger *slog.Logger) *Response {
	if !sess.senderSet {
		resp := ResponseBadSequence("Send MAIL first")
		return &resp
	}
	if sess.RecipientCount() == 0 {
		resp := ResponseBadSequence("Send RCPT first")
		return &resp
	}

	sess.SetState(StateDataReceiving)

	s.writeResponse(sess, Response{
		Code:    CodeStartMailInput,
		Message: "Start mail input; end with <CRLF>.<CRLF>",
	})

	if err := sess.conn.SetReadDeadline(time.Now().Add(s.config.SocketTimeout)); err != nil {
		resp := ResponseLocalError("Internal error")
		return &resp
	}

	dot := wrenio.NewDotReader(sess.reader)

	var content io.Reader = dot
	var limit *sizeLimitReader
	if s.config.MaxMessageSize > 0 {
		limit = &sizeLimitReader{r: dot, remaining: s.config.MaxMessageSize}
		content = limit
	}

	var handlerErr error
	if s.config.Callbacks.OnData != nil {
		handlerErr = s.config.Callbacks.OnData(sess.Context(), sess, content)
	}

	// The handler may have stopped reading early (or never read).
	// Consume through the terminator so the reply lands on a command
	// boundary.
	if err := dot.Drain(); err != nil {
		logger.Error("data read error", slog.Any("error", err))
		sess.ResetEnvelope()
		sess.SetState(StateClosing)
		return nil
	}

	if limit != nil && limit.exceeded {
		sess.ResetEnvelope()
		resp := ResponseExceededStorage("Message too large")
		return &resp
	}

	if handlerErr != nil {
		sess.ResetEnvelope()
		if errors.Is(handlerErr, ErrMessageTooLarge) {
			resp := ResponseExceededStorage("Message too large")
			return &resp
		}
		var smtpErr *SMTPError
		if errors.As(handlerErr, &smtpErr) {
			resp := smtpErr.Response()
			return &resp
		}
		resp := Response{
			Code:         CodeMailboxUnavailable,
			EnhancedCode: string(ESCTempFailure),
			Message:      handlerErr.Error(),
		}
		return &resp
	}

	env := sess.CompleteTransaction()

	logger.Info("message received",
		slog.String("from", env.MailFrom.String()),
		slog.Int("recipients", len(env.RcptTo)),
	)

	return &Response{
		Code:         CodeOK,
		EnhancedCode: string(ESCSuccess),
		Message:      "OK: message queued",
	}
}

func (s *Server) handleRset(sess *Session) *Response {
	if s.config.Callbacks.OnReset != nil {
		s.config.Callbacks.OnReset(sess.Context(), sess)
	}

	sess.ResetEnvelope()

	resp := ResponseOK("Flushed", string(ESCSuccess))
	return &resp
}

// handleVrfy always answers 252: address existence is never disclosed.
func (s *Server) handleVrfy(sess *Session, args string) *Response {
	if args == "" {
		resp := ResponseSyntaxError("Syntax: VRFY <address>")
		return &resp
	}

	return &Response{
		Code:         CodeCannotVRFY,
		EnhancedCode: string(ESCSuccess),
		Message:      "Cannot VRFY user, but will accept message and attempt delivery",
	}
}

func (s *Server) handleQuit(sess *Session) *Response {
	sess.SetState(StateClosing)
	resp := ResponseServiceClosing(s.config.Hostname, "Service closing transmission channel")
	return &resp
}

func (s *Server) handleStartTLS(sess *Session, logger *slog.Logger) *Response {
	if sess.State() < StateReady {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}
	if s.config.TLSConfig == nil {
		resp := ResponseCommandNotImplemented("STARTTLS")
		return &resp
	}
	if sess.Secure() {
		resp := ResponseBadSequence("TLS already active")
		return &resp
	}

	s.writeResponse(sess, Response{
		Code:         CodeServiceReady,
		EnhancedCode: string(ESCSuccess),
		Message:      "Ready to start TLS",
	})

	if err := sess.conn.SetDeadline(time.Now().Add(s.config.SocketTimeout)); err != nil {
		return nil
	}

	if err := sess.UpgradeToTLS(s.config.TLSConfig); err != nil {
		// The transport is broken mid-handshake; nothing sensible can
		// be written back.
		logger.Warn("STARTTLS handshake failed", slog.Any("error", err))
		sess.SetState(StateClosing)
		return nil
	}

	_ = sess.conn.SetDeadline(time.Time{})

	logger.Info("connection upgraded to TLS",
		slog.String("version", sess.TLS.VersionName()),
		slog.String("cipher", sess.TLS.CipherName()),
	)

	return nil
}

// rejectionResponse maps a callback error to a reply: an SMTPError
// picks its own code, anything else gets the fallback.
func rejectionResponse(err error, fallback SMTPCode) *Response {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		resp := smtpErr.Response()
		return &resp
	}
	return &Response{Code: fallback, Message: err.Error()}
}
