package wren

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lumamail/wren/utils"
)

// SessionState tracks where a session is in the SMTP dialogue.
type SessionState int

const (
	// StateGreetingSent means the banner went out and no HELO/EHLO has
	// been accepted yet. STARTTLS returns the session here.
	StateGreetingSent SessionState = iota
	// StateReady means HELO/EHLO has been accepted.
	StateReady
	// StateMailAccepted means a MAIL FROM has opened a transaction.
	StateMailAccepted
	// StateDataReceiving means message content is being streamed.
	StateDataReceiving
	// StateAuthPlain means a PLAIN exchange awaits the client response.
	StateAuthPlain
	// StateAuthLoginUser means a LOGIN exchange awaits the username.
	StateAuthLoginUser
	// StateAuthLoginPass means a LOGIN exchange awaits the password.
	StateAuthLoginPass
	// StateAuthXOAuth2 means an XOAUTH2 exchange awaits the token line.
	StateAuthXOAuth2
	// StateClosing means the session is ending (QUIT or forced close).
	StateClosing
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateGreetingSent:
		return "GREETING_SENT"
	case StateReady:
		return "READY"
	case StateMailAccepted:
		return "MAIL_ACCEPTED"
	case StateDataReceiving:
		return "DATA_RECEIVING"
	case StateAuthPlain:
		return "AUTH_PLAIN"
	case StateAuthLoginUser:
		return "AUTH_LOGIN_USER"
	case StateAuthLoginPass:
		return "AUTH_LOGIN_PASS"
	case StateAuthXOAuth2:
		return "AUTH_XOAUTH2"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// TLSInfo describes the negotiated TLS parameters of a session.
type TLSInfo struct {
	Enabled            bool
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	NegotiatedProtocol string
	PeerCertificates   [][]byte
}

// VersionName returns the protocol version as text, e.g. "TLS12".
func (t TLSInfo) VersionName() string {
	if !t.Enabled {
		return ""
	}
	return utils.TLSVersionString(tls.ConnectionState{Version: t.Version, CipherSuite: t.CipherSuite})
}

// CipherName returns the cipher suite as text.
func (t TLSInfo) CipherName() string {
	if !t.Enabled {
		return ""
	}
	return utils.TLSCipherString(tls.ConnectionState{Version: t.Version, CipherSuite: t.CipherSuite})
}

// Session is the per-connection protocol state. One goroutine owns the
// dialogue; the mutex guards fields read from callbacks and from
// Shutdown.
type Session struct {
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.RWMutex
	state  SessionState

	// ID is a ULID assigned at accept time.
	ID          string
	RemoteAddr  net.Addr
	LocalAddr   net.Addr
	ConnectedAt time.Time

	// ClientHostname is the argument of the last accepted HELO/EHLO.
	ClientHostname string
	// Protocol is "SMTP" after HELO, "ESMTP" after EHLO.
	Protocol string
	// PTRHostname is the reverse DNS name of the peer, if resolved.
	PTRHostname string

	TLS TLSInfo

	// Envelope accumulates the current mail transaction.
	Envelope  Envelope
	senderSet bool

	user           any
	authMechanism  string
	authIdentity   string

	unauthCommands       int
	unrecognizedCommands int
	commandCount         int64
	transactionCount     int64
	lastActivity         time.Time

	serverHostname string
	closedChan     chan struct{}
	closed         bool
}

// NewSession wraps an accepted connection. The context is the server's
// run context; cancelling it unblocks pending reads via Close.
func NewSession(ctx context.Context, conn net.Conn, serverHostname string, bufSize int) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	return &Session{
		conn:           conn,
		ctx:            sessCtx,
		cancel:         cancel,
		reader:         bufio.NewReaderSize(conn, bufSize),
		writer:         bufio.NewWriterSize(conn, bufSize),
		state:          StateGreetingSent,
		ID:             utils.GenerateSessionID(),
		RemoteAddr:     conn.RemoteAddr(),
		LocalAddr:      conn.LocalAddr(),
		ConnectedAt:    now,
		lastActivity:   now,
		serverHostname: serverHostname,
		closedChan:     make(chan struct{}),
	}
}

func (s *Session) Context() context.Context {
	return s.ctx
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState sets the session state.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Secure reports whether the transport is encrypted.
func (s *Session) Secure() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.TLS.Enabled
}

// User returns the value the OnAuth callback produced, or nil when the
// session is unauthenticated.
func (s *Session) User() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// IsAuthenticated reports whether OnAuth accepted the session.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// AuthIdentity returns the authenticated identity and mechanism.
func (s *Session) AuthIdentity() (identity, mechanism string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authIdentity, s.authMechanism
}

func (s *Session) setUser(user any, identity, mechanism string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.authIdentity = identity
	s.authMechanism = mechanism
}

// setGreeting records an accepted HELO/EHLO and resets the envelope,
// since a new greeting aborts any open transaction.
func (s *Session) setGreeting(hostname, protocol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClientHostname = hostname
	s.Protocol = protocol
	s.Envelope.Reset()
	s.senderSet = false
	s.state = StateReady
}

// BeginTransaction records an accepted MAIL FROM.
func (s *Session) BeginTransaction(from Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Envelope.Reset()
	s.Envelope.MailFrom = from
	s.senderSet = true
	s.state = StateMailAccepted
}

// AddRecipient records an accepted RCPT TO.
func (s *Session) AddRecipient(to Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Envelope.AddRecipient(to)
}

// RecipientCount returns the number of accepted recipients.
func (s *Session) RecipientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Envelope.RcptTo)
}

// ResetEnvelope aborts the current transaction (RSET, or a rejected
// message). The greeting survives.
func (s *Session) ResetEnvelope() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Envelope.Reset()
	s.senderSet = false
	if s.state == StateMailAccepted || s.state == StateDataReceiving {
		s.state = StateReady
	}
}

// CompleteTransaction finalizes an accepted message and returns a
// snapshot of its envelope.
func (s *Session) CompleteTransaction() Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := s.Envelope
	s.Envelope = Envelope{}
	s.senderSet = false
	s.state = StateReady
	s.transactionCount++
	return env
}

// noteCommand bumps activity counters. Returns the total command count.
func (s *Session) noteCommand() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.commandCount++
	return s.commandCount
}

// noteUnauthenticated counts a command accepted before authentication.
// Returns the running total.
func (s *Session) noteUnauthenticated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthCommands++
	return s.unauthCommands
}

// noteUnrecognized counts a command the server did not understand.
// Returns the running total.
func (s *Session) noteUnrecognized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unrecognizedCommands++
	return s.unrecognizedCommands
}

// TransactionCount returns the number of completed transactions.
func (s *Session) TransactionCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionCount
}

// Close closes the session and releases resources.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.state = StateClosing
	s.cancel()
	close(s.closedChan)

	_ = s.writer.Flush()

	return s.conn.Close()
}

// Done returns a channel closed when the session is terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closedChan
}

// UpgradeToTLS performs the STARTTLS handshake in place. On success
// the session returns to the pre-greeting state per RFC 3207: the
// client hostname, envelope, and negotiated protocol are discarded.
func (s *Session) UpgradeToTLS(config *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tlsConn := tls.Server(s.conn, config)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		return err
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)

	state := tlsConn.ConnectionState()
	s.TLS = TLSInfo{
		Enabled:            true,
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		ServerName:         state.ServerName,
		NegotiatedProtocol: state.NegotiatedProtocol,
	}
	for _, cert := range state.PeerCertificates {
		s.TLS.PeerCertificates = append(s.TLS.PeerCertificates, cert.Raw)
	}

	s.ClientHostname = ""
	s.Protocol = ""
	s.Envelope.Reset()
	s.senderSet = false
	s.state = StateGreetingSent

	return nil
}

// protocolName derives the WITH clause value for trace headers per
// RFC 3848: SMTP, ESMTP, plus S for TLS and A for authentication.
func (s *Session) protocolName() string {
	protocol := s.Protocol
	if protocol == "" {
		protocol = "SMTP"
	}
	if protocol == "ESMTP" {
		if s.TLS.Enabled {
			protocol = "ESMTPS"
		}
		if s.user != nil {
			protocol += "A"
		}
	}
	return protocol
}

// ReceivedHeader renders an RFC 5321 trace header for the session's
// current transaction.
func (s *Session) ReceivedHeader() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ip := s.RemoteAddr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	heloName := s.ClientHostname
	if heloName == "" {
		heloName = "[" + ip + "]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Received: from %s (", heloName)
	if s.PTRHostname != "" {
		fmt.Fprintf(&b, "%s ", s.PTRHostname)
	}
	fmt.Fprintf(&b, "[%s])\r\n", ip)
	fmt.Fprintf(&b, "\tby %s with %s", s.serverHostname, s.protocolName())
	if s.TLS.Enabled {
		fmt.Fprintf(&b, " (%s %s)", s.TLS.VersionName(), s.TLS.CipherName())
	}
	fmt.Fprintf(&b, "\r\n\tid %s; %s\r\n", s.ID, time.Now().UTC().Format(time.RFC1123Z))
	return b.String()
}
