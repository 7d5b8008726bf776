// Wren is an embeddable ESMTP server core for Go.
//
// # Server
//
// Create a server with NewServer and a handler configuration:
//
//	server, err := wren.NewServer(wren.ServerConfig{
//	    Hostname:       "mail.example.com",
//	    MaxMessageSize: 25 * 1024 * 1024,
//	    TLSConfig:      tlsConfig,
//	    AuthMethods:    []string{"PLAIN", "LOGIN"},
//	    Callbacks: &wren.Callbacks{
//	        OnAuth: func(ctx context.Context, sess *wren.Session, req wren.AuthRequest) (any, error) {
//	            return authenticate(req)
//	        },
//	        OnData: func(ctx context.Context, sess *wren.Session, r io.Reader) error {
//	            return queue.Deliver(sess.Envelope, r)
//	        },
//	    },
//	})
//
//	if err := server.ListenAndServe(":25"); err != wren.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// Call Shutdown to stop accepting connections and wait for active
// sessions to finish:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	server.Shutdown(ctx)
//
// # Builder
//
// A fluent builder is available for wiring handlers and middleware:
//
//	server, err := wren.New("mail.example.com").
//	    TLS(tlsConfig).
//	    Auth([]string{"PLAIN", "LOGIN", "XOAUTH2"}, authHandler).
//	    MaxMessageSize(25 * 1024 * 1024).
//	    Use(wren.Recovery(logger), wren.Logger(logger)).
//	    OnData(dataHandler).
//	    Build()
//
// # Sessions and envelopes
//
// Every accepted connection gets a Session carrying a ULID identifier,
// the negotiated protocol, TLS state, the authenticated user, and the
// current Envelope. The envelope accumulates MAIL FROM and RCPT TO
// commands and is handed to OnData when message content arrives.
// Envelopes serialize to MessagePack for queueing:
//
//	snap, err := sess.Envelope.MarshalBinary()
//
// # Message content
//
// Message content is streamed. The reader passed to OnData performs
// dot-unstuffing and terminates at the final <CRLF>.<CRLF>; the server
// never buffers a full message in memory. A handler may stop reading
// early and the server drains the remainder before replying.
//
// # Extensions
//
// Wren advertises these capabilities in response to EHLO:
//
//   - PIPELINING (RFC 2920)
//   - 8BITMIME (RFC 6152)
//   - SMTPUTF8 (RFC 6531)
//   - SIZE (RFC 1870), when MaxMessageSize is set
//   - AUTH (RFC 4954) with PLAIN, LOGIN, and XOAUTH2
//   - STARTTLS (RFC 3207), when TLSConfig is set
//
// Additional capability lines can be injected with
// ServerConfig.ExtraExtensions.
package wren
