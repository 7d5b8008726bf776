package wren

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	wrenio "github.com/lumamail/wren/io"
	"github.com/lumamail/wren/sasl"
)

// XOAuth2Error carries the structured failure an OnAuth callback can
// return for XOAUTH2. The server sends it to the client base64-encoded
// as a 334 continuation before the final 535, per the XOAUTH2
// protocol.
type XOAuth2Error struct {
	Status  string `json:"status"`
	Schemes string `json:"schemes"`
	Scope   string `json:"scope,omitempty"`
}

func (e *XOAuth2Error) Error() string {
	return "authentication failed: status " + e.Status
}

func (s *Server) handleAuth(sess *Session, args string) *Response {
	if sess.State() < StateReady {
		resp := ResponseBadSequence("Send EHLO first")
		return &resp
	}
	if sess.IsAuthenticated() {
		resp := ResponseBadSequence("Already authenticated")
		return &resp
	}
	if sess.senderSet {
		resp := ResponseBadSequence("AUTH not permitted during a mail transaction")
		return &resp
	}
	if s.config.Callbacks.OnAuth == nil {
		resp := ResponseCommandNotImplemented("AUTH")
		return &resp
	}
	if !sess.Secure() && !s.config.AllowInsecureAuth {
		return &Response{
			Code:         CodeAuthRequired,
			EnhancedCode: string(ESCEncryptionRequired),
			Message:      "Must issue a STARTTLS command first",
		}
	}

	mechName, initialResponse, _ := strings.Cut(args, " ")
	mechName = strings.ToUpper(mechName)
	initialResponse = strings.TrimSpace(initialResponse)

	if mechName == "" {
		resp := ResponseSyntaxError("Syntax: AUTH <mechanism> [initial-response]")
		return &resp
	}

	if !slices.Contains(s.offeredAuthMethods(sess), mechName) {
		return &Response{
			Code:         CodeParameterNotImpl,
			EnhancedCode: string(ESCInvalidArgs),
			Message:      "Mechanism not supported",
		}
	}

	var mechanism sasl.Mechanism
	switch mechName {
	case "PLAIN":
		mechanism = sasl.NewPlain()
	case "LOGIN":
		mechanism = sasl.NewLogin()
	case "XOAUTH2":
		mechanism = sasl.NewXOAuth2()
	default:
		return &Response{
			Code:         CodeParameterNotImpl,
			EnhancedCode: string(ESCInvalidArgs),
			Message:      "Mechanism not implemented",
		}
	}

	creds, err := s.runSASLExchange(sess, mechanism, initialResponse)
	sess.SetState(StateReady)
	if err != nil {
		return saslFailureResponse(err)
	}

	req := AuthRequest{
		Method:      mechName,
		Username:    creds.AuthenticationID,
		Password:    creds.Password,
		AccessToken: creds.AccessToken,
	}

	user, err := s.config.Callbacks.OnAuth(sess.Context(), sess, req)
	if err != nil {
		var oauthErr *XOAuth2Error
		if mechName == "XOAUTH2" && errors.As(err, &oauthErr) {
			// Hand the error JSON to the client and wait for its
			// empty continuation before failing, as the protocol
			// requires.
			sess.SetState(StateAuthXOAuth2)
			if sendErr := s.sendXOAuth2Error(sess, oauthErr); sendErr != nil {
				sess.SetState(StateClosing)
				return nil
			}
			sess.SetState(StateReady)
		}
		return authRejectionResponse(err)
	}
	if user == nil {
		resp := ResponseAuthCredentialsInvalid("")
		return &resp
	}

	sess.setUser(user, creds.Identity(), mechName)

	return &Response{
		Code:         CodeAuthSuccess,
		EnhancedCode: string(ESCSecuritySuccess),
		Message:      "Authentication successful",
	}
}

// runSASLExchange drives the challenge/response loop until the
// mechanism reports completion or fails. While a continuation line is
// outstanding the session sits in the matching auth sub-state.
func (s *Server) runSASLExchange(sess *Session, mechanism sasl.Mechanism, initialResponse string) (*sasl.Credentials, error) {
	challenge, done, err := mechanism.Start(initialResponse)
	if err != nil {
		return nil, err
	}

	for step := 0; !done; step++ {
		sess.SetState(authExchangeState(mechanism.Name(), step))
		s.writeResponse(sess, Response{Code: CodeAuthContinue, Message: challenge})

		response, err := s.readAuthLine(sess)
		if err != nil {
			return nil, err
		}

		challenge, done, err = mechanism.Next(response)
		if err != nil {
			return nil, err
		}
	}

	return mechanism.Credentials(), nil
}

// authExchangeState maps a mechanism and exchange step to the session
// state held while the client's next line is awaited.
func authExchangeState(mechanism string, step int) SessionState {
	switch mechanism {
	case "PLAIN":
		return StateAuthPlain
	case "LOGIN":
		if step == 0 {
			return StateAuthLoginUser
		}
		return StateAuthLoginPass
	case "XOAUTH2":
		return StateAuthXOAuth2
	}
	return StateReady
}

// readAuthLine reads one continuation line from the client under the
// usual socket deadline. Continuation lines are always ASCII base64.
func (s *Server) readAuthLine(sess *Session) (string, error) {
	if err := sess.conn.SetReadDeadline(time.Now().Add(s.config.SocketTimeout)); err != nil {
		return "", err
	}
	return wrenio.ReadLine(sess.reader, s.config.MaxLineLength, true)
}

// sendXOAuth2Error emits the 334 error-report continuation and
// consumes the client's obligatory empty reply.
func (s *Server) sendXOAuth2Error(sess *Session, oauthErr *XOAuth2Error) error {
	payload, err := json.Marshal(oauthErr)
	if err != nil {
		return err
	}

	s.writeResponse(sess, Response{
		Code:    CodeAuthContinue,
		Message: base64.StdEncoding.EncodeToString(payload),
	})

	_, err = s.readAuthLine(sess)
	return err
}

// saslFailureResponse maps a mechanism error to a reply: cancellation
// and malformed input are syntax-class, everything else is 535.
func saslFailureResponse(err error) *Response {
	switch {
	case errors.Is(err, sasl.ErrAuthenticationCancelled):
		resp := ResponseSyntaxError("Authentication cancelled")
		return &resp
	case errors.Is(err, sasl.ErrInvalidBase64), errors.Is(err, sasl.ErrInvalidFormat):
		resp := ResponseSyntaxError("Invalid authentication data")
		return &resp
	default:
		resp := ResponseAuthCredentialsInvalid(err.Error())
		return &resp
	}
}

// authRejectionResponse maps an OnAuth error to a reply. An SMTPError
// picks its own code, anything else becomes a 535.
func authRejectionResponse(err error) *Response {
	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		resp := smtpErr.Response()
		return &resp
	}
	resp := ResponseAuthCredentialsInvalid(err.Error())
	return &resp
}
