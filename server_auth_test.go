package wren

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func authB64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// authTestConfig returns a config that accepts alice/password123 over
// plaintext, with all mechanisms on offer.
func authTestConfig() ServerConfig {
	return ServerConfig{
		AllowInsecureAuth: true,
		AuthMethods:       []string{"PLAIN", "LOGIN", "XOAUTH2"},
		Callbacks: &Callbacks{
			OnAuth: func(ctx context.Context, sess *Session, req AuthRequest) (any, error) {
				if req.Method == "XOAUTH2" {
					if req.AccessToken == "valid-token" {
						return req.Username, nil
					}
					return nil, &XOAuth2Error{Status: "401", Schemes: "bearer"}
				}
				if req.Username == "alice" && req.Password == "password123" {
					return req.Username, nil
				}
				return nil, NewSMTPError(CodeAuthCredentialsInvalid, "Bad credentials")
			},
		},
	}
}

func TestAuthAdvertisedOnEhlo(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)

	found := false
	for _, line := range lines {
		if strings.Contains(line, "AUTH PLAIN LOGIN XOAUTH2") {
			found = true
		}
	}
	if !found {
		t.Errorf("AUTH line missing from EHLO response: %v", lines)
	}
}

func TestAuthNotAdvertisedWhenInsecure(t *testing.T) {
	config := authTestConfig()
	config.AllowInsecureAuth = false

	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)

	for _, line := range lines {
		if strings.Contains(line, "AUTH") {
			t.Errorf("AUTH advertised on plaintext session: %q", line)
		}
	}

	// Trying anyway gets the encryption-required rejection.
	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(530)
}

func TestAuthPlainInitialResponse(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(235)

	// A second AUTH is refused.
	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(503)
}

func TestAuthPlainTwoStep(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH PLAIN")
	client.expectCode(334)
	client.send(authB64("\x00alice\x00password123"))
	client.expectCode(235)
}

func TestAuthPlainBadCredentials(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH PLAIN " + authB64("\x00alice\x00wrong"))
	client.expectCode(535)

	// Failed attempts leave the session usable.
	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(235)
}

func TestAuthLogin(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH LOGIN")
	line := client.expectCode(334)
	if !strings.Contains(line, authB64("Username:")) {
		t.Errorf("username challenge = %q", line)
	}

	client.send(authB64("alice"))
	line = client.expectCode(334)
	if !strings.Contains(line, authB64("Password:")) {
		t.Errorf("password challenge = %q", line)
	}

	client.send(authB64("password123"))
	client.expectCode(235)
}

func TestAuthLoginCancelled(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH LOGIN")
	client.expectCode(334)
	client.send("*")
	client.expectCode(501)

	client.send("NOOP")
	client.expectCode(250)
}

func TestAuthBadBase64(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH PLAIN !!!not-base64!!!")
	client.expectCode(501)
}

func TestAuthXOAuth2Success(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH XOAUTH2 " + authB64("user=someone@example.com\x01auth=Bearer valid-token\x01\x01"))
	client.expectCode(235)
}

func TestAuthXOAuth2Failure(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH XOAUTH2 " + authB64("user=someone@example.com\x01auth=Bearer expired\x01\x01"))

	// The failure arrives as a base64 JSON error report first.
	line := client.expectCode(334)
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "334 "))
	if err != nil {
		t.Fatalf("error report is not base64: %v", err)
	}
	var report struct {
		Status  string `json:"status"`
		Schemes string `json:"schemes"`
	}
	if err := json.Unmarshal(payload, &report); err != nil {
		t.Fatalf("error report is not JSON: %v", err)
	}
	if report.Status != "401" || report.Schemes != "bearer" {
		t.Errorf("error report = %+v", report)
	}

	// The client acknowledges with an empty line, then gets the 535.
	client.send("")
	client.expectCode(535)
}

func TestAuthBeforeEhlo(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(503)
}

func TestAuthDuringTransaction(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)

	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(503)
}

func TestAuthUnsupportedMechanism(t *testing.T) {
	config := authTestConfig()
	config.AuthMethods = []string{"PLAIN"}

	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH CRAM-MD5")
	client.expectCode(504)

	// LOGIN exists but is not on offer here.
	client.send("AUTH LOGIN")
	client.expectCode(504)
}

func TestAuthMissingMechanism(t *testing.T) {
	_, addr := startTestServer(t, authTestConfig())

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH")
	client.expectCode(501)
}

func TestAuthWithoutHandler(t *testing.T) {
	_, addr := startTestServer(t, ServerConfig{})

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(502)
}

func TestAuthenticatedSessionState(t *testing.T) {
	done := make(chan struct{}, 1)
	var gotUser any
	var gotIdentity, gotMechanism string

	config := authTestConfig()
	config.Callbacks.OnMailFrom = func(ctx context.Context, sess *Session, from Address) error {
		gotUser = sess.User()
		gotIdentity, gotMechanism = sess.AuthIdentity()
		done <- struct{}{}
		return nil
	}

	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(235)
	client.send("MAIL FROM:<alice@example.com>")
	client.expectCode(250)

	<-done
	if gotUser != "alice" {
		t.Errorf("User() = %v, want alice", gotUser)
	}
	if gotIdentity != "alice" || gotMechanism != "PLAIN" {
		t.Errorf("AuthIdentity() = (%q, %q)", gotIdentity, gotMechanism)
	}
}

func TestDefaultAuthMethods(t *testing.T) {
	// An OnAuth callback with no explicit mechanism list gets PLAIN and
	// LOGIN.
	config := ServerConfig{
		AllowInsecureAuth: true,
		Callbacks: &Callbacks{
			OnAuth: func(ctx context.Context, sess *Session, req AuthRequest) (any, error) {
				return req.Username, nil
			},
		},
	}

	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	lines := client.expectMultilineCode(250)

	found := false
	for _, line := range lines {
		if strings.Contains(line, "AUTH PLAIN LOGIN") {
			found = true
		}
	}
	if !found {
		t.Errorf("default AUTH line missing: %v", lines)
	}

	client.send("AUTH XOAUTH2 " + authB64("user=x\x01auth=Bearer t\x01\x01"))
	client.expectCode(504)
}

func TestAuthExchangeStateMapping(t *testing.T) {
	cases := []struct {
		mechanism string
		step      int
		want      SessionState
	}{
		{"PLAIN", 0, StateAuthPlain},
		{"LOGIN", 0, StateAuthLoginUser},
		{"LOGIN", 1, StateAuthLoginPass},
		{"XOAUTH2", 0, StateAuthXOAuth2},
	}
	for _, tc := range cases {
		if got := authExchangeState(tc.mechanism, tc.step); got != tc.want {
			t.Errorf("authExchangeState(%q, %d) = %v, want %v", tc.mechanism, tc.step, got, tc.want)
		}
	}
}

// TestAuthExchangeStates observes the session from outside while a
// LOGIN exchange is in flight: each outstanding challenge holds the
// session in its sub-state, and completion restores READY.
func TestAuthExchangeStates(t *testing.T) {
	var mu sync.Mutex
	var sess *Session

	config := authTestConfig()
	config.Callbacks.OnConnect = func(ctx context.Context, s *Session) error {
		mu.Lock()
		sess = s
		mu.Unlock()
		return nil
	}

	_, addr := startTestServer(t, config)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)

	client.send("AUTH LOGIN")
	client.expectCode(334)

	mu.Lock()
	s := sess
	mu.Unlock()
	if got := s.State(); got != StateAuthLoginUser {
		t.Errorf("state during username challenge = %v, want %v", got, StateAuthLoginUser)
	}

	client.send(authB64("alice"))
	client.expectCode(334)
	if got := s.State(); got != StateAuthLoginPass {
		t.Errorf("state during password challenge = %v, want %v", got, StateAuthLoginPass)
	}

	client.send(authB64("password123"))
	client.expectCode(235)
	if got := s.State(); got != StateReady {
		t.Errorf("state after authentication = %v, want %v", got, StateReady)
	}
}
