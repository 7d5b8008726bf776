package sasl

import (
	"encoding/base64"
	"strings"
)

// XOAuth2 implements the XOAUTH2 mechanism used by Gmail and
// Outlook.com. The client response carries a username and an OAuth
// bearer token:
//
//	user=someone@example.com\x01auth=Bearer ya29.token\x01\x01
type XOAuth2 struct {
	creds *Credentials
	done  bool
}

// NewXOAuth2 creates a new XOAUTH2 mechanism handler.
func NewXOAuth2() *XOAuth2 {
	return &XOAuth2{}
}

// Name returns "XOAUTH2".
func (x *XOAuth2) Name() string {
	return "XOAUTH2"
}

// Start processes the initial response or requests one.
func (x *XOAuth2) Start(initialResponse string) (challenge string, done bool, err error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return x.processResponse(initialResponse)
}

// Next processes the client's response to the challenge.
func (x *XOAuth2) Next(response string) (challenge string, done bool, err error) {
	return x.processResponse(response)
}

func (x *XOAuth2) processResponse(response string) (challenge string, done bool, err error) {
	if response == "*" {
		x.done = true
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		x.done = true
		return "", true, ErrInvalidBase64
	}

	var user, token string
	for field := range strings.SplitSeq(string(decoded), "\x01") {
		if field == "" {
			continue
		}
		key, value, found := strings.Cut(field, "=")
		if !found {
			x.done = true
			return "", true, ErrInvalidFormat
		}
		switch strings.ToLower(key) {
		case "user":
			user = value
		case "auth":
			scheme, cred, found := strings.Cut(value, " ")
			if !found || !strings.EqualFold(scheme, "Bearer") {
				x.done = true
				return "", true, ErrInvalidFormat
			}
			token = cred
		}
	}

	if user == "" || token == "" {
		x.done = true
		return "", true, ErrInvalidFormat
	}

	x.creds = &Credentials{
		AuthenticationID: user,
		AccessToken:      token,
	}
	x.done = true

	return "", true, nil
}

// Credentials returns the extracted credentials.
func (x *XOAuth2) Credentials() *Credentials {
	return x.creds
}
