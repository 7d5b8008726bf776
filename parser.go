package wren

import (
	"fmt"
	"regexp"
	"strings"
)

// parseCommand splits a command line into verb and arguments.
func parseCommand(line string) (cmd Command, args string, err error) {
	before, after, found := strings.Cut(line, " ")

	if !found {
		// Case: "QUIT", "NOOP", "RSET" (No arguments)
		err, cmd := canonicalizeVerb(before)
		return cmd, "", err
	}

	// Case: "MAIL FROM:...", "RCPT TO:..."
	// Canonicalize the verb without allocating.
	err, cmd = canonicalizeVerb(before)
	return cmd, strings.TrimSpace(after), err
}

func canonicalizeVerb(verb string) (error, Command) {
	switch len(verb) {
	case 4:
		if strings.EqualFold(verb, "HELO") {
			return nil, CmdHelo
		}
		if strings.EqualFold(verb, "EHLO") {
			return nil, CmdEhlo
		}
		if strings.EqualFold(verb, "MAIL") {
			return nil, CmdMail
		}
		if strings.EqualFold(verb, "RCPT") {
			return nil, CmdRcpt
		}
		if strings.EqualFold(verb, "DATA") {
			return nil, CmdData
		}
		if strings.EqualFold(verb, "RSET") {
			return nil, CmdRset
		}
		if strings.EqualFold(verb, "VRFY") {
			return nil, CmdVrfy
		}
		if strings.EqualFold(verb, "EXPN") {
			return nil, CmdExpn
		}
		if strings.EqualFold(verb, "HELP") {
			return nil, CmdHelp
		}
		if strings.EqualFold(verb, "NOOP") {
			return nil, CmdNoop
		}
		if strings.EqualFold(verb, "QUIT") {
			return nil, CmdQuit
		}
		if strings.EqualFold(verb, "AUTH") {
			return nil, CmdAuth
		}
	case 8:
		if strings.EqualFold(verb, "STARTTLS") {
			return nil, CmdStartTLS
		}
	}
	return fmt.Errorf("unknown command: %s", verb), ""
}

// Accepted address forms are deliberately loose: anything between the
// angle brackets is taken verbatim, and whitespace is tolerated around
// the colon. Validation belongs to the OnMailFrom/OnRcptTo callbacks.
var (
	mailFromPattern = regexp.MustCompile(`(?i)^FROM[ \t]*:[ \t]*<([^<>]*)>(?:[ \t]+(.*))?$`)
	rcptToPattern   = regexp.MustCompile(`(?i)^TO[ \t]*:[ \t]*<([^<>]*)>(?:[ \t]+(.*))?$`)
)

// parseMailFrom parses the arguments of a MAIL command.
func parseMailFrom(args string) (Address, error) {
	return parsePath(mailFromPattern, args)
}

// parseRcptTo parses the arguments of a RCPT command.
func parseRcptTo(args string) (Address, error) {
	return parsePath(rcptToPattern, args)
}

func parsePath(pattern *regexp.Regexp, args string) (Address, error) {
	m := pattern.FindStringSubmatch(args)
	if m == nil {
		return Address{}, fmt.Errorf("malformed path: %q", args)
	}

	addrArgs, err := parseArgs(strings.TrimSpace(m[2]))
	if err != nil {
		return Address{}, err
	}

	return Address{Address: m[1], Args: addrArgs}, nil
}

// parseArgs parses ESMTP parameters following the path. Keys are
// uppercased. Duplicate parameters are rejected per RFC 3461
// section 4.5.
func parseArgs(s string) (Args, error) {
	if s == "" {
		return Args{}, nil
	}

	values := make(map[string]string)
	for param := range strings.FieldsSeq(s) {
		var key, value string
		if before, after, found := strings.Cut(param, "="); found {
			key = strings.ToUpper(before)
			value = after
		} else {
			key = strings.ToUpper(param)
			value = ""
		}
		if key == "" {
			return Args{}, fmt.Errorf("malformed parameter: %q", param)
		}
		if _, exists := values[key]; exists {
			return Args{}, fmt.Errorf("duplicate parameter: %s", key)
		}
		values[key] = value
	}

	return Args{Present: true, Values: values}, nil
}
