package wren

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func FuzzParseCommand(f *testing.F) {
	seeds := []string{
		"EHLO example.com",
		"HELO example.com",
		"MAIL FROM:<test@example.com>",
		"RCPT TO:<user@example.com>",
		"DATA",
		"QUIT",
		"NOOP",
		"RSET",
		"VRFY user",
		"EXPN list",
		"HELP",
		"AUTH PLAIN",
		"STARTTLS",
		"",
		" ",
		"\t",
		"EHLO",
		"ehlo example.com",
		"MaIl FrOm:<test@example.com>",
		"MAIL FROM:<user@example.com> SIZE=100 BODY=8BITMIME",
		"EHLO \x00hostname",
		strings.Repeat("A", 1000),
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, line string) {
		cmd, args, err := parseCommand(line)
		if err != nil {
			return
		}
		if cmd == "" {
			t.Errorf("parseCommand(%q) accepted input but returned empty verb", line)
		}
		if strings.HasPrefix(args, " ") {
			t.Errorf("parseCommand(%q) left leading space in args %q", line, args)
		}
	})
}

func FuzzParseMailFrom(f *testing.F) {
	seeds := []string{
		"FROM:<test@example.com>",
		"FROM:<>",
		"FROM: <spaced@example.com>",
		"from:<lower@example.com>",
		"FROM:<test@example.com> SIZE=100",
		"FROM:<test@example.com> BODY=8BITMIME SMTPUTF8",
		"FROM:<test@example.com> AUTH=<>",
		"FROM:<> SIZE=0",
		"FROM:<\xff@example.com>",
		"FROM:<" + strings.Repeat("a", 500) + "@example.com>",
		"FROM:no-brackets@example.com",
		"FROM:<unclosed@example.com",
		"<no-keyword@example.com>",
		"",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, args string) {
		addr, err := parseMailFrom(args)
		if err != nil {
			return
		}

		if strings.ContainsAny(addr.Address, "<>") {
			t.Errorf("parseMailFrom(%q): address %q contains angle brackets", args, addr.Address)
		}

		// Local and Domain must reassemble into the address.
		if !addr.IsNull() && addr.Domain() != "" {
			if got := addr.Local() + "@" + addr.Domain(); got != addr.Address {
				t.Errorf("parseMailFrom(%q): parts give %q, address is %q", args, got, addr.Address)
			}
		}
		for key := range addr.Args.Values {
			if key != strings.ToUpper(key) {
				t.Errorf("parseMailFrom(%q): parameter key %q not uppercased", args, key)
			}
		}
	})
}

func FuzzParseRcptTo(f *testing.F) {
	seeds := []string{
		"TO:<user@example.com>",
		"TO:<postmaster>",
		"TO: <spaced@example.com>",
		"TO:<user@example.com> NOTIFY=SUCCESS",
		"TO:<>",
		"TO:missing-brackets@example.com",
		"",
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, args string) {
		addr, err := parseRcptTo(args)
		if err != nil {
			return
		}
		if strings.ContainsAny(addr.Address, "<>") {
			t.Errorf("parseRcptTo(%q): address %q contains angle brackets", args, addr.Address)
		}
	})
}

// FuzzServerCommands drives a live session with one arbitrary command
// after EHLO. The session must answer with a well-formed reply and the
// server must survive.
func FuzzServerCommands(f *testing.F) {
	seeds := []string{
		"MAIL FROM:<test@example.com>",
		"RCPT TO:<user@example.com>",
		"DATA",
		"NOOP",
		"RSET",
		"VRFY user",
		"STARTTLS",
		"AUTH PLAIN",
		"",
		" ",
		"MAIL FROM:",
		"MAIL FROM:<\xff@example.com>",
		"EHLO \x00hostname",
		strings.Repeat("A", 400),
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	_, addr := startTestServer(f, ServerConfig{})

	f.Fuzz(func(t *testing.T, command string) {
		if !utf8.ValidString(command) || strings.ContainsAny(command, "\r\n") {
			t.Skip()
		}

		client := newTestClient(t, addr)
		defer client.close()

		client.expectCode(220)
		client.send("EHLO client.example.com")
		client.expectMultilineCode(250)

		client.send(command)
		line := client.readLine()
		if len(line) < 3 || line[0] < '2' || line[0] > '5' {
			t.Errorf("reply to %q = %q, want a 2xx-5xx code", command, line)
		}
	})
}
