package wren

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
)

// buildTestServer builds the server from b and serves it on a loopback
// listener, returning the address to dial.
func buildTestServer(t *testing.T, b *ServerBuilder) string {
	t.Helper()

	server, err := b.Logger(discardLogger()).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Close() })

	return listener.Addr().String()
}

func TestContextKeys(t *testing.T) {
	c := &Context{}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get() on empty context = true")
	}

	c.Set("user", "alice")
	val, ok := c.Get("user")
	if !ok || val != "alice" {
		t.Errorf("Get(user) = %v, %v", val, ok)
	}
	if got := c.GetString("user"); got != "alice" {
		t.Errorf("GetString(user) = %q", got)
	}

	c.Set("count", 7)
	if got := c.GetString("count"); got != "" {
		t.Errorf("GetString() on non-string = %q, want empty", got)
	}
}

func TestContextMustGetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustGet() on missing key did not panic")
		}
	}()

	c := &Context{}
	c.MustGet("nope")
}

func TestContextNextOrder(t *testing.T) {
	var order []string

	c := &Context{
		index: -1,
		handlers: []HandlerFunc{
			func(ctx *Context) error {
				order = append(order, "first")
				return nil
			},
			func(ctx *Context) error {
				order = append(order, "second")
				return nil
			},
			func(ctx *Context) error {
				order = append(order, "third")
				return nil
			},
		},
	}

	if err := c.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got := strings.Join(order, ","); got != "first,second,third" {
		t.Errorf("handler order = %q", got)
	}
}

func TestContextAbort(t *testing.T) {
	var order []string

	c := &Context{
		index: -1,
		handlers: []HandlerFunc{
			func(ctx *Context) error {
				order = append(order, "first")
				ctx.Abort()
				return nil
			},
			func(ctx *Context) error {
				order = append(order, "second")
				return nil
			},
		},
	}

	if err := c.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if got := strings.Join(order, ","); got != "first" {
		t.Errorf("handler order after Abort = %q", got)
	}
}

func TestContextNextStopsOnError(t *testing.T) {
	var reached bool

	c := &Context{
		index: -1,
		handlers: []HandlerFunc{
			func(ctx *Context) error {
				return NewSMTPError(CodeTransactionFailed, "no")
			},
			func(ctx *Context) error {
				reached = true
				return nil
			},
		},
	}

	if err := c.Next(); err == nil {
		t.Fatal("Next() = nil, want error")
	}
	if reached {
		t.Error("handler after failing handler still ran")
	}
}

func TestBuilderSession(t *testing.T) {
	type captured struct {
		helo string
		from string
		to   string
		body string
	}
	got := make(chan captured, 1)
	var rec captured

	b := New("test.example.com").
		OnHelo(func(ctx *Context) error {
			rec.helo = ctx.Hostname
			return nil
		}).
		OnMailFrom(func(ctx *Context) error {
			rec.from = ctx.From.Address
			return nil
		}).
		OnRcptTo(func(ctx *Context) error {
			rec.to = ctx.To.Address
			return nil
		}).
		OnData(func(ctx *Context) error {
			body, err := io.ReadAll(ctx.Reader)
			if err != nil {
				return err
			}
			rec.body = string(body)
			got <- rec
			return nil
		})

	addr := buildTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)
	client.send("RCPT TO:<rcpt@example.com>")
	client.expectCode(250)
	client.send("DATA")
	client.expectCode(354)
	client.send("hello")
	client.send(".")
	client.expectCode(250)
	client.send("QUIT")
	client.expectCode(221)

	c := <-got
	if c.helo != "client.example.com" {
		t.Errorf("Hostname = %q", c.helo)
	}
	if c.from != "sender@example.com" {
		t.Errorf("From = %q", c.from)
	}
	if c.to != "rcpt@example.com" {
		t.Errorf("To = %q", c.to)
	}
	if c.body != "hello\r\n" {
		t.Errorf("body = %q", c.body)
	}
}

func TestBuilderHandlerRejection(t *testing.T) {
	b := New("test.example.com").
		OnMailFrom(func(ctx *Context) error {
			if ctx.From.Domain() == "spam.example.com" {
				return NewSMTPError(CodeMailboxNotFound, "Sender refused")
			}
			return nil
		})

	addr := buildTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<bad@spam.example.com>")
	client.expectCode(550)
	client.send("MAIL FROM:<good@example.com>")
	client.expectCode(250)
}

func TestBuilderMiddlewareOrder(t *testing.T) {
	var order []string
	done := make(chan struct{}, 1)

	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx *Context) error {
				order = append(order, name)
				return next(ctx)
			}
		}
	}

	b := New("test.example.com").
		Use(mark("outer"), mark("inner")).
		OnMailFrom(func(ctx *Context) error {
			order = append(order, "handler")
			done <- struct{}{}
			return nil
		})

	addr := buildTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(250)

	<-done
	if got := strings.Join(order, ","); got != "outer,inner,handler" {
		t.Errorf("middleware order = %q", got)
	}
}

func TestBuilderMiddlewareShortCircuit(t *testing.T) {
	var handlerRan bool

	deny := func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			return NewSMTPError(CodeServiceUnavailable, "Not now")
		}
	}

	b := New("test.example.com").
		Use(deny).
		OnMailFrom(func(ctx *Context) error {
			handlerRan = true
			return nil
		})

	addr := buildTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("MAIL FROM:<sender@example.com>")
	client.expectCode(421)

	if handlerRan {
		t.Error("handler ran despite middleware rejection")
	}
}

func TestBuilderAuth(t *testing.T) {
	b := New("test.example.com").
		AllowInsecureAuth().
		Auth([]string{"PLAIN"}, func(ctx context.Context, sess *Session, req AuthRequest) (any, error) {
			if req.Username == "alice" && req.Password == "password123" {
				return req.Username, nil
			}
			return nil, NewSMTPError(CodeAuthCredentialsInvalid, "Bad credentials")
		})

	addr := buildTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("AUTH PLAIN " + authB64("\x00alice\x00password123"))
	client.expectCode(235)
}

func TestBuilderOnConnectRejection(t *testing.T) {
	b := New("test.example.com").
		OnConnect(func(ctx *Context) error {
			return NewSMTPError(CodeTransactionFailed, "Go away")
		})

	addr := buildTestServer(t, b)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(line, "554") {
		t.Errorf("greeting = %q, want 554 rejection", line)
	}
}

func TestBuilderBuildValidation(t *testing.T) {
	if _, err := New("").Build(); err == nil {
		t.Error("Build() with empty hostname: want error")
	}

	if _, err := New("test.example.com").ImplicitTLS().Build(); err == nil {
		t.Error("Build() with ImplicitTLS but no TLS config: want error")
	}
}

func TestBuilderDisableCommands(t *testing.T) {
	b := New("test.example.com").DisableCommands("VRFY", "EXPN")

	addr := buildTestServer(t, b)

	client := newTestClient(t, addr)
	defer client.close()

	client.expectCode(220)
	client.send("EHLO client.example.com")
	client.expectMultilineCode(250)
	client.send("VRFY user@example.com")
	client.expectCode(502)
}
