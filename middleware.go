package wren

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Logger returns middleware that logs handler execution.
func Logger(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			start := time.Now()
			err := next(ctx)

			attrs := make([]slog.Attr, 0, 4)
			attrs = append(attrs,
				slog.String("session_id", ctx.Session.ID),
				slog.String("remote", ctx.RemoteAddr()),
				slog.Duration("elapsed", time.Since(start)),
			)

			level := slog.LevelDebug
			msg := "handler completed"
			if err != nil {
				level = slog.LevelError
				msg = "handler failed"
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.LogAttrs(ctx.Session.Context(), level, msg, attrs...)

			return err
		}
	}
}

// Recovery returns middleware that turns a handler panic into an
// error reply, keeping the session and the server alive.
func Recovery(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						slog.String("session_id", ctx.Session.ID),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					err = errors.New("internal server error")
				}
			}()
			return next(ctx)
		}
	}
}

// maxTrackedSources bounds the limiter's per-source table. When the
// table is full, fully refilled buckets are discarded; a source with a
// full bucket behaves identically to an untracked one.
const maxTrackedSources = 65536

// RateLimiter throttles connections per source address with a token
// bucket. A source may burst up to limit connections, then is held to
// limit-per-window as the bucket refills continuously.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[netip.Addr]*tokenBucket
	burst   float64
	rate    float64
}

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter allowing limit connections per
// window from a single source.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[netip.Addr]*tokenBucket),
		burst:   float64(limit),
		rate:    float64(limit) / window.Seconds(),
	}
}

// Allow reports whether a connection from ip may proceed, spending one
// token when it does. Addresses that do not parse are let through.
func (rl *RateLimiter) Allow(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[addr]
	if !ok {
		if len(rl.buckets) >= maxTrackedSources {
			rl.evictIdle(now)
		}
		rl.buckets[addr] = &tokenBucket{tokens: rl.burst - 1, last: now}
		return true
	}

	b.tokens += now.Sub(b.last).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	for addr, b := range rl.buckets {
		if b.tokens+now.Sub(b.last).Seconds()*rl.rate >= rl.burst {
			delete(rl.buckets, addr)
		}
	}
}

// RateLimit returns middleware that limits connections per source
// address. Use it with OnConnect handlers.
func RateLimit(limiter *RateLimiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			if !limiter.Allow(extractIP(ctx.Session.RemoteAddr)) {
				return NewSMTPError(CodeServiceUnavailable, "Too many connections, try again later")
			}
			return next(ctx)
		}
	}
}

// IPFilterMode determines how the filter operates.
type IPFilterMode int

const (
	// IPFilterModeAllow admits only sources matching a registered rule.
	IPFilterModeAllow IPFilterMode = iota
	// IPFilterModeDeny rejects sources matching a registered rule.
	IPFilterModeDeny
)

// IPFilter screens connections against a list of address rules. Rules
// are single addresses or CIDR ranges, checked in insertion order.
type IPFilter struct {
	mu    sync.RWMutex
	rules []netip.Prefix
	mode  IPFilterMode
}

// NewIPFilter creates an IP filter.
func NewIPFilter(mode IPFilterMode) *IPFilter {
	return &IPFilter{mode: mode}
}

// Allow registers a source that may connect. Consulted in allow mode.
// Accepts "192.0.2.1" or "10.0.0.0/8"; unparseable input is ignored.
func (f *IPFilter) Allow(source string) {
	f.addRule(source)
}

// Deny registers a source to reject. Consulted in deny mode.
func (f *IPFilter) Deny(source string) {
	f.addRule(source)
}

func (f *IPFilter) addRule(source string) {
	prefix, err := netip.ParsePrefix(source)
	if err != nil {
		addr, err := netip.ParseAddr(source)
		if err != nil {
			return
		}
		prefix = netip.PrefixFrom(addr, addr.BitLen())
	}

	f.mu.Lock()
	f.rules = append(f.rules, prefix)
	f.mu.Unlock()
}

// IsAllowed reports whether a connection from ip passes the filter.
func (f *IPFilter) IsAllowed(ip string) bool {
	matched := false
	if addr, err := netip.ParseAddr(ip); err == nil {
		f.mu.RLock()
		for _, rule := range f.rules {
			if rule.Contains(addr) {
				matched = true
				break
			}
		}
		f.mu.RUnlock()
	}

	if f.mode == IPFilterModeAllow {
		return matched
	}
	return !matched
}

// IPFilterMiddleware returns middleware that filters connections by
// source address.
func IPFilterMiddleware(filter *IPFilter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			if !filter.IsAllowed(extractIP(ctx.Session.RemoteAddr)) {
				return NewSMTPError(CodeTransactionFailed, "Connection not allowed from your IP address")
			}
			return next(ctx)
		}
	}
}

type domainRole uint8

const (
	roleLocal domainRole = 1 << iota
	roleSender
)

// DomainValidator classifies domains for sender and relay policy.
// Matching is case-insensitive and ignores a trailing root dot.
type DomainValidator struct {
	mu      sync.RWMutex
	domains map[string]domainRole
	senders int
}

// NewDomainValidator creates a domain validator.
func NewDomainValidator() *DomainValidator {
	return &DomainValidator{domains: make(map[string]domainRole)}
}

func canonicalDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

func (v *DomainValidator) addRole(domain string, role domainRole) {
	key := canonicalDomain(domain)
	v.mu.Lock()
	v.domains[key] |= role
	v.mu.Unlock()
}

func (v *DomainValidator) hasRole(domain string, role domainRole) bool {
	key := canonicalDomain(domain)
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.domains[key]&role != 0
}

// AddLocalDomain adds a domain this server handles mail for.
func (v *DomainValidator) AddLocalDomain(domain string) {
	v.addRole(domain, roleLocal)
}

// AddAllowedDomain adds a domain that can send mail through this
// server.
func (v *DomainValidator) AddAllowedDomain(domain string) {
	v.addRole(domain, roleSender)
	v.mu.Lock()
	v.senders++
	v.mu.Unlock()
}

// IsLocalDomain checks if the domain is local.
func (v *DomainValidator) IsLocalDomain(domain string) bool {
	return v.hasRole(domain, roleLocal)
}

// IsAllowedSender checks if the sender domain is allowed. An empty
// allow list permits everything.
func (v *DomainValidator) IsAllowedSender(domain string) bool {
	v.mu.RLock()
	unrestricted := v.senders == 0
	v.mu.RUnlock()
	if unrestricted {
		return true
	}
	return v.hasRole(domain, roleSender)
}

// ValidateSender returns an OnMailFrom handler that checks sender
// domains. The null sender is always allowed so bounces get through.
func ValidateSender(validator *DomainValidator) HandlerFunc {
	return func(ctx *Context) error {
		if ctx.From.IsNull() {
			return ctx.Next()
		}
		if domain := ctx.From.Domain(); !validator.IsAllowedSender(domain) {
			return NewSMTPError(CodeMailboxNotFound, "Sender domain %s is not allowed", domain)
		}
		return ctx.Next()
	}
}

// ValidateRecipient returns an OnRcptTo handler that rejects relay to
// non-local domains from unauthenticated clients.
func ValidateRecipient(validator *DomainValidator) HandlerFunc {
	return func(ctx *Context) error {
		domain := ctx.To.Domain()
		if !validator.IsLocalDomain(domain) && !ctx.IsAuthenticated() {
			return NewSMTPError(CodeMailboxNotFound, "Relay not permitted for %s", domain)
		}
		return ctx.Next()
	}
}

func extractIP(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	default:
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			return host
		}
		return addr.String()
	}
}

// SecureDefaults returns middleware for production use: recovery,
// logging, and per-source rate limiting.
func SecureDefaults(logger *slog.Logger) []Middleware {
	return []Middleware{
		Recovery(logger),
		Logger(logger),
		RateLimit(NewRateLimiter(100, time.Minute)),
	}
}

// DevelopmentDefaults returns middleware for development: recovery and
// logging only.
func DevelopmentDefaults(logger *slog.Logger) []Middleware {
	return []Middleware{
		Recovery(logger),
		Logger(logger),
	}
}
