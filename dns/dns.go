// Package dns provides the DNS lookups the SMTP server needs, chiefly
// reverse lookups for Received trace headers. The Resolver interface
// keeps the server testable without a network.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lumamail/wren/utils"
)

var (
	// ErrDNSNotFound indicates the name does not exist (NXDOMAIN) or
	// has no records of the requested type.
	ErrDNSNotFound = errors.New("dns: record not found")

	// ErrDNSServFail indicates a temporary server-side failure.
	ErrDNSServFail = errors.New("dns: server failure")

	// ErrDNSRefused indicates the server refused the query.
	ErrDNSRefused = errors.New("dns: query refused")

	// ErrDNSTimeout indicates the query timed out.
	ErrDNSTimeout = errors.New("dns: query timed out")

	// ErrDNSBogus indicates DNSSEC validation failed upstream.
	ErrDNSBogus = errors.New("dns: dnssec validation failed")
)

// Result holds the records from a lookup. Authentic is true when the
// response was DNSSEC-validated by the upstream resolver.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// First returns the first record, or the zero value when empty.
func (r Result[T]) First() T {
	if len(r.Records) > 0 {
		return r.Records[0]
	}
	var zero T
	return zero
}

// Resolver is the lookup interface the server depends on.
// DNSResolver and StdResolver implement it for production use;
// MockResolver implements it for tests.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
	LookupIP(ctx context.Context, domain string) (Result[net.IP], error)
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// PTRName resolves the hostname for a network address using the given
// resolver. The trailing dot is stripped. Returns "" with no error
// when the address simply has no PTR record.
func PTRName(ctx context.Context, r Resolver, addr net.Addr) (string, error) {
	if addr == nil {
		return "", fmt.Errorf("dns: address is nil")
	}

	ip, err := utils.GetIPFromAddr(addr)
	if err != nil {
		return "", err
	}

	result, err := r.LookupAddr(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrDNSNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("reverse lookup of %s: %w", ip, err)
	}

	return strings.TrimSuffix(result.First(), "."), nil
}
