package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver for tests. Record maps are keyed by FQDN
// with a trailing dot, except PTR which is keyed by IP string.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail lists lookups that return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." with lowercase type.
	Fail []string

	// AllAuthentic marks every response as DNSSEC-validated.
	AllAuthentic bool
}

var _ Resolver = MockResolver{}

func mockKey(qtype, name string) string {
	return qtype + " " + name
}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureFQDN(name)
	result := Result[string]{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if slices.Contains(r.Fail, mockKey("txt", fqdn)) {
		return result, ErrDNSServFail
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}

// LookupIP returns A and AAAA records for the given domain.
func (r MockResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	fqdn := ensureFQDN(domain)
	result := Result[net.IP]{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if slices.Contains(r.Fail, mockKey("a", fqdn)) || slices.Contains(r.Fail, mockKey("aaaa", fqdn)) {
		return result, ErrDNSServFail
	}

	var ips []net.IP
	for _, ip := range r.A[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}
	for _, ip := range r.AAAA[fqdn] {
		ips = append(ips, net.ParseIP(ip))
	}

	if len(ips) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = ips
	return result, nil
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	fqdn := ensureFQDN(name)
	result := Result[*net.MX]{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if slices.Contains(r.Fail, mockKey("mx", fqdn)) {
		return result, ErrDNSServFail
	}

	records, ok := r.MX[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}

// LookupAddr performs a reverse DNS lookup.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	ipStr := ip.String()
	result := Result[string]{Authentic: r.AllAuthentic}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if slices.Contains(r.Fail, mockKey("ptr", ipStr)) {
		return result, ErrDNSServFail
	}

	records, ok := r.PTR[ipStr]
	if !ok || len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}
