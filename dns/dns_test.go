package dns

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestResultFirst(t *testing.T) {
	r := Result[string]{Records: []string{"one", "two"}}
	if got := r.First(); got != "one" {
		t.Errorf("First() = %q, want %q", got, "one")
	}

	var empty Result[string]
	if got := empty.First(); got != "" {
		t.Errorf("First() on empty = %q, want empty", got)
	}
}

// Verifies that all resolver types implement Resolver.
func TestResolverInterface(t *testing.T) {
	var _ Resolver = (*DNSResolver)(nil)
	var _ Resolver = (*StdResolver)(nil)
	var _ Resolver = MockResolver{}
}

func TestMockResolverTXT(t *testing.T) {
	r := MockResolver{
		TXT: map[string][]string{
			"example.com.": {"v=spf1 -all"},
		},
	}
	ctx := context.Background()

	// Name with and without trailing dot both resolve.
	for _, name := range []string{"example.com", "example.com."} {
		result, err := r.LookupTXT(ctx, name)
		if err != nil {
			t.Fatalf("LookupTXT(%q) error = %v", name, err)
		}
		if result.First() != "v=spf1 -all" {
			t.Errorf("LookupTXT(%q) = %v", name, result.Records)
		}
	}

	_, err := r.LookupTXT(ctx, "missing.example.com")
	if !errors.Is(err, ErrDNSNotFound) {
		t.Errorf("LookupTXT(missing) error = %v, want %v", err, ErrDNSNotFound)
	}
}

func TestMockResolverIP(t *testing.T) {
	r := MockResolver{
		A:    map[string][]string{"dual.example.com.": {"192.0.2.1"}},
		AAAA: map[string][]string{"dual.example.com.": {"2001:db8::1"}},
	}

	result, err := r.LookupIP(context.Background(), "dual.example.com")
	if err != nil {
		t.Fatalf("LookupIP() error = %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("LookupIP() returned %d records, want 2", len(result.Records))
	}
	if !result.Records[0].Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("first record = %v, want 192.0.2.1", result.Records[0])
	}
	if !result.Records[1].Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("second record = %v, want 2001:db8::1", result.Records[1])
	}
}

func TestMockResolverMX(t *testing.T) {
	r := MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx1.example.com.", Pref: 10}},
		},
	}

	result, err := r.LookupMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupMX() error = %v", err)
	}
	if result.First().Host != "mx1.example.com." {
		t.Errorf("MX host = %q", result.First().Host)
	}
}

func TestMockResolverFail(t *testing.T) {
	r := MockResolver{
		TXT:  map[string][]string{"example.com.": {"text"}},
		Fail: []string{"txt example.com."},
	}

	_, err := r.LookupTXT(context.Background(), "example.com")
	if !errors.Is(err, ErrDNSServFail) {
		t.Errorf("LookupTXT() error = %v, want %v", err, ErrDNSServFail)
	}
}

func TestMockResolverAuthentic(t *testing.T) {
	r := MockResolver{
		TXT:          map[string][]string{"example.com.": {"text"}},
		AllAuthentic: true,
	}

	result, err := r.LookupTXT(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("LookupTXT() error = %v", err)
	}
	if !result.Authentic {
		t.Error("Authentic = false, want true")
	}
}

func TestMockResolverContextCancelled(t *testing.T) {
	r := MockResolver{TXT: map[string][]string{"example.com.": {"text"}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.LookupTXT(ctx, "example.com")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("LookupTXT() error = %v, want %v", err, context.Canceled)
	}
}

func TestPTRName(t *testing.T) {
	resolver := MockResolver{
		PTR: map[string][]string{
			"192.0.2.1": {"mail.example.com."},
		},
	}
	ctx := context.Background()

	name, err := PTRName(ctx, resolver, &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 25})
	if err != nil {
		t.Fatalf("PTRName() error = %v", err)
	}
	// Trailing dot is stripped.
	if name != "mail.example.com" {
		t.Errorf("PTRName() = %q, want %q", name, "mail.example.com")
	}
}

func TestPTRNameNotFound(t *testing.T) {
	resolver := MockResolver{}

	name, err := PTRName(context.Background(), resolver, &net.TCPAddr{IP: net.ParseIP("192.0.2.99"), Port: 25})
	if err != nil {
		t.Fatalf("PTRName() error = %v", err)
	}
	if name != "" {
		t.Errorf("PTRName() = %q, want empty", name)
	}
}

func TestPTRNameErrors(t *testing.T) {
	t.Run("nil address", func(t *testing.T) {
		if _, err := PTRName(context.Background(), MockResolver{}, nil); err == nil {
			t.Error("PTRName(nil) error = nil, want error")
		}
	})

	t.Run("temporary failure propagates", func(t *testing.T) {
		resolver := MockResolver{Fail: []string{"ptr 192.0.2.1"}}
		_, err := PTRName(context.Background(), resolver, &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 25})
		if !errors.Is(err, ErrDNSServFail) {
			t.Errorf("PTRName() error = %v, want %v", err, ErrDNSServFail)
		}
	})
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{})
	cfg := r.Config()

	if cfg.Timeout == 0 {
		t.Error("default timeout not set")
	}
	if cfg.Retries == 0 {
		t.Error("default retries not set")
	}
	if len(cfg.Nameservers) == 0 {
		t.Error("no nameservers configured")
	}
}

func TestNewStdResolver(t *testing.T) {
	r := NewStdResolver()
	if r == nil {
		t.Fatal("NewStdResolver() = nil")
	}
	if r.resolver == nil {
		t.Error("internal resolver is nil")
	}
}

// Integration tests need a network; keep them out of short runs.
func TestDNSResolverIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	r := NewResolver(ResolverConfig{
		Nameservers: []string{"8.8.8.8:53"},
	})
	ctx := context.Background()

	ipResult, err := r.LookupIP(ctx, "google.com")
	if err != nil {
		t.Errorf("IP lookup failed: %v", err)
	} else if len(ipResult.Records) == 0 {
		t.Error("expected IP records for google.com")
	}

	mxResult, err := r.LookupMX(ctx, "google.com")
	if err != nil {
		t.Errorf("MX lookup failed: %v", err)
	} else if len(mxResult.Records) == 0 {
		t.Error("expected MX records for google.com")
	}
}

func TestStdResolverIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	r := NewStdResolver()

	ipResult, err := r.LookupIP(context.Background(), "google.com")
	if err != nil {
		t.Errorf("IP lookup failed: %v", err)
	} else if len(ipResult.Records) == 0 {
		t.Error("expected IP records for google.com")
	}
	if ipResult.Authentic {
		t.Error("StdResolver must never report Authentic")
	}
}
