// Package utils holds small helpers shared across the server.
package utils

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/signalsciences/tlstext"
)

func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		// Fall back to the string representation
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

var ulidMu sync.Mutex

// GenerateSessionID returns a new ULID. IDs are lexicographically
// sortable by creation time, which keeps log correlation cheap.
func GenerateSessionID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// TLSVersionString returns the human-readable TLS version name for a
// completed handshake, e.g. "TLS12".
func TLSVersionString(state tls.ConnectionState) string {
	return tlstext.Version(state.Version)
}

// TLSCipherString returns the cipher suite name for a completed
// handshake, e.g. "TLS_AES_128_GCM_SHA256".
func TLSCipherString(state tls.ConnectionState) string {
	return tlstext.CipherSuite(state.CipherSuite)
}
