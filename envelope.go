package wren

import (
	"fmt"
	"strings"

	"github.com/tinylib/msgp/msgp"
	"golang.org/x/net/idna"
)

// Args holds the ESMTP parameters attached to a MAIL FROM or RCPT TO
// path. Present distinguishes "no parameter section" from an empty
// one. Keys are uppercased at parse time.
type Args struct {
	Present bool
	Values  map[string]string
}

// Get looks up a parameter by key. Keys are stored uppercased.
func (a Args) Get(key string) (string, bool) {
	if !a.Present {
		return "", false
	}
	v, ok := a.Values[strings.ToUpper(key)]
	return v, ok
}

// Address is a reverse-path or forward-path as received on the wire.
// An empty Address is the null sender used for bounces.
type Address struct {
	Address string
	Args    Args
}

// IsNull reports whether this is the null reverse-path <>.
func (a Address) IsNull() bool {
	return a.Address == ""
}

// String renders the path in angle-bracket form.
func (a Address) String() string {
	return "<" + a.Address + ">"
}

// Local returns the part before the final @, or the whole address when
// no @ is present.
func (a Address) Local() string {
	if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
		return a.Address[:i]
	}
	return a.Address
}

// Domain returns the part after the final @, or "" when no @ is
// present.
func (a Address) Domain() string {
	if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
		return a.Address[i+1:]
	}
	return ""
}

// ASCII returns the address with an internationalized domain converted
// to its A-label form.
func (a Address) ASCII() (string, error) {
	domain := a.Domain()
	if domain == "" {
		return a.Address, nil
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("idna conversion of %q: %w", domain, err)
	}
	return a.Local() + "@" + ascii, nil
}

// Envelope is the transaction state accumulated from MAIL FROM and
// RCPT TO commands. Recipients keep their arrival order.
type Envelope struct {
	MailFrom Address
	RcptTo   []Address
}

// Reset clears the envelope. Called at session start, on RSET, and
// after a message is accepted.
func (e *Envelope) Reset() {
	e.MailFrom = Address{}
	e.RcptTo = nil
}

// AddRecipient appends a recipient, preserving order.
func (e *Envelope) AddRecipient(addr Address) {
	e.RcptTo = append(e.RcptTo, addr)
}

// ---- MessagePack ----
//
// Envelopes are snapshotted to MessagePack when handed to a queue.
// The encoding is hand-written so the wire layout stays stable across
// field additions.

// MarshalMsg implements msgp.Marshaler.
func (a Address) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "address")
	b = msgp.AppendString(b, a.Address)
	b = msgp.AppendString(b, "args")
	if !a.Args.Present {
		b = msgp.AppendNil(b)
		return b, nil
	}
	b = msgp.AppendMapHeader(b, uint32(len(a.Args.Values)))
	for k, v := range a.Args.Values {
		b = msgp.AppendString(b, k)
		b = msgp.AppendString(b, v)
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (a *Address) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for range sz {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch string(key) {
		case "address":
			a.Address, b, err = msgp.ReadStringBytes(b)
			if err != nil {
				return b, err
			}
		case "args":
			if msgp.IsNil(b) {
				a.Args = Args{}
				b, err = msgp.ReadNilBytes(b)
				if err != nil {
					return b, err
				}
				continue
			}
			var n uint32
			n, b, err = msgp.ReadMapHeaderBytes(b)
			if err != nil {
				return b, err
			}
			values := make(map[string]string, n)
			for range n {
				var k, v string
				k, b, err = msgp.ReadStringBytes(b)
				if err != nil {
					return b, err
				}
				v, b, err = msgp.ReadStringBytes(b)
				if err != nil {
					return b, err
				}
				values[k] = v
			}
			a.Args = Args{Present: true, Values: values}
		default:
			b, err = msgp.Skip(b)
			if err != nil {
				return b, err
			}
		}
	}
	return b, nil
}

// Msgsize implements msgp.Sizer.
func (a Address) Msgsize() int {
	s := msgp.MapHeaderSize + 8 + msgp.StringPrefixSize + len(a.Address) + 5
	if !a.Args.Present {
		return s + msgp.NilSize
	}
	s += msgp.MapHeaderSize
	for k, v := range a.Args.Values {
		s += msgp.StringPrefixSize + len(k) + msgp.StringPrefixSize + len(v)
	}
	return s
}

// MarshalMsg implements msgp.Marshaler.
func (e *Envelope) MarshalMsg(b []byte) ([]byte, error) {
	var err error
	b = msgp.AppendMapHeader(b, 2)
	b = msgp.AppendString(b, "mail_from")
	b, err = e.MailFrom.MarshalMsg(b)
	if err != nil {
		return b, err
	}
	b = msgp.AppendString(b, "rcpt_to")
	b = msgp.AppendArrayHeader(b, uint32(len(e.RcptTo)))
	for _, rcpt := range e.RcptTo {
		b, err = rcpt.MarshalMsg(b)
		if err != nil {
			return b, err
		}
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (e *Envelope) UnmarshalMsg(b []byte) ([]byte, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return b, err
	}
	for range sz {
		var key []byte
		key, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return b, err
		}
		switch string(key) {
		case "mail_from":
			b, err = e.MailFrom.UnmarshalMsg(b)
			if err != nil {
				return b, err
			}
		case "rcpt_to":
			var n uint32
			n, b, err = msgp.ReadArrayHeaderBytes(b)
			if err != nil {
				return b, err
			}
			e.RcptTo = make([]Address, n)
			for i := range e.RcptTo {
				b, err = e.RcptTo[i].UnmarshalMsg(b)
				if err != nil {
					return b, err
				}
			}
		default:
			b, err = msgp.Skip(b)
			if err != nil {
				return b, err
			}
		}
	}
	return b, nil
}

// Msgsize implements msgp.Sizer.
func (e *Envelope) Msgsize() int {
	s := msgp.MapHeaderSize + 10 + 8 + e.MailFrom.Msgsize() + msgp.ArrayHeaderSize
	for _, rcpt := range e.RcptTo {
		s += rcpt.Msgsize()
	}
	return s
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return e.MarshalMsg(make([]byte, 0, e.Msgsize()))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	_, err := e.UnmarshalMsg(data)
	return err
}
