// Package headers implements the case-insensitive, order-preserving,
// multi-valued header collection used by Request/Response and the
// Connection protocol engine, grounded on the teacher's readHeaders loop
// in pkg/client/client.go (textproto.CanonicalMIMEHeaderKey normalization,
// continuation-line folding rejected rather than honored).
package headers

import (
	"strings"

	"github.com/sockwire/httpkit/pkg/errors"
)

type entry struct {
	key   string // Camel-Case canonical form, e.g. "Content-Type"
	value string
}

// Headers is an ordered, case-insensitive, multi-valued header collection.
// The zero value is ready to use.
type Headers struct {
	entries []entry
}

// New returns an empty Headers collection.
func New() *Headers {
	return &Headers{}
}

// canonicalize converts a header name to Camel-Case form in a single pass:
// an ASCII letter is forced uppercase unless the byte immediately before it
// was itself an ASCII letter, in which case it's forced lowercase. Every
// other byte (digits, '-', etc.) passes through unchanged and resets the
// "previous was a letter" state, so "sec-websocket-key" -> "Sec-Websocket-Key"
// and "agent5g" -> "Agent5G".
func canonicalize(name string) string {
	out := []byte(name)
	prevWasLetter := false
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			if prevWasLetter {
				out[i] = c | 0x20 // lowercase
			} else {
				out[i] = c &^ 0x20 // uppercase
			}
			prevWasLetter = true
		default:
			prevWasLetter = false
		}
	}
	return string(out)
}

// Set replaces all existing values for name with a single value.
func (h *Headers) Set(name, value string) {
	canon := canonicalize(name)
	h.Remove(name)
	h.entries = append(h.entries, entry{key: canon, value: value})
}

// Add appends value to name's existing values without removing them.
func (h *Headers) Add(name, value string) {
	h.entries = append(h.entries, entry{key: canonicalize(name), value: value})
}

// Get returns the first value for name and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	canon := canonicalize(name)
	for _, e := range h.entries {
		if e.key == canon {
			return e.value, true
		}
	}
	return "", false
}

// GetAll returns every value for name, in insertion order.
func (h *Headers) GetAll(name string) []string {
	canon := canonicalize(name)
	var values []string
	for _, e := range h.entries {
		if e.key == canon {
			values = append(values, e.value)
		}
	}
	return values
}

// Single returns the sole value for name, failing with
// CodeMissingHeaderInResponse if name has no value and with CodeFormatError
// if it has more than one — used where the protocol forbids repetition
// (e.g. Content-Length).
func (h *Headers) Single(name string) (string, error) {
	values := h.GetAll(name)
	switch len(values) {
	case 0:
		return "", errors.NewProtocolError(errors.CodeMissingHeaderInResponse, "missing header: "+name)
	case 1:
		return values[0], nil
	default:
		return "", errors.NewProtocolError(errors.CodeFormatError, "header repeated but must be singular: "+name)
	}
}

// Contains reports whether name has at least one value.
func (h *Headers) Contains(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Matches reports whether name's sole value case-insensitively equals want.
func (h *Headers) Matches(name, want string) bool {
	v, ok := h.Get(name)
	return ok && strings.EqualFold(v, want)
}

// StartsWith reports whether name's sole value case-insensitively starts
// with prefix — used for "Transfer-Encoding: chunked" style checks that
// tolerate trailing encodings.
func (h *Headers) StartsWith(name, prefix string) bool {
	v, ok := h.Get(name)
	return ok && len(v) >= len(prefix) && strings.EqualFold(v[:len(prefix)], prefix)
}

// Remove deletes every value for name.
func (h *Headers) Remove(name string) {
	canon := canonicalize(name)
	out := h.entries[:0]
	for _, e := range h.entries {
		if e.key != canon {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Copy returns a deep copy.
func (h *Headers) Copy() *Headers {
	c := &Headers{entries: make([]entry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// Each calls fn for every header in insertion order.
func (h *Headers) Each(fn func(key, value string)) {
	for _, e := range h.entries {
		fn(e.key, e.value)
	}
}

// Len returns the number of header/value pairs.
func (h *Headers) Len() int {
	return len(h.entries)
}

// WriteTo serializes the headers in "Key: value\r\n" form, in insertion
// order, without a trailing blank line (callers append the blank line that
// terminates the header block themselves).
func (h *Headers) WriteTo(sb *strings.Builder) {
	for _, e := range h.entries {
		sb.WriteString(e.key)
		sb.WriteString(": ")
		sb.WriteString(e.value)
		sb.WriteString("\r\n")
	}
}
