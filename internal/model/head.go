// Package model defines shared types for the proxy.
package model

import (
	"bytes"
	"strings"
)

// HeaderField is one request header line. Raw holds the original line
// (without CRLF) while the field is untouched; it is cleared when the field
// is renamed so serialization re-emits it in canonical "Name: Value" form.
type HeaderField struct {
	Name  string
	Value string
	Raw   []byte
}

// RequestHead is the request line plus header block of the first request on
// a connection.
type RequestHead struct {
	Method  string
	Target  string
	Version string
	Headers []HeaderField

	// Raw is the head exactly as received, including the terminating blank line.
	Raw []byte
	// Size is the number of bytes consumed up to and including "\r\n\r\n".
	Size int
	// Modified is set once the header sequence no longer matches Raw.
	Modified bool
}

// Get returns the value of the first header named name (case-insensitive).
func (h *RequestHead) Get(name string) (string, bool) {
	for _, f := range h.Headers {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Bytes returns the head as it should be written upstream. An unmodified
// head is returned byte-for-byte as received.
func (h *RequestHead) Bytes() []byte {
	if !h.Modified {
		return h.Raw
	}

	var b bytes.Buffer
	b.Grow(len(h.Raw) + 16)
	b.WriteString(h.Method)
	b.WriteByte(' ')
	b.WriteString(h.Target)
	b.WriteByte(' ')
	b.WriteString(h.Version)
	b.WriteString("\r\n")
	for _, f := range h.Headers {
		if f.Raw != nil {
			b.Write(f.Raw)
		} else {
			b.WriteString(f.Name)
			b.WriteString(": ")
			b.WriteString(f.Value)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
