// Package httphead parses and rewrites the head of the first HTTP/1.x request
// on a connection without consuming the body that follows it.
package httphead

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"host-smuggler/internal/model"
)

var (
	// ErrNeedMoreData means the head terminator has not arrived yet.
	ErrNeedMoreData = errors.New("need more data")
	// ErrMalformedRequest is returned for any head that cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrHeaderTooLarge is returned when the head exceeds the size bound.
	ErrHeaderTooLarge = fmt.Errorf("%w: header block too large", ErrMalformedRequest)
)

var headTerminator = []byte("\r\n\r\n")

// Parser accumulates bytes from a client until a full request head is
// available. It is resumable: each Feed only scans bytes it has not seen.
type Parser struct {
	maxBytes int
	buf      []byte
	scanned  int
	head     *model.RequestHead
	err      error
}

// NewParser creates a Parser that gives up once maxBytes have been buffered
// without finding the end of the head.
func NewParser(maxBytes int) *Parser {
	return &Parser{maxBytes: maxBytes}
}

// Feed appends p to the buffer and tries to complete the head. It returns
// ErrNeedMoreData until the terminator is seen. Once a head has been
// returned, further input is only buffered.
func (p *Parser) Feed(data []byte) (*model.RequestHead, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.buf = append(p.buf, data...)
	if p.head != nil {
		return p.head, nil
	}

	// The terminator may straddle the previous chunk boundary.
	start := max(0, p.scanned-len(headTerminator)+1)
	idx := bytes.Index(p.buf[start:], headTerminator)
	if idx < 0 {
		p.scanned = len(p.buf)
		if len(p.buf) > p.maxBytes {
			p.err = ErrHeaderTooLarge
			return nil, p.err
		}
		return nil, ErrNeedMoreData
	}

	end := start + idx + len(headTerminator)
	if end > p.maxBytes {
		p.err = ErrHeaderTooLarge
		return nil, p.err
	}

	head, err := parseHead(p.buf[:end])
	if err != nil {
		p.err = err
		return nil, err
	}
	p.head = head
	return head, nil
}

// Buffered returns the bytes received after the head: the start of the body
// or of a pipelined request. They must be forwarded as-is.
func (p *Parser) Buffered() []byte {
	if p.head == nil {
		return nil
	}
	return p.buf[p.head.Size:]
}

// Len returns the number of bytes buffered so far.
func (p *Parser) Len() int {
	return len(p.buf)
}

func parseHead(raw []byte) (*model.RequestHead, error) {
	lines := bytes.Split(raw[:len(raw)-len(headTerminator)], []byte("\r\n"))

	head := &model.RequestHead{
		Raw:     raw,
		Size:    len(raw),
		Headers: make([]model.HeaderField, 0, len(lines)-1),
	}

	if err := parseRequestLine(head, lines[0]); err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		f, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		head.Headers = append(head.Headers, f)
	}
	return head, nil
}

func parseRequestLine(head *model.RequestHead, line []byte) error {
	if len(line) == 0 {
		return fmt.Errorf("%w: missing request line", ErrMalformedRequest)
	}
	if bytes.ContainsAny(line, "\r\n\t") {
		return fmt.Errorf("%w: control character in request line", ErrMalformedRequest)
	}

	parts := strings.Split(string(line), " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return fmt.Errorf("%w: request line must be \"METHOD TARGET VERSION\"", ErrMalformedRequest)
	}
	if !IsToken(parts[0]) {
		return fmt.Errorf("%w: invalid method", ErrMalformedRequest)
	}
	if !strings.HasPrefix(parts[2], "HTTP/") {
		return fmt.Errorf("%w: unsupported protocol version", ErrMalformedRequest)
	}

	head.Method, head.Target, head.Version = parts[0], parts[1], parts[2]
	return nil
}

func parseHeaderLine(line []byte) (model.HeaderField, error) {
	if line[0] == ' ' || line[0] == '\t' {
		return model.HeaderField{}, fmt.Errorf("%w: obsolete header line folding", ErrMalformedRequest)
	}
	if bytes.ContainsAny(line, "\r\n") {
		return model.HeaderField{}, fmt.Errorf("%w: bare CR or LF in header", ErrMalformedRequest)
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return model.HeaderField{}, fmt.Errorf("%w: header line without name", ErrMalformedRequest)
	}
	name := string(line[:colon])
	if !IsToken(name) {
		return model.HeaderField{}, fmt.Errorf("%w: invalid header name", ErrMalformedRequest)
	}

	return model.HeaderField{
		Name:  name,
		Value: strings.Trim(string(line[colon+1:]), " \t"),
		Raw:   line,
	}, nil
}

// IsToken reports whether s is a valid HTTP token (RFC 9110 §5.6.2), the
// grammar of methods and header field names.
func IsToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
