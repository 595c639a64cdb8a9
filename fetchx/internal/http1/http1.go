// Package http1 implements HTTP/1.1 wire framing for the client:
// request encoding, response parsing, and chunked transfer coding.
// Header fields are kept as an ordered slice so that duplicate headers
// and insertion order survive a round trip.
package http1

import (
	"bufio"
	"errors"
	"strings"
)

var (
	// ErrMalformed reports malformed status lines, headers or chunk
	// syntax. Mid-stream connection loss is reported as
	// io.ErrUnexpectedEOF instead.
	ErrMalformed = errors.New("http1: malformed message")
	// ErrHeaderTooLarge reports a header line or block over the limit.
	ErrHeaderTooLarge = errors.New("http1: header too large")
)

// Field is one header line on the wire, in received or written order.
type Field struct {
	Name  string
	Value string
}

// CanonicalKey canonicalizes a header name (content-type →
// Content-Type). Small local canonicalizer so the codec does not
// depend on net/textproto.
func CanonicalKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}

func get(fields []Field, name string) string {
	k := CanonicalKey(name)
	for _, f := range fields {
		if CanonicalKey(f.Name) == k {
			return f.Value
		}
	}
	return ""
}

func values(fields []Field, name string) []string {
	k := CanonicalKey(name)
	var out []string
	for _, f := range fields {
		if CanonicalKey(f.Name) == k {
			out = append(out, f.Value)
		}
	}
	return out
}

func hasChunkedTE(fields []Field) bool {
	for _, v := range values(fields, "Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// readLine reads one CRLF (or bare LF) terminated line, enforcing a
// byte limit.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", ErrHeaderTooLarge
		}
	}
	return sb.String(), nil
}

// SanitizeHeaderKey ensures a header name is a valid token; it returns
// the empty string if not.
func SanitizeHeaderKey(k string) string {
	if k == "" {
		return ""
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return ""
		}
	}
	return k
}

// SanitizeHeaderValue removes CR/LF and control chars except HTAB.
func SanitizeHeaderValue(v string) string {
	if v == "" {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0x7f {
			continue
		}
		if c < 0x20 && c != '\t' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
