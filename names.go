package dsb

import (
	"strconv"
	"strings"

	"github.com/creachadair/mds/mapset"
)

// The name encoders below produce bus-legal names from arbitrary
// adapter-supplied strings. Their output is externally visible, so
// changing any of them renames things on the bus.

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlnum(c byte) bool { return isAlpha(c) || isDigit(c) }
func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// EncodeBusObjectName returns s encoded for use in a bus object path.
//
// Alphanumerics are kept, whitespace and '_' become '_', '.' and '/'
// become '/', everything else is dropped, and leading and trailing
// '/' are trimmed.
func EncodeBusObjectName(s string) string {
	var ret strings.Builder
	for i := range len(s) {
		switch c := s[i]; {
		case isAlnum(c):
			ret.WriteByte(c)
		case isSpace(c), c == '_':
			ret.WriteByte('_')
		case c == '.', c == '/':
			ret.WriteByte('/')
		}
	}
	return strings.Trim(ret.String(), "/")
}

// EncodeMemberName returns s encoded as a method, property or signal
// name.
//
// The first kept character must be a letter. After that
// alphanumerics are kept, and every other character is dropped and
// starts a new word. The first letter of each word is upper cased.
func EncodeMemberName(s string) string {
	var (
		ret      strings.Builder
		newWord  = true
		haveHead = false
	)
	for i := range len(s) {
		c := s[i]
		if !isAlnum(c) || (!haveHead && !isAlpha(c)) {
			newWord = true
			continue
		}
		if newWord && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		ret.WriteByte(c)
		newWord = false
		haveHead = true
	}
	return ret.String()
}

// EncodeInterfaceName returns s encoded as an interface name: only
// alphanumerics and '.' are kept, and leading and trailing '.' are
// trimmed.
func EncodeInterfaceName(s string) string {
	var ret strings.Builder
	for i := range len(s) {
		if c := s[i]; isAlnum(c) || c == '.' {
			ret.WriteByte(c)
		}
	}
	return strings.Trim(ret.String(), ".")
}

// EncodeServiceName returns s encoded as one element of a service
// name: only alphanumerics are kept, and a leading digit gets a '_'
// prefix.
func EncodeServiceName(s string) string {
	ret := EncodeAppName(s)
	if ret != "" && isDigit(ret[0]) {
		ret = "_" + ret
	}
	return ret
}

// EncodeRootServiceName returns s encoded as the root of service and
// interface names, such as "com.example.bridge".
//
// Letters, digits and '.' are kept, a '_' is inserted before any
// digit that immediately follows a '.', and leading and trailing '.'
// are trimmed.
func EncodeRootServiceName(s string) string {
	var (
		ret  strings.Builder
		prev byte
	)
	for i := range len(s) {
		c := s[i]
		switch {
		case isAlpha(c), c == '.':
		case isDigit(c):
			if prev == '.' {
				ret.WriteByte('_')
			}
		default:
			continue
		}
		ret.WriteByte(c)
		prev = c
	}
	return strings.Trim(ret.String(), ".")
}

// EncodeAppName returns s with everything but alphanumerics dropped.
func EncodeAppName(s string) string {
	var ret strings.Builder
	for i := range len(s) {
		if c := s[i]; isAlnum(c) {
			ret.WriteByte(c)
		}
	}
	return ret.String()
}

// A memberNamer hands out unique member names within one interface.
type memberNamer struct {
	used mapset.Set[string]
	next int
}

// name returns the encoded form of s, with a "_<n>" suffix if the
// encoded name is already taken. Suffixes come from a counter that
// only ever increases.
func (m *memberNamer) name(s string) string {
	if m.used == nil {
		m.used = mapset.New[string]()
		m.next = 1
	}
	base := EncodeMemberName(s)
	ret := base
	for m.used.Has(ret) {
		ret = base + "_" + strconv.Itoa(m.next)
		m.next++
	}
	m.used.Add(ret)
	return ret
}
