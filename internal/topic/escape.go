package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Topic components may contain dots and whitespace, which are meaningful to
// the router's wildcard matching. Both are escaped with NUL sequences: a dot
// becomes three NULs, and each recognized whitespace character becomes a NUL
// followed by its two-digit zero-padded index into the table below. NUL
// itself must never appear in component input.
var escapableSpaces = [...]rune{
	'\t',     // 00
	'\n',     // 01
	'\v',     // 02
	'\f',     // 03
	'\r',     // 04
	' ',      // 05
	' ', // 06
	' ', // 07
	' ', // 08
	' ', // 09
	' ', // 10
	' ', // 11
	' ', // 12
	' ', // 13
	' ', // 14
	' ', // 15
	' ', // 16
	' ', // 17
	' ', // 18
	' ', // 19
	' ', // 20
	' ', // 21
	' ', // 22
	'　', // 23
}

var spaceIndex = func() map[rune]int {
	m := make(map[rune]int, len(escapableSpaces))
	for i, r := range escapableSpaces {
		m[r] = i
	}
	return m
}()

var (
	ErrForbiddenChar   = errors.New("topic: component contains a forbidden character")
	ErrMalformedEscape = errors.New("topic: malformed escape sequence")
)

// EncodeComponent escapes a topic component so it occupies exactly one
// dot-separated segment on the wire. NUL, '#', '+' and '/' are rejected.
func EncodeComponent(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0:
			return "", fmt.Errorf("%w: NUL", ErrForbiddenChar)
		case r == '#' || r == '+' || r == '/':
			return "", fmt.Errorf("%w: %q", ErrForbiddenChar, r)
		case r == '.':
			b.WriteString("\x00\x00\x00")
		default:
			if i, ok := spaceIndex[r]; ok {
				b.WriteByte(0)
				b.WriteByte('0' + byte(i/10))
				b.WriteByte('0' + byte(i%10))
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String(), nil
}

// DecodeComponent reverses EncodeComponent. Every NUL consumes the two
// following bytes as one escape unit; two further NULs decode to a dot,
// two decimal digits decode to the indexed whitespace character.
func DecodeComponent(s string) (string, error) {
	nul := strings.IndexByte(s, 0)
	if nul < 0 {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != 0 {
			next := strings.IndexByte(s[i:], 0)
			if next < 0 {
				b.WriteString(s[i:])
				break
			}
			b.WriteString(s[i : i+next])
			i += next
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%w: truncated", ErrMalformedEscape)
		}
		hi, lo := s[i+1], s[i+2]
		switch {
		case hi == 0 && lo == 0:
			b.WriteByte('.')
		case hi >= '0' && hi <= '9' && lo >= '0' && lo <= '9':
			idx := int(hi-'0')*10 + int(lo-'0')
			if idx >= len(escapableSpaces) {
				return "", fmt.Errorf("%w: index %02d out of range", ErrMalformedEscape, idx)
			}
			b.WriteRune(escapableSpaces[idx])
		default:
			return "", fmt.Errorf("%w: %q", ErrMalformedEscape, s[i:i+3])
		}
		i += 3
	}
	return b.String(), nil
}

func isEscapableSpace(r rune) bool {
	_, ok := spaceIndex[r]
	return ok
}
