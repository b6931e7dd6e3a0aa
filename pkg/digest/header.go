package digest

import (
	"errors"
	"strings"
)

// ErrMalformedHeader is returned for Authorization headers that are not a
// well-formed Digest credential.
var ErrMalformedHeader = errors.New("digest: malformed authorization header")

// ParseAuthorization parses a "Digest ..." Authorization header into its
// directives. Directive names are lower-cased; values may be tokens or
// quoted strings.
func ParseAuthorization(header string) (map[string]string, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, ErrMalformedHeader
	}

	directives := make(map[string]string)
	s := rest
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			break
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, ErrMalformedHeader
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		if name == "" || strings.ContainsAny(name, " \t\",") {
			return nil, ErrMalformedHeader
		}
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, `"`) {
			v, n, err := readQuoted(s)
			if err != nil {
				return nil, err
			}
			value, s = v, s[n:]
		} else {
			end := strings.IndexAny(s, ", \t")
			if end < 0 {
				end = len(s)
			}
			value, s = s[:end], s[end:]
			if value == "" {
				return nil, ErrMalformedHeader
			}
		}
		directives[name] = value

		s = strings.TrimLeft(s, " \t")
		if s != "" && s[0] != ',' {
			return nil, ErrMalformedHeader
		}
	}

	if len(directives) == 0 {
		return nil, ErrMalformedHeader
	}
	return directives, nil
}

// readQuoted reads a quoted-string at the start of s and returns its
// unescaped value and the number of bytes consumed.
func readQuoted(s string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			i++
			if i == len(s) {
				return "", 0, ErrMalformedHeader
			}
			b.WriteByte(s[i])
		case '"':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, ErrMalformedHeader
}
