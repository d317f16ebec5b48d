package evidence

import (
	"errors"
	"strings"
)

// ErrMalformedRef is returned for inputs that do not match the
// "type::source_id::fragment" shape. Callers map it to a null result at the
// API edge; it never reaches the database.
var ErrMalformedRef = errors.New("malformed evidence ref")

// Ref is a parsed citation token.
type Ref struct {
	SourceType string
	SourceID   string
	FragmentID string
}

// String renders the canonical token form.
func (r Ref) String() string {
	return r.SourceType + "::" + r.SourceID + "::" + r.FragmentID
}

// ParseRef validates and splits an opaque citation token. The token must
// contain exactly two "::" separators and three non-empty ASCII parts.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 {
		return Ref{}, ErrMalformedRef
	}
	for _, p := range parts {
		if p == "" {
			return Ref{}, ErrMalformedRef
		}
		for i := 0; i < len(p); i++ {
			if p[i] > 127 {
				return Ref{}, ErrMalformedRef
			}
		}
	}
	return Ref{SourceType: parts[0], SourceID: parts[1], FragmentID: parts[2]}, nil
}
