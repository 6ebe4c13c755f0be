// Package schema plans and applies additive schema changes that bring a
// target MySQL database up to a master (source) database.
package schema

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidIdentifier is returned for names outside [A-Za-z0-9_].
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Identifier is a table name that is safe to interpolate into SQL.
type Identifier struct {
	name string
}

// NewIdentifier validates name.
func NewIdentifier(name string) (Identifier, error) {
	if !identifierPattern.MatchString(name) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return Identifier{name: name}, nil
}

// String returns the bare name.
func (i Identifier) String() string {
	return i.name
}

// Quoted returns the backtick-quoted name.
func (i Identifier) Quoted() string {
	return "`" + i.name + "`"
}

// IsZero reports whether i was never validated.
func (i Identifier) IsZero() bool {
	return i.name == ""
}

// MarshalText implements encoding.TextMarshaler.
func (i Identifier) MarshalText() ([]byte, error) {
	return []byte(i.name), nil
}
