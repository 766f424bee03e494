// Package errwrap attaches locations to errors, so a failure deep in an
// input reads as "file: section 2: relocation 3: ...".
package errwrap

import "fmt"

// An Error is an error wrapped with a location for context.
type Error struct {
	Location string
	Inner    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Location, e.Inner)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

// Wrap returns an error wrapped with a location for context. Wrapping an
// Error again prepends to its location instead of nesting.
func Wrap(e error, loc string) error {
	if we, ok := e.(*Error); ok {
		return &Error{
			Location: loc + ": " + we.Location,
			Inner:    we.Inner,
		}
	}
	return &Error{
		Location: loc,
		Inner:    e,
	}
}

func Wrapf(e error, f string, a ...interface{}) error {
	return Wrap(e, fmt.Sprintf(f, a...))
}
