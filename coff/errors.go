package coff

import (
	"errors"
	"fmt"

	"moria.us/xbeld/internal/errwrap"
)

var (
	// ErrMalformed is returned when an object violates the COFF layout: a
	// table out of bounds, a bad string table offset, a relocation naming a
	// symbol that does not exist, and so on.
	ErrMalformed = errors.New("malformed object")

	// ErrUnsupportedSection is returned for sections the linker cannot place
	// in the image.
	ErrUnsupportedSection = errors.New("unsupported section")

	// ErrUnsupportedRelocation is returned for relocation types other than
	// DIR32, REL32 and SECREL. It matches ErrUnsupportedSection.
	ErrUnsupportedRelocation = fmt.Errorf("%w: unsupported relocation", ErrUnsupportedSection)
)

func wrapErrorSection(e error, i int, name string) error {
	return errwrap.Wrapf(e, "section %d %q", i+1, name)
}

// malformed returns ErrMalformed with a description.
func malformed(f string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(f, a...))
}
