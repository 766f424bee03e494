package link

import (
	"errors"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/xbe"
)

var (
	// ErrDuplicateSymbol is returned when a global symbol is bound to two
	// different values.
	ErrDuplicateSymbol = errors.New("duplicate symbol")

	// ErrUnresolvedSymbol is returned when a referenced symbol is never
	// defined.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")

	// ErrRelocationOutOfRange is returned when a relocated value does not
	// fit in its field.
	ErrRelocationOutOfRange = errors.New("relocation out of range")

	// ErrPatchOutOfBounds is returned when a patch does not lie within the
	// stored bytes of an image section.
	ErrPatchOutOfBounds = errors.New("patch out of bounds")

	// ErrPatchConflict is returned when two patches write the same bytes.
	ErrPatchConflict = errors.New("patch conflict")

	ErrMalformedObject    = coff.ErrMalformed
	ErrUnsupportedSection = coff.ErrUnsupportedSection
	ErrHeaderOverflow     = xbe.ErrHeaderOverflow
)
