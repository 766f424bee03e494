package errwrap_test

import (
	"errors"
	"testing"

	"moria.us/xbeld/internal/errwrap"
)

func TestWrap(t *testing.T) {
	base := errors.New("bad value")
	err := errwrap.Wrap(errwrap.Wrapf(base, "relocation %d", 3), "mod.obj")
	if s, e := err.Error(), "mod.obj: relocation 3: bad value"; s != e {
		t.Errorf("got %q, expected %q", s, e)
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error does not match its cause")
	}
	var we *errwrap.Error
	if !errors.As(err, &we) {
		t.Fatal("errors.As failed")
	}
	if we.Inner != base {
		t.Errorf("got inner %v, expected the unwrapped cause", we.Inner)
	}
}
