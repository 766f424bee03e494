package link

import (
	"fmt"
	"strconv"
	"strings"

	"moria.us/xbeld/internal/errwrap"
)

// A ValueKind says how a symbol value is located.
type ValueKind uint8

const (
	// Undefined is a placeholder for a symbol that has been referenced but
	// not defined.
	Undefined ValueKind = iota
	// SectionRelative is an offset within an input section, which is
	// located once sections are allocated.
	SectionRelative
	// Absolute is a fixed virtual address.
	Absolute
)

func (k ValueKind) String() string {
	switch k {
	case Undefined:
		return "undefined"
	case SectionRelative:
		return "section-relative"
	case Absolute:
		return "absolute"
	}
	return "ValueKind(" + strconv.Itoa(int(k)) + ")"
}

// A SectionRef identifies an input section: section Section (0-based) of
// input object Object. Linker-allocated common blocks use Object -1.
type SectionRef struct {
	Object  int
	Section int
}

// A Value is the value bound to a symbol. Values are compared with ==.
type Value struct {
	Kind    ValueKind
	Section SectionRef // for SectionRelative
	Offset  uint32     // offset within Section, or the address if Absolute
}

// SectionValue returns a value at an offset within an input section.
func SectionValue(obj, sec int, off uint32) Value {
	return Value{Kind: SectionRelative, Section: SectionRef{obj, sec}, Offset: off}
}

// AbsoluteValue returns a value at a fixed address.
func AbsoluteValue(addr uint32) Value {
	return Value{Kind: Absolute, Offset: addr}
}

func (v Value) String() string {
	switch v.Kind {
	case Undefined:
		return "undefined"
	case SectionRelative:
		return fmt.Sprintf("object %d section %d + 0x%x", v.Section.Object, v.Section.Section+1, v.Offset)
	case Absolute:
		return fmt.Sprintf("0x%08x", v.Offset)
	}
	return v.Kind.String()
}

// A Layout gives the final virtual address of each input section.
type Layout interface {
	SectionAddress(ref SectionRef) (uint32, bool)
}

// resolve returns the address of a value.
func resolve(v Value, l Layout) (uint32, error) {
	switch v.Kind {
	case Undefined:
		return 0, ErrUnresolvedSymbol
	case SectionRelative:
		base, ok := l.SectionAddress(v.Section)
		if !ok {
			return 0, fmt.Errorf("%s is in a section that is not part of the image", v)
		}
		addr := uint64(base) + uint64(v.Offset)
		if addr >= 1<<32 {
			return 0, fmt.Errorf("%w: address 0x%x", ErrRelocationOutOfRange, addr)
		}
		return uint32(addr), nil
	case Absolute:
		return v.Offset, nil
	}
	panic("link: invalid value kind " + v.Kind.String())
}

// A SymbolID is a slot in a symbol table.
type SymbolID int

type symbolEntry struct {
	name   string
	value  Value
	origin string // where the symbol was defined, for errors
}

// A SymbolTable maps global symbol names to values. Slots are kept in the
// order they were first registered.
type SymbolTable struct {
	entries []symbolEntry
	byName  map[string]SymbolID
	addrs   []uint32
	final   bool
}

// NewSymbolTable returns an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byName: make(map[string]SymbolID)}
}

// Len returns the number of symbols in the table.
func (t *SymbolTable) Len() int {
	return len(t.entries)
}

// Reference returns the slot for a symbol, creating an undefined slot if the
// symbol is not yet known.
func (t *SymbolTable) Reference(name string) SymbolID {
	if id, ok := t.byName[name]; ok {
		return id
	}
	id := SymbolID(len(t.entries))
	t.entries = append(t.entries, symbolEntry{name: name})
	t.byName[name] = id
	return id
}

// Define binds a symbol to a value. Defining a symbol again with the same
// value is allowed; defining it with a different value is an error. The
// origin names the definition in error messages.
func (t *SymbolTable) Define(name string, v Value, origin string) error {
	if t.final {
		return fmt.Errorf("symbol %q: defined after the table was finalized", name)
	}
	if v.Kind == Undefined {
		return fmt.Errorf("symbol %q: definition has no value", name)
	}
	e := &t.entries[t.Reference(name)]
	switch {
	case e.value.Kind == Undefined:
		e.value = v
		e.origin = origin
	case e.value != v:
		return fmt.Errorf("%w %q: defined in %s and %s", ErrDuplicateSymbol, name, e.origin, origin)
	}
	return nil
}

// Lookup returns the value bound to a symbol. It returns false if the symbol
// has never been referenced or defined.
func (t *SymbolTable) Lookup(name string) (Value, bool) {
	id, ok := t.byName[name]
	if !ok {
		return Value{}, false
	}
	return t.entries[id].value, true
}

func (t *SymbolTable) lookupID(name string) (SymbolID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Finalize checks that every symbol is defined and computes the address of
// each symbol. It lists every undefined symbol in the error.
func (t *SymbolTable) Finalize(l Layout) error {
	var undef []string
	for _, e := range t.entries {
		if e.value.Kind == Undefined {
			undef = append(undef, strconv.Quote(e.name))
		}
	}
	if len(undef) != 0 {
		return fmt.Errorf("%w: %s", ErrUnresolvedSymbol, strings.Join(undef, ", "))
	}
	addrs := make([]uint32, len(t.entries))
	for i, e := range t.entries {
		addr, err := resolve(e.value, l)
		if err != nil {
			return errwrap.Wrapf(err, "symbol %q", e.name)
		}
		addrs[i] = addr
	}
	t.addrs = addrs
	t.final = true
	return nil
}

// Address returns the address of a symbol. It may only be called after a
// successful Finalize.
func (t *SymbolTable) Address(id SymbolID) uint32 {
	if !t.final {
		panic("link: Address before Finalize")
	}
	return t.addrs[id]
}
