package main

import (
	"os"
	"path/filepath"
	"testing"

	"moria.us/xbeld/internal/fixture"
)

func writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, data, 0o666); err != nil {
		t.Fatal(err)
	}
}

// patchObject returns an object with a 5-byte jump between start and end.
func patchObject(start, end string) []byte {
	obj := &fixture.Object{
		Sections: []fixture.ObjSection{
			{Name: ".text", Characteristics: fixture.TextFlags, Data: []byte{0xe9, 0, 0, 0, 0, 0x90}},
		},
		Symbols: []fixture.ObjSymbol{
			{Name: start, Section: 1, Class: fixture.ClassExternal},
			{Name: end, Section: 1, Value: 5, Class: fixture.ClassExternal},
		},
	}
	return obj.Bytes()
}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test/bin/framehook_patch.o"), patchObject("_framehook_patch", "_framehook_patch_end"))
	writeFile(t, filepath.Join(dir, "test/bin/loader.o"), []byte("loader"))
	writeFile(t, filepath.Join(dir, "test/bin/mod.o"), []byte("mod"))
	writeFile(t, filepath.Join(dir, "conf.toml"), []byte(`
modfiles = ["test/bin/loader.o", "test/bin/mod.o"]

[[patch]]
patchfile = "test/bin/framehook_patch.o"
start_symbol = "_framehook_patch"
end_symbol = "_framehook_patch_end"
virtual_address = 396158

[[patch]]
section = ".data"
offset = 16
bytes = "9090c3"
`))

	cfg, err := readConfig(filepath.Join(dir, "conf.toml"))
	if err != nil {
		t.Fatal("readConfig:", err)
	}
	inputs, err := cfg.inputs()
	if err != nil {
		t.Fatal("inputs:", err)
	}
	expectInputs := []struct{ name, data string }{
		{"test/bin/loader.o", "loader"},
		{"test/bin/mod.o", "mod"},
	}
	if len(inputs) != len(expectInputs) {
		t.Fatalf("got %d inputs, expected %d", len(inputs), len(expectInputs))
	}
	for i, e := range expectInputs {
		if inputs[i].Name != e.name || string(inputs[i].Data) != e.data {
			t.Errorf("input %d: got %q (%q), expected %q (%q)", i, inputs[i].Name, inputs[i].Data, e.name, e.data)
		}
	}

	patches, err := cfg.patches()
	if err != nil {
		t.Fatal("patches:", err)
	}
	if len(patches) != 2 {
		t.Fatalf("got %d patches, expected 2", len(patches))
	}
	p := patches[0]
	if p.Name != "_framehook_patch" || p.Address != 396158 || len(p.Bytes) != 5 {
		t.Errorf("patch 0: got name %q address %d with %d bytes, expected %q %d with 5",
			p.Name, p.Address, len(p.Bytes), "_framehook_patch", 396158)
	}
	if len(p.Symbols) == 0 || p.Symbols[0].Name != "_framehook_patch" {
		t.Errorf("patch 0: got symbols %+v, expected _framehook_patch first", p.Symbols)
	}
	p = patches[1]
	if p.Section != ".data" || p.Offset != 16 || string(p.Bytes) != "\x90\x90\xc3" {
		t.Errorf("patch 1: got %+v", p)
	}
}

func TestConfigMultiPatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test/bin/framehook_patch.o"), patchObject("_framehook_patch", "_framehook_patch_end"))
	writeFile(t, filepath.Join(dir, "test/bin/mod.o"), patchObject("start", "end"))
	writeFile(t, filepath.Join(dir, "conf.toml"), []byte(`
modfiles = []

[[patch]]
patchfile = "test/bin/framehook_patch.o"
start_symbol = "_framehook_patch"
end_symbol = "_framehook_patch_end"
virtual_address = 396158

[[patch]]
patchfile = "test/bin/mod.o"
start_symbol = "start"
end_symbol = "end"
virtual_address = 1234
`))

	cfg, err := readConfig(filepath.Join(dir, "conf.toml"))
	if err != nil {
		t.Fatal("readConfig:", err)
	}
	if n := len(cfg.ModFiles); n != 0 {
		t.Errorf("got %d modfiles, expected 0", n)
	}
	patches, err := cfg.patches()
	if err != nil {
		t.Fatal("patches:", err)
	}
	expect := []struct {
		name string
		addr uint32
	}{
		{"_framehook_patch", 396158},
		{"start", 1234},
	}
	if len(patches) != len(expect) {
		t.Fatalf("got %d patches, expected %d", len(patches), len(expect))
	}
	for i, e := range expect {
		if p := patches[i]; p.Name != e.name || p.Address != e.addr {
			t.Errorf("patch %d: got %q at %d, expected %q at %d", i, p.Name, p.Address, e.name, e.addr)
		}
	}
}

func TestConfigErrors(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "conf.toml")

	readErrors := []string{
		`modfiles = "mod.o"`,
		`modfile = ["mod.o"]`,
		"[[patch]]\nvirtual_address = -1",
		"[[patch]]\npatchfile = \"p.o\"\nstart = \"a\"",
		"modfiles = [",
	}
	for i, c := range readErrors {
		writeFile(t, name, []byte(c))
		if _, err := readConfig(name); err == nil {
			t.Errorf("read case %d: got nil error", i)
		}
	}

	patchErrors := []string{
		"[[patch]]\nsection = \".text\"\nbytes = \"zz\"",
		"[[patch]]\nsection = \".text\"",
		"[[patch]]\npatchfile = \"missing.o\"\nstart_symbol = \"a\"\nend_symbol = \"b\"",
		"[[patch]]\npatchfile = \"p.o\"",
	}
	for i, c := range patchErrors {
		writeFile(t, name, []byte(c))
		cfg, err := readConfig(name)
		if err != nil {
			t.Errorf("patch case %d: readConfig: %v", i, err)
			continue
		}
		if _, err := cfg.patches(); err == nil {
			t.Errorf("patch case %d: got nil error", i)
		}
	}
}
