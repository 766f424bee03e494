package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"moria.us/xbeld/coff"
	"moria.us/xbeld/internal/errwrap"
	"moria.us/xbeld/link"
)

// A patchConfig is one patch in the configuration file. A patch either
// comes from a patch object, between two of its symbols, or is given
// directly as hex bytes.
type patchConfig struct {
	Name string `toml:"name"`

	PatchFile      string `toml:"patchfile"`
	StartSymbol    string `toml:"start_symbol"`
	EndSymbol      string `toml:"end_symbol"`
	VirtualAddress uint32 `toml:"virtual_address"`

	Section string `toml:"section"`
	Offset  uint32 `toml:"offset"`
	Bytes   string `toml:"bytes"`
}

// A config describes a mod: the objects to link and the patches to apply.
type config struct {
	ModFiles []string      `toml:"modfiles"`
	Patches  []patchConfig `toml:"patch"`

	dir string // directory relative paths are resolved against
}

// readConfig reads a TOML mod configuration. Unknown keys are an error.
func readConfig(name string) (*config, error) {
	var c config
	md, err := toml.DecodeFile(name, &c)
	if err != nil {
		return nil, errwrap.Wrap(err, name)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", name, strings.Join(names, ", "))
	}
	c.dir = filepath.Dir(name)
	return &c, nil
}

func (c *config) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.dir, name)
}

// inputs reads the mod object files.
func (c *config) inputs() ([]link.Input, error) {
	inputs := make([]link.Input, len(c.ModFiles))
	for i, name := range c.ModFiles {
		data, err := os.ReadFile(c.path(name))
		if err != nil {
			return nil, err
		}
		inputs[i] = link.Input{Name: name, Data: data}
	}
	return inputs, nil
}

func (pc *patchConfig) patch(c *config) (*link.Patch, error) {
	if pc.PatchFile != "" {
		if pc.Bytes != "" || pc.Section != "" {
			return nil, errors.New("patchfile cannot be combined with bytes or section")
		}
		if pc.StartSymbol == "" || pc.EndSymbol == "" {
			return nil, errors.New("patchfile requires start_symbol and end_symbol")
		}
		data, err := os.ReadFile(c.path(pc.PatchFile))
		if err != nil {
			return nil, err
		}
		obj, err := coff.Parse(pc.PatchFile, data)
		if err != nil {
			return nil, err
		}
		name := pc.Name
		if name == "" {
			name = pc.StartSymbol
		}
		return link.PatchFromObject(name, obj, pc.StartSymbol, pc.EndSymbol, pc.VirtualAddress)
	}
	if pc.Bytes == "" {
		return nil, errors.New("patch needs either patchfile or bytes")
	}
	b, err := hex.DecodeString(pc.Bytes)
	if err != nil {
		return nil, fmt.Errorf("bytes: %v", err)
	}
	p := &link.Patch{
		Name:    pc.Name,
		Section: pc.Section,
		Offset:  pc.Offset,
		Address: pc.VirtualAddress,
		Bytes:   b,
	}
	if p.Name == "" {
		if p.Section != "" {
			p.Name = fmt.Sprintf("%s+0x%x", p.Section, p.Offset)
		} else {
			p.Name = fmt.Sprintf("0x%08x", p.Address)
		}
	}
	return p, nil
}

// patches builds the patches in configuration order.
func (c *config) patches() ([]link.Patch, error) {
	patches := make([]link.Patch, len(c.Patches))
	for i := range c.Patches {
		p, err := c.Patches[i].patch(c)
		if err != nil {
			return nil, errwrap.Wrapf(err, "patch %d", i)
		}
		patches[i] = *p
	}
	return patches, nil
}
