package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"

	"moria.us/xbeld/internal/errwrap"
	"moria.us/xbeld/link"
	"moria.us/xbeld/xbe"
)

// printSections writes a summary of the image's section table.
func printSections(w *bufio.Writer, img *xbe.Image) {
	for _, s := range img.Sections {
		fmt.Fprintf(w, "%-10s %s  addr 0x%08x  size 0x%08x  raw 0x%08x  rawsize 0x%08x\n",
			s.Name, s.Flags, s.VirtualAddress, s.VirtualSize, s.RawAddress, s.RawSize)
	}
}

// dumpImage writes the image headers in text format to stdout.
func dumpImage(data []byte, verbose bool) error {
	img, err := xbe.Parse(append([]byte(nil), data...))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	if verbose {
		printSections(w, img)
	} else {
		img.DumpText(w, "")
	}
	return w.Flush()
}

func mainE() error {
	var (
		cfgName string
		output  string
		verbose bool
		dump    bool
	)
	flag.StringVar(&cfgName, "config", "", "Mod configuration file (TOML)")
	flag.StringVar(&output, "output", "", "Output file")
	flag.BoolVar(&verbose, "v", false, "Print the output section table")
	flag.BoolVar(&dump, "dump", false, "Dump the headers of the output, or of the input if there is no -config")
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		return fmt.Errorf("got %d arguments, expected 1", len(args))
	}
	input := args[0]
	base, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	if cfgName == "" {
		if dump {
			return dumpImage(base, false)
		}
		return errors.New("flag -config is required")
	}
	if output == "" {
		return errors.New("flag -output is required")
	}

	cfg, err := readConfig(cfgName)
	if err != nil {
		return err
	}
	inputs, err := cfg.inputs()
	if err != nil {
		return err
	}
	patches, err := cfg.patches()
	if err != nil {
		return errwrap.Wrap(err, cfgName)
	}
	out, err := link.Link(inputs, patches, base)
	if err != nil {
		return err
	}

	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()
	if _, err := fp.Write(out); err != nil {
		return err
	}
	if err := fp.Close(); err != nil { // Double-close is OK
		return err
	}
	if verbose {
		if err := dumpImage(out, true); err != nil {
			return err
		}
	}
	if dump {
		return dumpImage(out, false)
	}
	return nil
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
