// Command zincsym inspects a built kernel ELF image: it lists symbols,
// disassembles a named function's bytes with golang.org/x/arch/x86/x86asm,
// and (given a raw BootInfo dump) checks its magic and pretty-prints it with
// github.com/davecgh/go-spew (only the magic field is decoded from the dump). It is a hosted development tool, run with
// `go run` against the host toolchain, never linked into the kernel
// binary; its ELF-walking half is lifted directly from the teacher's
// tools/redirects (same debug/elf.Symbols() call, though without that
// tool's "run from the kernel root" check), extended with two new
// subcommands.
package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/arch/x86/x86asm"

	"zincos/kernel/boot"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[zincsym] error: %s\n", err.Error())
	os.Exit(1)
}

func cmdSymbols(imgFile, filter string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Value < symbols[j].Value })

	for _, sym := range symbols {
		if sym.Name == "" || sym.Size == 0 {
			continue
		}
		if filter != "" && !contains(sym.Name, filter) {
			continue
		}
		fmt.Printf("%#016x %8d %s\n", sym.Value, sym.Size, sym.Name)
	}
	return nil
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// cmdDisasm finds the named function's symbol, reads its bytes from the
// section containing it, and disassembles it one instruction at a time
// using x86asm in 64-bit mode until it has covered the symbol's reported
// size.
func cmdDisasm(imgFile, fnName string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	var target *elf.Symbol
	for i := range symbols {
		if symbols[i].Name == fnName {
			target = &symbols[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no such symbol: %q", fnName)
	}

	var sec *elf.Section
	for _, s := range f.Sections {
		if target.Value >= s.Addr && target.Value < s.Addr+s.Size {
			sec = s
			break
		}
	}
	if sec == nil {
		return fmt.Errorf("%q: containing section not found", fnName)
	}

	data, err := sec.Data()
	if err != nil {
		return err
	}

	off := target.Value - sec.Addr
	end := off + target.Size
	pc := target.Value
	for off < end && off < uint64(len(data)) {
		inst, err := x86asm.Decode(data[off:], 64)
		if err != nil {
			fmt.Printf("%#016x  (decode error: %s)\n", pc, err)
			off++
			pc++
			continue
		}
		fmt.Printf("%#016x  %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
		off += uint64(inst.Len)
		pc += uint64(inst.Len)
	}
	return nil
}

// cmdDumpBootInfo reads a raw boot.Info-layout blob (as the loader would
// leave it in memory) from a file, checks its leading magic against
// boot.Magic, and pretty-prints a boot.Info with go-spew; used while
// developing the loader side of the handoff, without a running kernel to
// print it from early.Printf. Only the leading 8-byte magic is decoded from
// the blob: every other field of the dumped boot.Info is left at its zero
// value.
func cmdDumpBootInfo(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) < 8 {
		return errors.New("file too small to contain a BootInfo magic")
	}

	magic := binary.LittleEndian.Uint64(raw[:8])
	if magic != boot.Magic {
		fmt.Fprintf(os.Stderr, "warning: magic %#x does not match boot.Magic %#x\n", magic, boot.Magic)
	}

	var info boot.Info
	info.Magic = magic
	spew.Dump(info)
	return nil
}

func main() {
	symbolsCmd := flag.NewFlagSet("symbols", flag.ExitOnError)
	symbolsFilter := symbolsCmd.String("filter", "", "only list symbols whose name contains this substring")

	disasmCmd := flag.NewFlagSet("disasm", flag.ExitOnError)

	dumpCmd := flag.NewFlagSet("dump-bootinfo", flag.ExitOnError)

	if len(os.Args) < 2 {
		exit(errors.New("usage: zincsym <symbols|disasm|dump-bootinfo> ..."))
	}

	switch os.Args[1] {
	case "symbols":
		symbolsCmd.Parse(os.Args[2:])
		if symbolsCmd.NArg() != 1 {
			exit(errors.New("usage: zincsym symbols [-filter sub] <kernel-image>"))
		}
		if err := cmdSymbols(symbolsCmd.Arg(0), *symbolsFilter); err != nil {
			exit(err)
		}
	case "disasm":
		disasmCmd.Parse(os.Args[2:])
		if disasmCmd.NArg() != 2 {
			exit(errors.New("usage: zincsym disasm <kernel-image> <symbol-name>"))
		}
		if err := cmdDisasm(disasmCmd.Arg(0), disasmCmd.Arg(1)); err != nil {
			exit(err)
		}
	case "dump-bootinfo":
		dumpCmd.Parse(os.Args[2:])
		if dumpCmd.NArg() != 1 {
			exit(errors.New("usage: zincsym dump-bootinfo <raw-bootinfo-file>"))
		}
		if err := cmdDumpBootInfo(dumpCmd.Arg(0)); err != nil {
			exit(err)
		}
	default:
		exit(fmt.Errorf("unknown command %q", os.Args[1]))
	}
}
