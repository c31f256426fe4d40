package trampoline

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Emitter produces import stubs for one architecture.
type Emitter interface {
	// Arch is the GOARCH the stubs are for.
	Arch() string
	// EmitPLT writes GNU assembler for a library that calls the given host
	// imports through the loader. The import id of a name is its index.
	EmitPLT(w io.Writer, imports []string) error
	// EncodeStub returns machine code for one stub that reads the handle
	// token and the trampoline address from the two absolute cell addresses.
	EncodeStub(id uint32, handleCell, trampolineCell uintptr) []byte
	// StubSize is the length of every EncodeStub result.
	StubSize() int
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.$]*$`)

// EmitterFor returns the emitter for a GOARCH name.
func EmitterFor(arch string) (Emitter, error) {
	switch arch {
	case "amd64":
		return x86Emitter{}, nil
	case "arm64":
		return aarch64Emitter{}, nil
	case "arm":
		return arm32Emitter{}, nil
	}
	return nil, fmt.Errorf("no import stubs for %s", arch)
}

// asmDialect holds the per-architecture spelling of the shared parts.
type asmDialect struct {
	comment  string
	word     string
	wordSize int
	typeTag  string
	align    int
	preamble []string
}

type asmWriter struct {
	w   *bufio.Writer
	err error
}

func (aw *asmWriter) line(format string, args ...any) {
	if aw.err != nil {
		return
	}
	_, aw.err = fmt.Fprintf(aw.w, format+"\n", args...)
}

func checkImports(imports []string) error {
	seen := make(map[string]bool, len(imports))
	for _, name := range imports {
		if !identRe.MatchString(name) {
			return fmt.Errorf("import %q is not a valid symbol name", name)
		}
		if seen[name] {
			return fmt.Errorf("import %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

// emitPLT writes the parts every architecture shares: the two loader cells,
// the imported name table, loader_info, then the loader path and stubs.
func emitPLT(w io.Writer, d asmDialect, imports []string, loaderPath []string, stub func(id int) []string) error {
	if err := checkImports(imports); err != nil {
		return err
	}
	aw := &asmWriter{w: bufio.NewWriter(w)}

	aw.line("%s Import stubs generated by soload. Each import below is a hidden", d.comment)
	aw.line("%s function that enters the host through the loader trampoline.", d.comment)
	for _, directive := range d.preamble {
		aw.line("\t%s", directive)
	}
	aw.line("")
	aw.line("\t.data")
	aw.line("\t.p2align %d", d.align)
	for _, cell := range []string{"loader_handle", "isos_trampoline"} {
		aw.line("\t.globl\t%s", cell)
		aw.line("\t.hidden\t%s", cell)
		aw.line("\t.type\t%s, %sobject", cell, d.typeTag)
		aw.line("\t.size\t%s, %d", cell, d.wordSize)
		aw.line("%s:", cell)
		aw.line("\t%s\t0", d.word)
	}
	aw.line("")

	aw.line("\t.section .rodata.str1.1,\"aMS\",%sprogbits,1", d.typeTag)
	for id, name := range imports {
		aw.line(".Lname%d:", id)
		aw.line("\t.asciz\t%q", name)
	}
	aw.line("")

	aw.line("\t.data")
	aw.line("\t.p2align %d", d.align)
	aw.line("\t.globl\timported_symbols")
	aw.line("\t.hidden\timported_symbols")
	aw.line("\t.type\timported_symbols, %sobject", d.typeTag)
	aw.line("\t.size\timported_symbols, %d", (len(imports)+1)*d.wordSize)
	aw.line("imported_symbols:")
	for id := range imports {
		aw.line("\t%s\t.Lname%d", d.word, id)
	}
	aw.line("\t%s\t0", d.word)
	aw.line("")

	aw.line("\t.weak\texported_symbols")
	aw.line("\t.hidden\texported_symbols")
	aw.line("\t.globl\tloader_info")
	aw.line("\t.type\tloader_info, %sobject", d.typeTag)
	aw.line("\t.size\tloader_info, %d", 4*d.wordSize)
	aw.line("loader_info:")
	for _, field := range []string{"exported_symbols", "imported_symbols", "loader_handle", "isos_trampoline"} {
		aw.line("\t%s\t%s", d.word, field)
	}
	aw.line("")

	aw.line("\t.text")
	aw.line("\t.p2align %d", d.align)
	aw.line("\t.type\tplt_loader_path, %sfunction", d.typeTag)
	aw.line("plt_loader_path:")
	for _, ins := range loaderPath {
		aw.line("%s", ins)
	}
	aw.line("\t.size\tplt_loader_path, .-plt_loader_path")

	for id, name := range imports {
		aw.line("")
		aw.line("\t.p2align %d", d.align)
		aw.line("\t.globl\t%s", name)
		aw.line("\t.hidden\t%s", name)
		aw.line("\t.type\t%s, %sfunction", name, d.typeTag)
		aw.line("%s:", name)
		for _, ins := range stub(id) {
			aw.line("%s", ins)
		}
		aw.line("\t.size\t%s, .-%s", name, name)
	}
	aw.line("")
	aw.line("\t.section .note.GNU-stack,\"\",%sprogbits", d.typeTag)

	if aw.err != nil {
		return aw.err
	}
	return aw.w.Flush()
}

func indent(lines ...string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		if strings.HasSuffix(l, ":") {
			out[i] = l
			continue
		}
		out[i] = "\t" + l
	}
	return out
}

func pad(code []byte, size int, fill byte) []byte {
	for len(code) < size {
		code = append(code, fill)
	}
	return code
}
