package trampoline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type aarch64Emitter struct{}

var aarch64Dialect = asmDialect{comment: "//", word: ".xword", wordSize: 8, typeTag: "%", align: 4}

func (aarch64Emitter) Arch() string { return "arm64" }

func (aarch64Emitter) StubSize() int { return 48 }

func (aarch64Emitter) EmitPLT(w io.Writer, imports []string) error {
	loaderPath := indent(
		"adrp\tx17, loader_handle",
		"ldr\tx17, [x17, :lo12:loader_handle]",
		"stp\tx16, x17, [sp, #-16]!",
		"adrp\tx17, isos_trampoline",
		"ldr\tx17, [x17, :lo12:isos_trampoline]",
		"br\tx17",
	)
	return emitPLT(w, aarch64Dialect, imports, loaderPath, func(id int) []string {
		return indent(
			fmt.Sprintf("movz\tx16, #%d", id&0xffff),
			fmt.Sprintf("movk\tx16, #%d, lsl #16", (id>>16)&0xffff),
			"b\tplt_loader_path",
		)
	})
}

// EncodeStub:
//
//	movz x16, #id_lo
//	movk x16, #id_hi, lsl #16
//	ldr  x17, handle_lit
//	ldr  x17, [x17]
//	stp  x16, x17, [sp, #-16]!
//	ldr  x16, tramp_lit
//	ldr  x16, [x16]
//	br   x16
//	handle_lit: .xword handleCell
//	tramp_lit:  .xword trampolineCell
func (aarch64Emitter) EncodeStub(id uint32, handleCell, trampolineCell uintptr) []byte {
	lo, hi := id&0xffff, id>>16
	words := []uint32{
		0xd2800010 | lo<<5,
		0xf2a00010 | hi<<5,
		0x58000000 | 6<<5 | 17,
		0xf9400231,
		0xa9800000 | 0x7e<<15 | 17<<10 | 31<<5 | 16,
		0x58000000 | 5<<5 | 16,
		0xf9400210,
		0xd61f0200,
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, words)
	binary.Write(&buf, binary.LittleEndian, uint64(handleCell))
	binary.Write(&buf, binary.LittleEndian, uint64(trampolineCell))
	return buf.Bytes()
}
