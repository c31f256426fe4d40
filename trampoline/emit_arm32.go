package trampoline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type arm32Emitter struct{}

var arm32Dialect = asmDialect{
	comment:  "@",
	word:     ".word",
	wordSize: 4,
	typeTag:  "%",
	align:    2,
	preamble: []string{".syntax unified", ".arm"},
}

func (arm32Emitter) Arch() string { return "arm" }

func (arm32Emitter) StubSize() int { return 48 }

func (arm32Emitter) EmitPLT(w io.Writer, imports []string) error {
	loaderPath := indent(
		"push\t{ip}",
		"ldr\tip, 1f",
		"2:",
		"add\tip, pc, ip",
		"ldr\tip, [ip]",
		"push\t{ip}",
		"ldr\tip, 3f",
		"4:",
		"add\tip, pc, ip",
		"ldr\tip, [ip]",
		"bx\tip",
		"1:",
		".word\tloader_handle - (2b + 8)",
		"3:",
		".word\tisos_trampoline - (4b + 8)",
	)
	return emitPLT(w, arm32Dialect, imports, loaderPath, func(id int) []string {
		return indent(
			fmt.Sprintf("movw\tip, #%d", id&0xffff),
			fmt.Sprintf("movt\tip, #%d", (id>>16)&0xffff),
			"b\tplt_loader_path",
		)
	})
}

// EncodeStub:
//
//	ldr ip, id_lit
//	push {ip}
//	ldr ip, handle_lit
//	ldr ip, [ip]
//	push {ip}
//	ldr ip, tramp_lit
//	ldr ip, [ip]
//	bx  ip
//	id_lit:     .word id
//	handle_lit: .word handleCell
//	tramp_lit:  .word trampolineCell
func (e arm32Emitter) EncodeStub(id uint32, handleCell, trampolineCell uintptr) []byte {
	words := []uint32{
		0xe59fc018,
		0xe52dc004,
		0xe59fc014,
		0xe59cc000,
		0xe52dc004,
		0xe59fc00c,
		0xe59cc000,
		0xe12fff1c,
		id,
		uint32(handleCell),
		uint32(trampolineCell),
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, words)
	return pad(buf.Bytes(), e.StubSize(), 0)
}
