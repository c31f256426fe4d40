package trampoline

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type x86Emitter struct{}

var x86Dialect = asmDialect{comment: "#", word: ".quad", wordSize: 8, typeTag: "@", align: 4}

func (x86Emitter) Arch() string { return "amd64" }

func (x86Emitter) StubSize() int { return 32 }

func (x86Emitter) EmitPLT(w io.Writer, imports []string) error {
	loaderPath := indent(
		"pushq\tloader_handle(%rip)",
		"jmpq\t*isos_trampoline(%rip)",
	)
	return emitPLT(w, x86Dialect, imports, loaderPath, func(id int) []string {
		return indent(
			fmt.Sprintf("pushq\t$%d", id),
			"jmp\tplt_loader_path",
		)
	})
}

// EncodeStub:
//
//	push   $id
//	movabs $handleCell, %r11
//	push   (%r11)
//	movabs $trampolineCell, %r11
//	jmp    *(%r11)
func (e x86Emitter) EncodeStub(id uint32, handleCell, trampolineCell uintptr) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0x68)
	binary.Write(&buf, binary.LittleEndian, id)
	buf.Write([]byte{0x49, 0xbb})
	binary.Write(&buf, binary.LittleEndian, uint64(handleCell))
	buf.Write([]byte{0x41, 0xff, 0x33})
	buf.Write([]byte{0x49, 0xbb})
	binary.Write(&buf, binary.LittleEndian, uint64(trampolineCell))
	buf.Write([]byte{0x41, 0xff, 0x23})
	return pad(buf.Bytes(), e.StubSize(), 0xcc)
}
