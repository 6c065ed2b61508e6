package wasm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"
)

// Section-level types are those of the wabin module model.
type (
	ValType       = wabin.ValueType
	FuncType      = wabin.FunctionType
	Import        = wabin.Import
	Global        = wabin.Global
	GlobalType    = wabin.GlobalType
	Export        = wabin.Export
	Code          = wabin.Code
	ConstExpr     = wabin.ConstantExpression
	Memory        = wabin.Memory
	DataSegment   = wabin.DataSegment
	CustomSection = wabin.CustomSection
)

// features are the proposals a module may use at the section level.
// Function bodies are not validated here, so any instruction the reader
// knows may appear in them.
const features = wabin.CoreFeaturesV2

// Module is a decoded WebAssembly module.
type Module struct {
	wabin.Module
}

// ParseModule decodes a binary module.
func ParseModule(data []byte) (*Module, error) {
	m, err := binary.DecodeModule(data, features)
	if err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	return &Module{Module: *m}, nil
}

// Encode returns the binary form of m.
func (m *Module) Encode() []byte {
	out := binary.EncodeModule(&m.Module)
	if m.DataCountSection != nil {
		out = insertDataCount(out, *m.DataCountSection)
	}
	return out
}

// insertDataCount adds the data count section, which the wabin encoder
// leaves out. It belongs right before the code section, or before the data
// section or trailing custom sections when there is no code.
func insertDataCount(bin []byte, count uint32) []byte {
	payload := leb128.EncodeUint32(count)
	section := append([]byte{wabin.SectionIDDataCount}, leb128.EncodeUint32(uint32(len(payload)))...)
	section = append(section, payload...)

	at := len(bin)
	r := bytes.NewReader(bin[8:])
	for r.Len() > 0 {
		off := len(bin) - r.Len()
		id, _ := r.ReadByte()
		if id == wabin.SectionIDCode || id == wabin.SectionIDData || id == wabin.SectionIDCustom {
			at = off
			break
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			break
		}
		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			break
		}
	}

	out := make([]byte, 0, len(bin)+len(section))
	out = append(out, bin[:at]...)
	out = append(out, section...)
	return append(out, bin[at:]...)
}

// numGlobals is the size of the global index space (imported + defined).
func (m *Module) numGlobals() uint32 {
	return m.ImportGlobalCount() + uint32(len(m.GlobalSection))
}

// AddGlobal appends a module-defined global and returns its index in the
// global index space. Imported globals occupy the leading indices.
func (m *Module) AddGlobal(t GlobalType, init *ConstExpr) uint32 {
	idx := m.numGlobals()
	m.GlobalSection = append(m.GlobalSection, &Global{Type: &t, Init: init})
	return idx
}

// SetExport installs e, replacing an existing export with the same name.
// Other exports keep their position. It reports whether a previous export
// was replaced.
func (m *Module) SetExport(e Export) bool {
	for i, old := range m.ExportSection {
		if old.Name == e.Name {
			m.ExportSection[i] = &e
			return true
		}
	}
	m.ExportSection = append(m.ExportSection, &e)
	return false
}

// ImportFunc appends a function import and returns its index. Defined
// functions follow imports in the index space, so import before defining.
func (m *Module) ImportFunc(module, name string, sig FuncType) uint32 {
	idx := m.ImportFuncCount()
	m.ImportSection = append(m.ImportSection, &Import{
		Type:     KindFunc,
		Module:   module,
		Name:     name,
		DescFunc: m.typeIndex(sig),
	})
	return idx
}

// AddFunc appends a defined function and returns its index in the function
// index space. body must end with the function's final end.
func (m *Module) AddFunc(sig FuncType, locals []ValType, body []byte) uint32 {
	idx := m.ImportFuncCount() + uint32(len(m.FunctionSection))
	m.FunctionSection = append(m.FunctionSection, m.typeIndex(sig))
	m.CodeSection = append(m.CodeSection, &Code{LocalTypes: locals, Body: body})
	return idx
}

// typeIndex returns the index of a type equal to sig, appending one if none
// exists.
func (m *Module) typeIndex(sig FuncType) uint32 {
	for i, t := range m.TypeSection {
		if t.EqualsSignature(sig.Params, sig.Results) {
			return uint32(i)
		}
	}
	m.TypeSection = append(m.TypeSection, &sig)
	return uint32(len(m.TypeSection) - 1)
}

// I64ConstExpr builds the constant expression `i64.const v`.
func I64ConstExpr(v int64) *ConstExpr {
	return &ConstExpr{Opcode: OpI64Const, Data: leb128.EncodeInt64(v)}
}

// I32ConstExpr builds the constant expression `i32.const v`.
func I32ConstExpr(v int32) *ConstExpr {
	return &ConstExpr{Opcode: OpI32Const, Data: leb128.EncodeInt32(v)}
}
