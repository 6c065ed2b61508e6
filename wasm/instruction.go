package wasm

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/leb128"
)

// Instruction is one decoded instruction. Immediates are kept as the raw
// bytes that follow the opcode (and sub-opcode), so re-encoding an
// unmodified instruction reproduces its input exactly.
type Instruction struct {
	Opcode byte
	// Sub is the sub-opcode of a prefixed (0xFB-0xFE) instruction.
	Sub uint32
	Imm []byte
}

// SubOpcode returns the sub-opcode of a prefixed instruction.
func (i Instruction) SubOpcode() (uint32, bool) {
	if !isPrefix(i.Opcode) {
		return 0, false
	}
	return i.Sub, true
}

// Index decodes the leading u32 immediate: the local, global, function,
// label or type index of most indexed instructions.
func (i Instruction) Index() (uint32, error) {
	v, _, err := leb128.DecodeUint32(bytes.NewReader(i.Imm))
	return v, err
}

// I32 decodes the immediate of i32.const.
func (i Instruction) I32() (int32, error) {
	v, _, err := leb128.DecodeInt32(bytes.NewReader(i.Imm))
	return v, err
}

// I64 decodes the immediate of i64.const.
func (i Instruction) I64() (int64, error) {
	v, _, err := leb128.DecodeInt64(bytes.NewReader(i.Imm))
	return v, err
}

// Op builds an instruction without immediates.
func Op(op byte) Instruction {
	return Instruction{Opcode: op}
}

// Indexed builds an instruction whose single immediate is a u32 index,
// such as local.get, global.set, call or br.
func Indexed(op byte, idx uint32) Instruction {
	return Instruction{Opcode: op, Imm: leb128.EncodeUint32(idx)}
}

// Block builds block, loop, if or try with the empty block type.
func Block(op byte) Instruction {
	return Instruction{Opcode: op, Imm: []byte{BlockTypeVoid}}
}

// I32Const builds i32.const v.
func I32Const(v int32) Instruction {
	return Instruction{Opcode: OpI32Const, Imm: leb128.EncodeInt32(v)}
}

// I64Const builds i64.const v.
func I64Const(v int64) Instruction {
	return Instruction{Opcode: OpI64Const, Imm: leb128.EncodeInt64(v)}
}

// PrefixedOp builds a prefixed instruction with raw immediates.
func PrefixedOp(prefix byte, sub uint32, imm ...byte) Instruction {
	return Instruction{Opcode: prefix, Sub: sub, Imm: imm}
}

// InstructionReader walks a function body one instruction at a time. The
// body is expected to end with the function's final end; the reader does
// not track nesting.
type InstructionReader struct {
	code []byte
	r    *bytes.Reader
}

// NewInstructionReader returns a reader over code. Returned immediates alias
// code.
func NewInstructionReader(code []byte) *InstructionReader {
	return &InstructionReader{code: code, r: bytes.NewReader(code)}
}

// offset is the position of the next instruction within the body.
func (ir *InstructionReader) offset() int {
	return len(ir.code) - ir.r.Len()
}

// Next decodes the next instruction. It returns io.EOF at the end of the
// body. An unknown opcode is an error: skipping it would lose track of the
// instruction boundaries that follow.
func (ir *InstructionReader) Next() (Instruction, error) {
	at := ir.offset()
	op, err := ir.r.ReadByte()
	if err != nil {
		return Instruction{}, io.EOF
	}

	instr := Instruction{Opcode: op}
	if isPrefix(op) {
		sub, _, err := leb128.DecodeUint32(ir.r)
		if err != nil {
			return Instruction{}, fmt.Errorf("offset %d: %s sub-opcode: %w", at, OpcodeName(op), err)
		}
		instr.Sub = sub
	}

	immStart := ir.offset()
	if err := skipImmediates(ir.r, instr); err != nil {
		return Instruction{}, fmt.Errorf("offset %d: %s: %w", at, instr.Name(), err)
	}
	if end := ir.offset(); end > immStart {
		instr.Imm = ir.code[immStart:end:end]
	}
	return instr, nil
}

// EncodeInstructionTo appends the binary form of instr to buf.
func EncodeInstructionTo(buf *bytes.Buffer, instr *Instruction) {
	buf.WriteByte(instr.Opcode)
	if isPrefix(instr.Opcode) {
		buf.Write(leb128.EncodeUint32(instr.Sub))
	}
	buf.Write(instr.Imm)
}

// EncodeInstructions returns the binary form of instrs.
func EncodeInstructions(instrs []Instruction) []byte {
	var buf bytes.Buffer
	for i := range instrs {
		EncodeInstructionTo(&buf, &instrs[i])
	}
	return buf.Bytes()
}

func isPrefix(op byte) bool {
	return op >= OpPrefixGC && op <= OpPrefixAtomic
}

// imm describes the immediate layout of a single-byte opcode.
type imm uint8

const (
	immInvalid imm = iota
	immNone
	immBlockType
	immU32
	immU32x2
	immBrTable
	immValTypes
	immTryTable
	immMemArg
	immS32
	immS64
	immBytes4
	immBytes8
	immHeapType
)

var immediates = func() (t [256]imm) {
	set := func(k imm, ops ...byte) {
		for _, op := range ops {
			t[op] = k
		}
	}
	span := func(k imm, from, to byte) {
		for op := int(from); op <= int(to); op++ {
			t[op] = k
		}
	}

	set(immNone, OpUnreachable, OpNop, OpElse, OpThrowRef, OpEnd, OpReturn,
		OpCatchAll, OpDrop, OpSelect, 0xD1, OpRefAsNonNull, OpRefEq)
	set(immBlockType, OpBlock, OpLoop, OpIf, OpTry)
	set(immU32, OpCatch, OpThrow, OpRethrow, OpBr, OpBrIf, OpCall,
		OpReturnCall, OpCallRef, OpReturnCallRef, OpDelegate,
		0x25, 0x26, 0x3F, OpMemoryGrow, OpRefFunc, OpBrOnNull, OpBrOnNonNull)
	span(immU32, OpLocalGet, OpGlobalSet)
	set(immU32x2, OpCallIndirect, OpReturnCallIndirect)
	set(immBrTable, OpBrTable)
	set(immValTypes, OpTypedSelect)
	set(immTryTable, OpTryTable)
	span(immMemArg, 0x28, 0x3E)
	set(immS32, OpI32Const)
	set(immS64, OpI64Const)
	set(immBytes4, 0x43)
	set(immBytes8, 0x44)
	span(immNone, 0x45, 0xC4)
	set(immHeapType, OpRefNull)
	return t
}()

func skipImmediates(r *bytes.Reader, instr Instruction) error {
	switch instr.Opcode {
	case OpPrefixMisc:
		return skipMisc(r, instr.Sub)
	case OpPrefixSIMD:
		return skipSIMD(r, instr.Sub)
	case OpPrefixAtomic:
		return skipAtomic(r, instr.Sub)
	case OpPrefixGC:
		return skipGC(r, instr.Sub)
	}

	switch immediates[instr.Opcode] {
	case immNone:
		return nil
	case immBlockType, immHeapType:
		_, _, err := leb128.DecodeInt33AsInt64(r)
		return err
	case immU32:
		return skipU32(r, 1)
	case immU32x2:
		return skipU32(r, 2)
	case immBrTable:
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		return skipU32(r, int(n)+1)
	case immValTypes:
		n, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		for ; n > 0; n-- {
			if err := skipValType(r); err != nil {
				return err
			}
		}
		return nil
	case immTryTable:
		return skipTryTable(r)
	case immMemArg:
		return skipMemArg(r)
	case immS32:
		_, _, err := leb128.DecodeInt32(r)
		return err
	case immS64:
		_, _, err := leb128.DecodeInt64(r)
		return err
	case immBytes4:
		return skipBytes(r, 4)
	case immBytes8:
		return skipBytes(r, 8)
	}
	return fmt.Errorf("unknown opcode 0x%02x", instr.Opcode)
}

func skipU32(r *bytes.Reader, n int) error {
	for ; n > 0; n-- {
		if _, _, err := leb128.DecodeUint32(r); err != nil {
			return err
		}
	}
	return nil
}

func skipBytes(r *bytes.Reader, n int) error {
	if r.Len() < n {
		return io.ErrUnexpectedEOF
	}
	_, err := r.Seek(int64(n), io.SeekCurrent)
	return err
}

// skipMemArg skips align and offset. Bit 6 of align announces an explicit
// memory index; offsets are u64 to cover memory64.
func skipMemArg(r *bytes.Reader) error {
	align, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		if err := skipU32(r, 1); err != nil {
			return err
		}
	}
	_, _, err = leb128.DecodeUint64(r)
	return err
}

// skipValType skips a value type, including the (ref null? ht) forms.
func skipValType(r *bytes.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b == 0x63 || b == 0x64 {
		_, _, err = leb128.DecodeInt33AsInt64(r)
	}
	return err
}

func skipTryTable(r *bytes.Reader) error {
	if _, _, err := leb128.DecodeInt33AsInt64(r); err != nil {
		return err
	}
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return err
	}
	for ; n > 0; n-- {
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00, 0x01: // catch, catch_ref: tag and label
			err = skipU32(r, 2)
		case 0x02, 0x03: // catch_all, catch_all_ref: label
			err = skipU32(r, 1)
		default:
			err = fmt.Errorf("unknown catch kind 0x%02x", kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func skipMisc(r *bytes.Reader, sub uint32) error {
	switch {
	case sub <= 7:
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		return skipU32(r, 2)
	case sub <= 17:
		return skipU32(r, 1)
	}
	return fmt.Errorf("unknown sub-opcode %d", sub)
}

func skipSIMD(r *bytes.Reader, sub uint32) error {
	switch {
	case sub <= 11, sub == 92, sub == 93:
		return skipMemArg(r)
	case sub == 12, sub == 13:
		return skipBytes(r, 16)
	case sub >= 21 && sub <= 34:
		return skipBytes(r, 1)
	case sub >= 84 && sub <= 91:
		if err := skipMemArg(r); err != nil {
			return err
		}
		return skipBytes(r, 1)
	case sub <= 0x113:
		return nil
	}
	return fmt.Errorf("unknown sub-opcode %d", sub)
}

func skipAtomic(r *bytes.Reader, sub uint32) error {
	switch {
	case sub == 0x03:
		return skipBytes(r, 1)
	case sub <= 0x02, sub >= 0x10 && sub <= 0x4E:
		return skipMemArg(r)
	}
	return fmt.Errorf("unknown sub-opcode %d", sub)
}

func skipGC(r *bytes.Reader, sub uint32) error {
	switch sub {
	case 0, 1, 6, 7, 11, 12, 13, 14, 16: // one type index
		return skipU32(r, 1)
	case 2, 3, 4, 5, 8, 9, 10, 17, 18, 19: // type index plus field, length, segment or second type
		return skipU32(r, 2)
	case 15, 26, 27, 28, 29, 30:
		return nil
	case 20, 21, 22, 23:
		_, _, err := leb128.DecodeInt33AsInt64(r)
		return err
	case GCBrOnCast, GCBrOnCastFail:
		if err := skipBytes(r, 1); err != nil {
			return err
		}
		if err := skipU32(r, 1); err != nil {
			return err
		}
		for range 2 {
			if _, _, err := leb128.DecodeInt33AsInt64(r); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown sub-opcode %d", sub)
}
