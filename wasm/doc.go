// Package wasm is the module model used by the instrumentation pipeline.
//
// Sections are decoded and encoded by github.com/tetratelabs/wabin, which
// covers the 2.0 core format. Function bodies are left as raw bytes and
// walked here with an InstructionReader that also knows the exception
// handling, tail call, typed function reference, GC and threads encodings.
// A pass must see every instruction in a body, so an unknown opcode is an
// error rather than being skipped.
//
// # Modules
//
//	module, err := wasm.ParseModule(data)
//	...
//	out := module.Encode()
//
// Index spaces start with imports. AddGlobal returns the index of the
// appended global within the full space:
//
//	idx := module.AddGlobal(wasm.GlobalType{ValType: wasm.ValI64, Mutable: true}, wasm.I64ConstExpr(100))
//	module.SetExport(wasm.Export{Name: "counter", Type: wasm.KindGlobal, Index: idx})
//
// SetExport replaces an export of the same name in place.
//
// # Instructions
//
// Rewriters stream bodies and re-encode what they emit:
//
//	r := wasm.NewInstructionReader(code.Body)
//	for {
//	    instr, err := r.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	    wasm.EncodeInstructionTo(&out, &instr)
//	}
//
// Immediates stay in their encoded form, so untouched instructions survive
// byte for byte.
//
// Mnemonics follow the text format. Prefixed instructions without one are
// spelled "0xPP:N":
//
//	wasm.OpcodeName(wasm.OpI32Add) // "i32.add"
//	op, sub, prefixed, err := wasm.ParseInstructionName("memory.fill")
package wasm
