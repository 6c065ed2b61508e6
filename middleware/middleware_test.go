package middleware

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/wasm"
)

// bumpConsts adds delta to every i32.const.
type bumpConsts struct{ delta int32 }

func (b bumpConsts) Feed(instr wasm.Instruction, state *ReaderState) error {
	if instr.Opcode == wasm.OpI32Const {
		v, err := instr.I32()
		if err != nil {
			return err
		}
		state.Push(wasm.I32Const(v + b.delta))
		return nil
	}
	state.Push(instr)
	return nil
}

// nopBeforeEnd emits a nop ahead of every end.
type nopBeforeEnd struct{}

func (nopBeforeEnd) Feed(instr wasm.Instruction, state *ReaderState) error {
	if instr.Opcode == wasm.OpEnd {
		state.Extend(wasm.Op(wasm.OpNop), instr)
		return nil
	}
	state.Push(instr)
	return nil
}

// dropNops removes every nop.
type dropNops struct{}

func (dropNops) Feed(instr wasm.Instruction, state *ReaderState) error {
	if instr.Opcode != wasm.OpNop {
		state.Push(instr)
	}
	return nil
}

type failing struct{ err error }

func (f failing) Feed(wasm.Instruction, *ReaderState) error { return f.err }

// recorder is a ModuleMiddleware that tracks what the driver asked of it.
type recorder struct {
	mu          sync.Mutex
	fm          func() FunctionMiddleware
	transformed int
	generated   map[LocalFunctionIndex]int
	transformFn func(m *wasm.Module) error
}

func newRecorder(fm func() FunctionMiddleware) *recorder {
	return &recorder{fm: fm, generated: make(map[LocalFunctionIndex]int)}
}

func (r *recorder) TransformModule(m *wasm.Module) error {
	r.mu.Lock()
	r.transformed++
	r.mu.Unlock()
	if r.transformFn != nil {
		return r.transformFn(m)
	}
	return nil
}

func (r *recorder) GenerateFunctionMiddleware(idx LocalFunctionIndex) (FunctionMiddleware, error) {
	r.mu.Lock()
	r.generated[idx]++
	r.mu.Unlock()
	return r.fm(), nil
}

func constsModule(n int) *wasm.Module {
	m := &wasm.Module{}
	sig := wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}}
	for i := 0; i < n; i++ {
		m.AddFunc(sig, nil, wasm.EncodeInstructions([]wasm.Instruction{
			wasm.I32Const(int32(i)),
			wasm.Op(wasm.OpEnd),
		}))
	}
	return m
}

func decode(t *testing.T, code []byte) []wasm.Instruction {
	t.Helper()
	var instrs []wasm.Instruction
	r := wasm.NewInstructionReader(code)
	for {
		instr, err := r.Next()
		if err == io.EOF {
			return instrs
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		instrs = append(instrs, instr)
	}
}

func constValue(t *testing.T, instr wasm.Instruction) int32 {
	t.Helper()
	v, err := instr.I32()
	if err != nil {
		t.Fatalf("%s immediate: %v", instr.Name(), err)
	}
	return v
}

func TestFunctionChain_Identity(t *testing.T) {
	code := wasm.EncodeInstructions([]wasm.Instruction{
		wasm.Indexed(wasm.OpLocalGet, 0),
		wasm.Indexed(wasm.OpLocalGet, 1),
		wasm.Op(wasm.OpI32Add),
		wasm.Op(wasm.OpEnd),
	})

	out, st, err := NewFunctionChain().Rewrite(code)
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if !bytes.Equal(out, code) {
		t.Errorf("empty chain changed the body: %x -> %x", code, out)
	}
	if st.In != 4 || st.Out != 4 {
		t.Errorf("stats = %+v, want 4/4", st)
	}
}

func TestFunctionChain_StagesSeeUpstreamOutput(t *testing.T) {
	tests := []struct {
		name    string
		stages  []FunctionMiddleware
		wantOps []byte
		wantVal int32
	}{
		{
			name:    "bump twice",
			stages:  []FunctionMiddleware{bumpConsts{1}, bumpConsts{10}},
			wantOps: []byte{wasm.OpI32Const, wasm.OpEnd},
			wantVal: 16,
		},
		{
			name:    "inserted nops reach next stage",
			stages:  []FunctionMiddleware{nopBeforeEnd{}, dropNops{}},
			wantOps: []byte{wasm.OpI32Const, wasm.OpEnd},
			wantVal: 5,
		},
		{
			name:    "nops inserted last survive",
			stages:  []FunctionMiddleware{dropNops{}, nopBeforeEnd{}},
			wantOps: []byte{wasm.OpI32Const, wasm.OpNop, wasm.OpEnd},
			wantVal: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := wasm.EncodeInstructions([]wasm.Instruction{
				wasm.I32Const(5),
				wasm.Op(wasm.OpEnd),
			})
			out, _, err := NewFunctionChain(tt.stages...).Rewrite(code)
			if err != nil {
				t.Fatalf("Rewrite: %v", err)
			}
			got := decode(t, out)
			if len(got) != len(tt.wantOps) {
				t.Fatalf("got %d instructions, want %d", len(got), len(tt.wantOps))
			}
			for i, op := range tt.wantOps {
				if got[i].Opcode != op {
					t.Errorf("instr %d = %s, want %s", i, got[i].Name(), wasm.OpcodeName(op))
				}
			}
			if v := constValue(t, got[0]); v != tt.wantVal {
				t.Errorf("const = %d, want %d", v, tt.wantVal)
			}
		})
	}
}

func TestFunctionChain_FeedError(t *testing.T) {
	boom := stderrors.New("boom")
	code := wasm.EncodeInstructions([]wasm.Instruction{wasm.Op(wasm.OpEnd)})
	_, _, err := NewFunctionChain(bumpConsts{}, failing{boom}).Rewrite(code)
	if !stderrors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestFunctionChain_TruncatedBody(t *testing.T) {
	// i32.const with its immediate cut off
	_, _, err := NewFunctionChain().Rewrite([]byte{wasm.OpI32Const})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestApply_TransformsBeforeFunctions(t *testing.T) {
	m := constsModule(8)

	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	a := newRecorder(func() FunctionMiddleware { note("fn"); return bumpConsts{1} })
	a.transformFn = func(*wasm.Module) error { note("a"); return nil }
	b := newRecorder(func() FunctionMiddleware { note("fn"); return bumpConsts{100} })
	b.transformFn = func(*wasm.Module) error { note("b"); return nil }

	stats, err := Apply(context.Background(), m, []ModuleMiddleware{a, b}, Options{Workers: 3})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if order[0] != "a" || order[1] != "b" {
		t.Errorf("module transforms did not run first and in order: %v", order[:2])
	}
	if a.transformed != 1 || b.transformed != 1 {
		t.Errorf("transform counts = %d, %d", a.transformed, b.transformed)
	}
	for i := 0; i < 8; i++ {
		if a.generated[LocalFunctionIndex(i)] != 1 || b.generated[LocalFunctionIndex(i)] != 1 {
			t.Errorf("function %d generated %d/%d times", i, a.generated[LocalFunctionIndex(i)], b.generated[LocalFunctionIndex(i)])
		}
		got := decode(t, m.CodeSection[i].Body)
		if v := constValue(t, got[0]); v != int32(i)+101 {
			t.Errorf("function %d const = %d, want %d", i, v, i+101)
		}
	}
	if stats.Functions != 8 || stats.InstructionsIn != 16 || stats.InstructionsOut != 16 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Injected() != 0 {
		t.Errorf("Injected = %d, want 0", stats.Injected())
	}
}

func TestApply_TransformErrorAborts(t *testing.T) {
	m := constsModule(2)
	before := append([]byte(nil), m.CodeSection[0].Body...)

	reuse := errors.MiddlewareReuse("test")
	r := newRecorder(func() FunctionMiddleware { return nopBeforeEnd{} })
	r.transformFn = func(*wasm.Module) error { return reuse }

	_, err := Apply(context.Background(), m, []ModuleMiddleware{r}, Options{})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseInstrument, Kind: errors.KindMiddlewareReuse}) {
		t.Fatalf("err = %v, want middleware_reuse", err)
	}
	if len(r.generated) != 0 {
		t.Errorf("function middlewares generated after failed transform: %v", r.generated)
	}
	if !bytes.Equal(m.CodeSection[0].Body, before) {
		t.Error("body rewritten after failed transform")
	}
}

func TestApply_CountsInjected(t *testing.T) {
	m := constsModule(4)
	r := newRecorder(func() FunctionMiddleware { return nopBeforeEnd{} })

	stats, err := Apply(context.Background(), m, []ModuleMiddleware{r}, Options{Workers: 1})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.Injected() != 4 {
		t.Errorf("Injected = %d, want 4", stats.Injected())
	}
}

func TestApply_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newRecorder(func() FunctionMiddleware { return nopBeforeEnd{} })
	_, err := Apply(ctx, constsModule(16), []ModuleMiddleware{r}, Options{})
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestInstrument_RoundTrip(t *testing.T) {
	src := constsModule(3).Encode()
	r := newRecorder(func() FunctionMiddleware { return bumpConsts{7} })

	out, stats, err := Instrument(context.Background(), src, []ModuleMiddleware{r}, Options{})
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if stats.Functions != 3 {
		t.Errorf("Functions = %d", stats.Functions)
	}

	m, err := wasm.ParseModule(out)
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	got := decode(t, m.CodeSection[2].Body)
	if v := constValue(t, got[0]); v != 9 {
		t.Errorf("const = %d, want 9", v)
	}
}

func TestInstrument_ParseError(t *testing.T) {
	_, _, err := Instrument(context.Background(), []byte("not wasm"), nil, Options{})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseParse, Kind: errors.KindInvalidData}) {
		t.Errorf("err = %v, want parse error", err)
	}
}
