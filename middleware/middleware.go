package middleware

import (
	"bytes"
	"io"

	"github.com/wippyai/wasm-meter/wasm"
)

// LocalFunctionIndex indexes module-defined functions, excluding imports.
// Local function i is m.CodeSection[i].
type LocalFunctionIndex uint32

// ModuleMiddleware is a compilation plugin. TransformModule runs once over
// the parsed module before any function body is rewritten; afterwards
// GenerateFunctionMiddleware is called once per local function, possibly
// from several goroutines at the same time.
type ModuleMiddleware interface {
	TransformModule(m *wasm.Module) error
	GenerateFunctionMiddleware(idx LocalFunctionIndex) (FunctionMiddleware, error)
}

// FunctionMiddleware rewrites one function body. Feed receives every
// instruction of the body in order and pushes its replacement sequence onto
// state. Pushing nothing drops the instruction.
type FunctionMiddleware interface {
	Feed(instr wasm.Instruction, state *ReaderState) error
}

// ReaderState collects the instructions a FunctionMiddleware emits for one
// fed instruction. The chain drains it after every Feed.
type ReaderState struct {
	pending []wasm.Instruction
}

// Push appends one instruction to the output.
func (s *ReaderState) Push(instr wasm.Instruction) {
	s.pending = append(s.pending, instr)
}

// Extend appends instructions to the output in order.
func (s *ReaderState) Extend(instrs ...wasm.Instruction) {
	s.pending = append(s.pending, instrs...)
}

// Len returns the number of pending instructions.
func (s *ReaderState) Len() int {
	return len(s.pending)
}

func (s *ReaderState) drainInto(dst []wasm.Instruction) []wasm.Instruction {
	dst = append(dst, s.pending...)
	s.pending = s.pending[:0]
	return dst
}

// FunctionChain pipes instructions through a sequence of function
// middlewares. Whatever stage i emits is fed to stage i+1; the last stage's
// output is the rewritten body.
type FunctionChain struct {
	stages []FunctionMiddleware
	states []ReaderState
	batch  []wasm.Instruction
	next   []wasm.Instruction
}

// NewFunctionChain builds a chain from stages. An empty chain is the identity.
func NewFunctionChain(stages ...FunctionMiddleware) *FunctionChain {
	return &FunctionChain{
		stages: stages,
		states: make([]ReaderState, len(stages)),
	}
}

// Feed runs instr through every stage and returns the final output. The
// returned slice is reused by the next call.
func (c *FunctionChain) Feed(instr wasm.Instruction) ([]wasm.Instruction, error) {
	c.batch = append(c.batch[:0], instr)
	for i, stage := range c.stages {
		c.next = c.next[:0]
		state := &c.states[i]
		for _, in := range c.batch {
			if err := stage.Feed(in, state); err != nil {
				return nil, err
			}
			c.next = state.drainInto(c.next)
		}
		c.batch, c.next = c.next, c.batch
	}
	return c.batch, nil
}

// RewriteStats counts instructions across one body rewrite.
type RewriteStats struct {
	In  int
	Out int
}

// Rewrite streams code through the chain and returns the encoded result.
func (c *FunctionChain) Rewrite(code []byte) ([]byte, RewriteStats, error) {
	var (
		stats RewriteStats
		out   bytes.Buffer
	)
	out.Grow(len(code) + len(code)/4)

	r := wasm.NewInstructionReader(code)
	for {
		instr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, err
		}
		stats.In++

		emitted, err := c.Feed(instr)
		if err != nil {
			return nil, stats, err
		}
		for i := range emitted {
			wasm.EncodeInstructionTo(&out, &emitted[i])
		}
		stats.Out += len(emitted)
	}
	return out.Bytes(), stats, nil
}
