package middleware

import (
	"context"
	"fmt"
	goruntime "runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-meter/errors"
	"github.com/wippyai/wasm-meter/wasm"
)

// Options configures Apply.
type Options struct {
	// Workers bounds how many function bodies are rewritten concurrently.
	// Zero means runtime.GOMAXPROCS(0).
	Workers int
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return goruntime.GOMAXPROCS(0)
}

// Stats summarizes one Apply run.
type Stats struct {
	Functions       int
	InstructionsIn  int
	InstructionsOut int
	Duration        time.Duration
}

// Injected returns the net number of instructions added by the chain.
func (s Stats) Injected() int {
	return s.InstructionsOut - s.InstructionsIn
}

// Apply runs chain over m. Every TransformModule runs first, in chain order.
// Function bodies are then rewritten concurrently, each through its own
// FunctionChain holding one FunctionMiddleware per module middleware. On
// error m may be partially rewritten and must be discarded.
func Apply(ctx context.Context, m *wasm.Module, chain []ModuleMiddleware, opts Options) (Stats, error) {
	start := time.Now()
	log := Logger()

	for i, mw := range chain {
		if err := mw.TransformModule(m); err != nil {
			return Stats{}, fmt.Errorf("middleware %d: transform module: %w", i, err)
		}
	}

	if len(chain) == 0 || len(m.CodeSection) == 0 {
		return Stats{Functions: len(m.CodeSection), Duration: time.Since(start)}, nil
	}

	perFunc := make([]RewriteStats, len(m.CodeSection))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())

	for i := range m.CodeSection {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			idx := LocalFunctionIndex(i)

			stages := make([]FunctionMiddleware, len(chain))
			for j, mw := range chain {
				fm, err := mw.GenerateFunctionMiddleware(idx)
				if err != nil {
					return fmt.Errorf("middleware %d: function %d: %w", j, idx, err)
				}
				stages[j] = fm
			}

			code, st, err := NewFunctionChain(stages...).Rewrite(m.CodeSection[i].Body)
			if err != nil {
				return errors.New(errors.PhaseInstrument, errors.KindInvalidData).
					Path(fmt.Sprintf("func[%d]", idx)).
					Detail("rewrite function body").
					Cause(err).
					Build()
			}
			m.CodeSection[i].Body = code
			perFunc[i] = st
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Functions: len(m.CodeSection)}
	for _, st := range perFunc {
		stats.InstructionsIn += st.In
		stats.InstructionsOut += st.Out
	}
	stats.Duration = time.Since(start)

	log.Debug("applied middleware chain",
		zap.Int("middlewares", len(chain)),
		zap.Int("functions", stats.Functions),
		zap.Int("instructions_in", stats.InstructionsIn),
		zap.Int("instructions_out", stats.InstructionsOut),
		zap.Duration("elapsed", stats.Duration))

	return stats, nil
}

// Instrument parses wasmBytes, applies chain, and encodes the result.
func Instrument(ctx context.Context, wasmBytes []byte, chain []ModuleMiddleware, opts Options) ([]byte, Stats, error) {
	m, err := wasm.ParseModule(wasmBytes)
	if err != nil {
		return nil, Stats{}, errors.ParseFailed("module", err)
	}

	stats, err := Apply(ctx, m, chain, opts)
	if err != nil {
		return nil, Stats{}, err
	}

	return m.Encode(), stats, nil
}
