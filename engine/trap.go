package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-meter/errors"
)

// classify turns an error from a guest call into a typed error.
//
// A points_exhausted error raised by a costed host function is reported as
// such. Otherwise a trap in a module carrying the exhaustion flag is
// reported as exhausted when the flag was raised during this call; the flag
// is lowered as each call starts. Without the flag a failed
// guard is indistinguishable from any other unreachable and is reported as
// a plain trap.
func (i *WazeroInstance) classify(ctx context.Context, fn string, err error) error {
	var exitErr *sys.ExitError
	if stderrors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		i.metrics.recordTrap(false)
		return errors.Trap(fn, err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("call %s: %w: %w", fn, ctxErr, err)
	}

	exhausted := false
	var typed *errors.Error
	if stderrors.As(err, &typed) && typed.Kind == errors.KindPointsExhausted {
		exhausted = true
	} else if i.exhausted != nil {
		exhausted = api.DecodeI32(i.exhausted.Get()) != 0
	}

	i.metrics.recordTrap(exhausted)
	Logger().Debug("call trapped",
		zap.String("function", fn),
		zap.Bool("exhausted", exhausted),
		zap.Error(err))

	if exhausted {
		return errors.PointsExhausted(fn, err)
	}
	return errors.Trap(fn, err)
}
