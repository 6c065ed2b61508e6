package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:   PhaseRuntime,
				Kind:    KindTypeMismatch,
				Path:    []string{"add", "arg0"},
				GoType:  "string",
				WitType: "u32",
				Detail:  "cannot convert",
			},
			contains: []string{"[runtime]", "type_mismatch", "add.arg0", "string", "u32", "cannot convert"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseInstrument,
				Kind:  KindMiddlewareReuse,
			},
			contains: []string{"[instrument]", "middleware_reuse"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindInvalidData,
				Detail: "compile module",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[compile]", "invalid_data", "compile module", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseParse,
		Kind:  KindInvalidData,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach cause")
	}
}

func TestError_Is(t *testing.T) {
	err := PointsExhausted("run", errors.New("unreachable"))

	if !errors.Is(err, &Error{Phase: PhaseRuntime, Kind: KindPointsExhausted}) {
		t.Error("errors.Is should match on phase and kind")
	}
	if errors.Is(err, &Error{Phase: PhaseRuntime, Kind: KindTrap}) {
		t.Error("errors.Is should not match a different kind")
	}

	var target *Error
	if !errors.As(err, &target) || target.Path[0] != "run" {
		t.Errorf("errors.As = %v", target)
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseConfig, KindInvalidInput).
		Path("costs", "i64.mul").
		Value(-1).
		Cause(cause).
		Detail("cost %d must not be negative", -1).
		Build()

	if err.Phase != PhaseConfig {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseConfig)
	}
	if err.Kind != KindInvalidInput {
		t.Errorf("Kind = %v, want %v", err.Kind, KindInvalidInput)
	}
	if len(err.Path) != 2 || err.Path[1] != "i64.mul" {
		t.Errorf("Path = %v", err.Path)
	}
	if err.Value != -1 {
		t.Errorf("Value = %v, want -1", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "cost -1 must not be negative" {
		t.Errorf("Detail = %q", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   *Error
		phase Phase
		kind  Kind
	}{
		{"MiddlewareReuse", MiddlewareReuse("metering"), PhaseInstrument, KindMiddlewareReuse},
		{"NotInitialized", NotInitialized(PhaseInstrument, "metering global"), PhaseInstrument, KindNotInitialized},
		{"NotFound", NotFound(PhaseRuntime, "export", "remaining_points"), PhaseRuntime, KindNotFound},
		{"TypeMismatch", TypeMismatch(PhaseRuntime, nil, "int", "u64"), PhaseRuntime, KindTypeMismatch},
		{"Unsupported", Unsupported(PhaseCompile, "v128 params"), PhaseCompile, KindUnsupported},
		{"InvalidData", InvalidData(PhaseConfig, nil, "bad"), PhaseConfig, KindInvalidData},
		{"InvalidInput", InvalidInput(PhaseRuntime, "bad"), PhaseRuntime, KindInvalidInput},
		{"Registration", Registration(PhaseHost, "env", "log", nil), PhaseHost, KindRegistration},
		{"Instantiation", Instantiation(nil), PhaseRuntime, KindInstantiation},
		{"Load", Load("read file", nil), PhaseLoad, KindInvalidData},
		{"ParseFailed", ParseFailed("module", nil), PhaseParse, KindInvalidData},
		{"Trap", Trap("run", nil), PhaseRuntime, KindTrap},
		{"PointsExhausted", PointsExhausted("run", nil), PhaseRuntime, KindPointsExhausted},
		{"Wrap", Wrap(PhaseEncode, KindInvalidData, nil, "encode"), PhaseEncode, KindInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Phase != tt.phase {
				t.Errorf("Phase = %v, want %v", tt.err.Phase, tt.phase)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
		})
	}

	if d := NotFound(PhaseRuntime, "export", "remaining_points").Detail; d != `export "remaining_points" not found` {
		t.Errorf("NotFound detail = %q", d)
	}
}

func TestMissingImportsError(t *testing.T) {
	t.Run("single import", func(t *testing.T) {
		err := NewMissingImportsError([]string{"env#log"})
		if len(err.Imports) != 1 {
			t.Fatalf("expected 1 import, got %d", len(err.Imports))
		}
		if err.Imports[0].Namespace != "env" || err.Imports[0].Function != "log" {
			t.Errorf("import = %+v", err.Imports[0])
		}
	})

	t.Run("multiple namespaces grouped", func(t *testing.T) {
		err := NewMissingImportsError([]string{
			"env#log",
			"wasi_snapshot_preview1#fd_write",
			"env#abort",
		})
		msg := err.Error()
		for _, want := range []string{"missing 3", "env:", "wasi_snapshot_preview1:", "- abort", "- fd_write"} {
			if !strings.Contains(msg, want) {
				t.Errorf("error %q should contain %q", msg, want)
			}
		}
		if strings.Count(msg, "env:") != 1 {
			t.Errorf("namespace should appear once: %s", msg)
		}
	})

	t.Run("key without function", func(t *testing.T) {
		err := NewMissingImportsError([]string{"env"})
		if err.Imports[0].Namespace != "env" || err.Imports[0].Function != "" {
			t.Errorf("import = %+v", err.Imports[0])
		}
	})

	t.Run("empty imports", func(t *testing.T) {
		msg := NewMissingImportsError(nil).Error()
		if !strings.Contains(msg, "no imports specified") {
			t.Errorf("empty error should have specific message, got: %s", msg)
		}
	})

	t.Run("errors.Is", func(t *testing.T) {
		err := NewMissingImportsError([]string{"ns#fn"})
		if !errors.Is(err, &MissingImportsError{}) {
			t.Error("errors.Is should match MissingImportsError")
		}
	})
}

func TestIsPointsExhausted(t *testing.T) {
	exhausted := PointsExhausted("run", nil)

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{exhausted, "direct", true},
		{fmt.Errorf("call: %w", exhausted), "wrapped", true},
		{Trap("run", nil), "trap", false},
		{nil, "nil", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPointsExhausted(tt.err); got != tt.want {
				t.Errorf("IsPointsExhausted = %v, want %v", got, tt.want)
			}
		})
	}
}
