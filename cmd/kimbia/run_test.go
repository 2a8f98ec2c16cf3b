package main

import (
	"testing"

	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		res  *execution.Result
		want int
	}{
		{
			name: "success",
			res:  &execution.Result{Outcome: execution.OutcomeSuccess, ExitCode: execution.ExitCode(0)},
			want: 0,
		},
		{
			name: "runtime error propagates program exit code",
			res:  &execution.Result{Outcome: execution.OutcomeRuntimeError, ExitCode: execution.ExitCode(3)},
			want: 3,
		},
		{
			name: "compile error with exit code",
			res:  &execution.Result{Outcome: execution.OutcomeCompileError, ExitCode: execution.ExitCode(2)},
			want: 2,
		},
		{
			name: "failure without exit code maps to 1",
			res:  &execution.Result{Outcome: execution.OutcomeRuntimeError},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.res); got != tt.want {
				t.Errorf("exitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInferLanguage(t *testing.T) {
	reg, err := registry.New(registry.Config{})
	if err != nil {
		t.Fatal(err)
	}

	if got, err := inferLanguage(reg, "script.py"); err != nil || got != "python3" {
		t.Errorf("inferLanguage(script.py) = %q, %v; want python3", got, err)
	}
	if _, err := inferLanguage(reg, "notes.unknownext"); err == nil {
		t.Error("expected error for unregistered extension")
	}
	if _, err := inferLanguage(reg, "Makefile"); err == nil {
		t.Error("expected error for file without extension")
	}
}
