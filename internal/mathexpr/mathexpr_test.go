package mathexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2*3+4", 10},
		{"2*(3+4)", 14},
		{"10/4", 2.5},
		{"7 % 3", 1},
		{"2**10", 1024},
		{"2^10", 1024},
		{"2*3**2", 18},
		{"2**3**2", 512},
		{"-2**2", -4},
		{"-(3+4)", -7},
		{"1.5e3 + 0.5", 1500.5},
		{"sqrt(16)", 4},
		{"floor(2.9) + ceil(2.1)", 5},
		{"abs(-3.5)", 3.5},
	}
	for _, tc := range cases {
		got, err := Eval(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.InDelta(t, tc.want, got, 1e-9, tc.expr)
	}
}

func TestEvalRejectsUnsafeInput(t *testing.T) {
	bad := []string{
		"",
		"import os",
		"open(1)",
		"1+",
		"(1+2",
		"1/0",
		"7%0",
		"__class__",
		"1;2",
	}
	for _, expr := range bad {
		_, err := Eval(expr)
		assert.Error(t, err, expr)
	}
}
