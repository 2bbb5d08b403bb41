package tool

import (
	"context"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"15 * 23 + 7", int64(352)},
		{"(1 + 2) * 3", int64(9)},
		{"-4 + 10", int64(6)},
		{"7 / 2", 3.5},
		{"6 / 3", int64(2)},
		{"0.1 + 0.2", 0.3},
		{"2.5 * 2", int64(5)},
		{"0.5 + .5", int64(1)},
		{"- -3", int64(3)},
		{"8 / 2 / 2", int64(2)},
		{"10 - 4 - 3", int64(3)},
	}
	for _, tt := range tests {
		got, err := Evaluate(tt.expr)
		if err != nil {
			t.Errorf("Evaluate(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q) = %v (%T), want %v (%T)", tt.expr, got, got, tt.want, tt.want)
		}
	}
}

func TestEvaluate_Errors(t *testing.T) {
	tests := map[string]string{
		"":                      "empty",
		"2 ** 3":                "unsupported",
		"1 / 0":                 "division by zero",
		"os.Exit(1)":            "invalid character",
		"2 % 3":                 "invalid character",
		"10000000 * 1000000000": "exceeds",
		"(1 + ":                 "parse",
		"7 // 2":                "unsupported operator",
		"100 // 3 + 5":          "unsupported operator",
		"1 + 2 // * 1000":       "unsupported operator",
		"8 /* 2 */":             "parse",
		"010 + 1":               "leading zero",
		"0755":                  "leading zero",
		"1.2.3":                 "invalid number",
		"3 × 4":                 "'×'",
		"(2":                    "missing )",
		"2 3":                   "unexpected",
	}
	for expr, want := range tests {
		_, err := Evaluate(expr)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Evaluate(%q): expected error containing %q, got %v", expr, want, err)
		}
	}
}

func TestCalculateCapability(t *testing.T) {
	c := calculateCapability()
	out, err := c.Handler(context.Background(), map[string]any{"expression": "15 * 23 + 7"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out["result"] != int64(352) {
		t.Fatalf("expected 352, got %v", out["result"])
	}
}
