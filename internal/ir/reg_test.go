package ir

import (
	"errors"
	"testing"
)

func TestParseReg(t *testing.T) {
	tests := []struct {
		in   string
		want Reg
	}{
		{"x0", X0},
		{"W7", X7},
		{"x30", X30},
		{"lr", LR},
		{"fp", X29},
		{"sp", SP},
		{"wsp", SP},
		{"PC", PC},
		{"nzcv", NZCV},
		{" x12 ", X12},
	}
	for _, tt := range tests {
		got, err := ParseReg(tt.in)
		if err != nil {
			t.Errorf("ParseReg(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseReg(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "x31", "xzr", "wzr", "v0", "x-1", "r0"} {
		if _, err := ParseReg(bad); err == nil {
			t.Errorf("ParseReg(%q) succeeded", bad)
		}
	}
}

func TestRegString(t *testing.T) {
	for r := Reg(0); r < NumRegs; r++ {
		got, err := ParseReg(r.String())
		if err != nil || got != r {
			t.Fatalf("%v does not round trip: %v %v", r, got, err)
		}
	}
}

func TestMustValidPanics(t *testing.T) {
	defer func() {
		v := recover()
		err, ok := v.(error)
		var ire *InvalidRegisterError
		if !ok || !errors.As(err, &ire) {
			t.Fatalf("recovered %v, want *InvalidRegisterError", v)
		}
		if ire.Reg != NumRegs {
			t.Fatalf("reg = %d", ire.Reg)
		}
	}()
	MustValid(NumRegs, "test")
}

func TestImmediateOf(t *testing.T) {
	tests := map[string]int64{
		"[X1]":       0,
		"[X1,#8]":    8,
		"[SP,#-16]!": -16,
		"[SP],#16":   16,
		"[X0], X2":   0,
		"[X3,#0x20]": 32,
	}
	for in, want := range tests {
		if got := immediateOf(in); got != want {
			t.Errorf("immediateOf(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestRegFromText(t *testing.T) {
	r, ok := regFromText("X2, LSL #3")
	if !ok || r.reg != X2 || !r.wide {
		t.Fatalf("got %+v %v", r, ok)
	}
	r, ok = regFromText("W1, UXTW")
	if !ok || r.reg != X1 || r.wide {
		t.Fatalf("got %+v %v", r, ok)
	}
	r, ok = regFromText("XZR")
	if !ok || !r.zero {
		t.Fatalf("got %+v %v", r, ok)
	}
}
