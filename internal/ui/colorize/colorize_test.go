package colorize

import (
	"strings"
	"testing"
)

func TestPlainWhenNotTerminal(t *testing.T) {
	// go test never runs with a terminal on stdout
	if !IsDisabled() {
		t.Skip("stdout is a terminal")
	}
	if got := Address(0x1000); got != "00001000" {
		t.Errorf("Address = %q", got)
	}
	if got := Instruction("MOV X0, X1"); got != "MOV X0, X1" {
		t.Errorf("Instruction = %q", got)
	}
	if got := Tainted("x0*"); strings.Contains(got, "\033") {
		t.Errorf("Tainted emitted escapes: %q", got)
	}
}

func TestStyleRegistered(t *testing.T) {
	if DisasmDark == nil || DisasmDark.Name != "taintrace-dark" {
		t.Fatalf("style = %v", DisasmDark)
	}
}
