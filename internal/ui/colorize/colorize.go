// Package colorize renders trace output with ANSI colors. Output is plain
// when stdout is not a terminal or when TAINTRACE_NO_COLOR or NO_COLOR is set.
package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"golang.org/x/term"
)

var disabled = sync.OnceValue(func() bool {
	if os.Getenv("TAINTRACE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != "" {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
})

// IsDisabled reports whether colors are off for this process.
func IsDisabled() bool {
	return disabled()
}

type highlighter struct {
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
}

var asm = sync.OnceValue(func() *highlighter {
	h := &highlighter{style: styles.Fallback, formatter: formatters.Fallback}
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if l := lexers.Get(name); l != nil {
			h.lexer = l
			break
		}
	}
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			h.style = s
			break
		}
	}
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			h.formatter = f
			break
		}
	}
	return h
})

// Instruction highlights one line of disassembly.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	h := asm()
	if h.lexer == nil {
		return insn
	}
	it, err := h.lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := h.formatter.Format(&buf, h.style, it); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an instruction address.
func Address(addr uint64) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Symbol formats a function name.
func Symbol(name string) string { return rgb(255, 200, 0, name) }

// Tainted marks operands that carry taint.
func Tainted(s string) string { return rgb(255, 80, 80, s) }

// Tag formats a hashtag.
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// Detail formats secondary text.
func Detail(s string) string { return rgb(180, 180, 180, s) }

// Border formats frame characters.
func Border(s string) string { return rgb(80, 80, 80, s) }

// Header formats section titles.
func Header(s string) string { return rgb(86, 156, 214, s) }

// HexBytes formats opcode bytes.
func HexBytes(s string) string { return rgb(100, 100, 100, s) }

// Error formats error text.
func Error(s string) string { return rgb(255, 128, 192, s) }
