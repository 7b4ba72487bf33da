package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Trace palette.
const (
	ColorMnemonic = "#FFFFFF"
	ColorRegister = "#87CEEB"
	ColorNumber   = "#FF80C0"
	ColorLabel    = "#FFC800"
	ColorComment  = "#FF8000"
)

// DisasmDark is the style used for disassembly in trace dumps.
var DisasmDark = styles.Register(chroma.MustNewStyle("taintrace-dark", chroma.StyleEntries{
	chroma.Text:           ColorMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        ColorComment,
	chroma.CommentPreproc: ColorComment,

	chroma.Keyword:       ColorMnemonic,
	chroma.KeywordPseudo: ColorMnemonic,
	chroma.NameFunction:  ColorMnemonic,
	chroma.Name:          ColorRegister,
	chroma.NameBuiltin:   ColorRegister,
	chroma.NameVariable:  ColorRegister,
	chroma.NameLabel:     ColorLabel,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberHex:     ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,

	chroma.Operator:    ColorMnemonic,
	chroma.Punctuation: ColorMnemonic,
	chroma.String:      "#00FF00",
}))
