package trace

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/ui/colorize"
)

// DisplayOptions controls Display.
type DisplayOptions struct {
	// Symbolize returns the function name starting at addr, or "".
	Symbolize func(addr uint64) string
	// TaintedOnly hides records that wrote no taint.
	TaintedOnly bool
	// Limit caps the number of records shown; 0 shows all.
	Limit int
}

const commentCol = 50

// Display writes the trace as an annotated listing, one record per line, with
// events interleaved before the record they precede.
func (t *Trace) Display(w io.Writer, opts DisplayOptions) error {
	records := t.Records()
	events := t.Events()
	bw := bufio.NewWriterSize(w, 64*1024)

	fmt.Fprintln(bw, colorize.Header(fmt.Sprintf("; trace %s: %d records, %d events", t.ID(), len(records), len(events))))

	ev := 0
	shown := 0
	for _, rec := range records {
		for ev < len(events) && events[ev].Seq <= rec.Seq {
			fmt.Fprintln(bw, formatEvent(events[ev]))
			ev++
		}
		if opts.TaintedOnly && !rec.Tainted {
			continue
		}
		if opts.Limit > 0 && shown >= opts.Limit {
			fmt.Fprintln(bw, colorize.Detail(fmt.Sprintf("; ... %d more records", len(records)-int(rec.Seq))))
			ev = len(events)
			break
		}
		var sym string
		if opts.Symbolize != nil {
			sym = opts.Symbolize(rec.Address)
		}
		fmt.Fprintln(bw, FormatRecord(&rec, sym))
		shown++
	}
	for ; ev < len(events); ev++ {
		fmt.Fprintln(bw, formatEvent(events[ev]))
	}
	return bw.Flush()
}

// TagsFor derives display tags from a record's shape and taint.
func TagsFor(rec *ir.Record) []string {
	var tags []string
	switch {
	case strings.HasPrefix(rec.Text, "BL"):
		tags = append(tags, "#call")
	case strings.HasPrefix(rec.Text, "RET"):
		tags = append(tags, "#ret")
	}
	switch rec.Kind {
	case ir.KindLoad, ir.KindLoadPair:
		tags = append(tags, "#load")
	case ir.KindStore, ir.KindStorePair:
		tags = append(tags, "#store")
	}
	if !rec.Modeled {
		tags = append(tags, "#unmodeled")
	}
	if rec.Tainted {
		tags = append(tags, "#tainted")
	}
	return tags
}

// FormatRecord renders one record as a listing line.
func FormatRecord(rec *ir.Record, symbol string) string {
	var b strings.Builder
	b.Grow(192)

	b.WriteString(colorize.Address(rec.Address))
	b.WriteString("  ")
	b.WriteString(colorize.HexBytes(fmt.Sprintf("%08X", rec.Code)))
	b.WriteString("  ")
	b.WriteString(colorize.Instruction(rec.Text))

	visible := 8 + 2 + 8 + 2 + len(rec.Text)
	for ; visible < commentCol; visible++ {
		b.WriteByte(' ')
	}

	var parts []string
	if tags := TagsFor(rec); len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	if s := rec.Summary(); s != "" {
		parts = append(parts, s)
	}
	if rec.HasEA {
		parts = append(parts, fmt.Sprintf("ea=0x%x", rec.EA))
	}
	if rec.Note != "" {
		parts = append(parts, rec.Note)
	}
	if len(parts) > 0 {
		comment := "; " + strings.Join(parts, " ")
		if rec.Tainted {
			b.WriteString(colorize.Tainted(comment))
		} else {
			b.WriteString(colorize.Detail(comment))
		}
	}
	if symbol != "" {
		b.WriteString("  ")
		b.WriteString(colorize.Symbol(symbol))
	}
	return b.String()
}

func formatEvent(e *Event) string {
	line := fmt.Sprintf("%s  %s %s", colorize.Border("--"), colorize.Tag(strings.Join(e.Tags.Strings(), " ")), colorize.Symbol(e.Name))
	if e.Detail != "" {
		line += " " + colorize.Detail(e.Detail)
	}
	if e.PC != 0 {
		line += " " + colorize.Detail(fmt.Sprintf("@0x%x", e.PC))
	}
	return line
}
