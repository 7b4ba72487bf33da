package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/taintrace/internal/config"
	"github.com/zboralski/taintrace/internal/emulator"
	glog "github.com/zboralski/taintrace/internal/log"
	"github.com/zboralski/taintrace/internal/orchestrator"
	"github.com/zboralski/taintrace/internal/script"
	"github.com/zboralski/taintrace/internal/stubs"
	_ "github.com/zboralski/taintrace/internal/stubs/all"
	"github.com/zboralski/taintrace/internal/taint"
	"github.com/zboralski/taintrace/internal/trace"
	"github.com/zboralski/taintrace/internal/ui/colorize"
)

type runFlags struct {
	script    string
	config    string
	entry     string
	args      []string
	maxInsn   uint64
	graph     string
	verbose   bool
	dumpTrace bool
	dumpStats bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "taintrace",
		Short: "Dynamic taint analysis for ARM64 native code",
		Long: `taintrace runs ARM64 ELF code under emulation and tracks how data flows
from taint sources through registers and memory.

Regions of interest are scripted by address or by symbol. Inside a region
every instruction is decoded, its data flow applied to the taint state and
the result appended to an ordered trace.

Examples:
  taintrace run libfoo.so --entry decrypt --script taint.js --dump-trace
  taintrace run libfoo.so --config taint.yaml --graph flow.dot
  taintrace info libfoo.so --filter crypt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var rf runFlags
	runCmd := &cobra.Command{
		Use:   "run <binary>",
		Short: "Emulate a binary and trace taint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd, args[0], &rf)
		},
	}
	runCmd.Flags().StringVarP(&rf.script, "script", "s", "", "JavaScript configuration")
	runCmd.Flags().StringVarP(&rf.config, "config", "c", "", "YAML configuration")
	runCmd.Flags().StringVarP(&rf.entry, "entry", "e", "", "entry symbol or address (default: start symbol, then ELF entry)")
	runCmd.Flags().StringSliceVar(&rf.args, "arg", nil, "integer argument passed in x0..x7 (repeatable)")
	runCmd.Flags().Uint64VarP(&rf.maxInsn, "max-insn", "n", 1_000_000, "instruction limit, 0 for none")
	runCmd.Flags().StringVarP(&rf.graph, "graph", "g", "", "write the taint flow graph as DOT")
	runCmd.Flags().BoolVarP(&rf.verbose, "verbose", "v", false, "verbose debug output")
	runCmd.Flags().BoolVar(&rf.dumpTrace, "dump-trace", false, "print the trace at the end of the run")
	runCmd.Flags().BoolVar(&rf.dumpStats, "dump-stats", false, "print taint statistics at the end of the run")

	var filter string
	var limit int
	infoCmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show binary information and candidate start symbols",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showInfo(args[0], filter, limit)
		},
	}
	infoCmd.Flags().StringVarP(&filter, "filter", "f", "", "only symbols containing this substring")
	infoCmd.Flags().IntVarP(&limit, "num", "n", 50, "max symbols to list, 0 for all")

	rootCmd.AddCommand(runCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error("error: "+err.Error()))
		os.Exit(1)
	}
}

// loadOptions builds the configuration: YAML first, then the script, then
// flags the user set explicitly.
func loadOptions(cmd *cobra.Command, rf *runFlags, l *glog.Logger) (*config.Options, error) {
	opts := config.New()
	opts.SetMaxInsn(rf.maxInsn)

	if rf.config != "" {
		f, err := config.Load(rf.config)
		if err != nil {
			return nil, err
		}
		if skipped := f.Apply(opts, l); skipped > 0 {
			l.Warn("config entries skipped", zap.Int("count", skipped))
		}
	}
	if rf.script != "" {
		rt := script.New(opts, l)
		if err := rt.RunFile(rf.script); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("dump-trace") {
		opts.SetDumpTrace(rf.dumpTrace)
	}
	if flags.Changed("dump-stats") {
		opts.SetDumpStats(rf.dumpStats)
	}
	if flags.Changed("graph") {
		opts.SetGraphPath(rf.graph)
	}
	if flags.Changed("max-insn") {
		opts.SetMaxInsn(rf.maxInsn)
	}
	return opts, nil
}

// resolveEntry picks the call target. Without --entry the configured start
// symbol is called directly, falling back to the ELF entry.
func resolveEntry(img *emulator.Image, entry, startSymbol string) (uint64, string, error) {
	if entry == "" {
		addr := img.FindEntryPoint(startSymbol)
		return addr, img.SymbolAt(addr), nil
	}
	if addr, ok := img.ResolveSymbol(entry); ok {
		return addr, entry, nil
	}
	if strings.HasPrefix(entry, "0x") {
		addr, err := config.ParseAddr(entry)
		if err != nil {
			return 0, "", fmt.Errorf("entry: %w", err)
		}
		return addr, img.SymbolAt(addr), nil
	}
	return 0, "", fmt.Errorf("entry symbol %q not found", entry)
}

func runTrace(cmd *cobra.Command, binaryPath string, rf *runFlags) error {
	glog.Init(rf.verbose)
	l := glog.Get()

	opts, err := loadOptions(cmd, rf, l)
	if err != nil {
		return err
	}

	var callArgs []uint64
	for _, a := range rf.args {
		v, err := config.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("--arg %q: %w", a, err)
		}
		callArgs = append(callArgs, v)
	}

	emu, err := emulator.New()
	if err != nil {
		return fmt.Errorf("create emulator: %w", err)
	}
	defer emu.Close()
	emu.SetMaxInsn(opts.MaxInsn())

	proc := taint.New()
	tr := trace.New()
	orch := orchestrator.New(opts, proc, tr, orchestrator.WithLogger(l))
	orch.Attach(emu)

	env := &stubs.Env{
		Emu:    emu,
		Taint:  proc,
		Trace:  tr,
		Active: orch.Active,
		Log:    l.WithCategory("stub"),
	}
	hooks := 0
	emu.OnImageLoad(func(img *emulator.Image) {
		hooks += stubs.Install(env, img)
	})

	img, err := emu.LoadELF(binaryPath)
	if err != nil {
		return fmt.Errorf("load ELF: %w", err)
	}
	entry, entryName, err := resolveEntry(img, rf.entry, opts.StartSymbol())
	if err != nil {
		return err
	}

	printHeader(binaryPath, img, entry, entryName, hooks, tr)

	_, runErr := emu.Call(entry, callArgs...)
	emu.Fini()

	if err := orch.Err(); err != nil {
		return err
	}
	printSummary(emu, proc, tr, runErr)
	return nil
}

func printHeader(binary string, img *emulator.Image, entry uint64, entryName string, hooks int, tr *trace.Trace) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}
	if entryName == "" {
		entryName = "?"
	}

	fmt.Println()
	fmt.Printf("%s taintrace ─ session %s\n", colorize.Header("▶"), tr.ID())
	fmt.Printf("  %s %s\n", colorize.Detail("Loading:"), binary)
	fmt.Printf("  %s %s  %s %s %s\n",
		colorize.Detail("Base:"), colorize.Address(img.BaseAddr),
		colorize.Detail("Entry:"), colorize.Address(entry), colorize.Symbol(entryName))
	fmt.Printf("  %s %s  %s %s  %s %s\n",
		colorize.Detail("Imports:"), colorize.Symbol(fmt.Sprint(len(img.Imports))),
		colorize.Detail("Symbols:"), colorize.Symbol(fmt.Sprint(len(img.Symbols))),
		colorize.Detail("Hooks:"), colorize.Symbol(fmt.Sprint(hooks)))
	fmt.Println()
}

func printSummary(emu *emulator.Emulator, proc *taint.Processor, tr *trace.Trace, err error) {
	s := proc.Stats()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s traced  %s tainted regs  %s tainted bytes",
		colorize.Symbol(fmt.Sprint(emu.Executed())),
		colorize.Symbol(fmt.Sprint(tr.Len())),
		colorize.Symbol(fmt.Sprint(s.TaintedRegs)),
		colorize.Symbol(fmt.Sprint(s.TaintedBytes)))
	switch {
	case err == nil:
	case errors.Is(err, emulator.ErrInsnLimit):
		fmt.Printf("  %s", colorize.Detail(err.Error()))
	default:
		fmt.Printf("  %s", colorize.Error(err.Error()))
	}
	fmt.Println()
}

func showInfo(binaryPath string, filter string, limit int) error {
	absPath, err := filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	img, f, err := emulator.ParseELF(absPath, 0)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}
	f.Close()

	fmt.Printf("Binary:  %s\n", filepath.Base(absPath))
	fmt.Printf("Base:    0x%x\n", img.BaseAddr)
	fmt.Printf("End:     0x%x\n", img.EndAddr)
	fmt.Printf("Entry:   0x%x %s\n", img.Entry, img.SymbolAt(img.Entry))
	fmt.Printf("Symbols: %d\n", len(img.Symbols))

	stubbed := 0
	for name := range img.Imports {
		if _, ok := stubs.DefaultRegistry.Lookup(name); ok {
			stubbed++
		}
	}
	fmt.Printf("Imports: %d (%d with taint-aware stubs, %d available)\n\n",
		len(img.Imports), stubbed, len(stubs.DefaultRegistry.List()))

	syms := img.FindSymbolsBySubstring(filter)
	fmt.Println("Start symbols:")
	for i, s := range syms {
		if limit > 0 && i == limit {
			fmt.Printf("  ... %d more\n", len(syms)-limit)
			break
		}
		fmt.Printf("  %s %s\n", colorize.Address(s.Addr), colorize.Symbol(s.Name))
	}
	return nil
}
