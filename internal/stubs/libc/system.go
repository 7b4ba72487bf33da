package libc

import (
	"github.com/zboralski/taintrace/internal/stubs"
	"github.com/zboralski/taintrace/internal/trace"
)

func init() {
	stubs.RegisterFunc("libc", "abort", stubAbort)
	stubs.RegisterFunc("libc", "exit", stubExit, "_exit", "_Exit")
	stubs.RegisterFunc("libc", "atexit", stubAtexit, "__cxa_atexit")
}

// abort and exit end the run.
func stubAbort(env *stubs.Env) bool {
	env.Record(trace.Libc, "abort", "program aborted")
	return true
}

func stubExit(env *stubs.Env) bool {
	env.Record(trace.Libc, "exit", stubs.FormatHex(env.Emu.X(0)))
	return true
}

// Handlers are not registered, the run ends before they would fire.
func stubAtexit(env *stubs.Env) bool {
	env.Return(0, false)
	return false
}
