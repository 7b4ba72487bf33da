package libc

import (
	"fmt"

	"github.com/zboralski/taintrace/internal/ir"
	"github.com/zboralski/taintrace/internal/stubs"
	"github.com/zboralski/taintrace/internal/trace"
)

func init() {
	stubs.RegisterFunc("libc", "strlen", stubStrlen)
	stubs.RegisterFunc("libc", "memcpy", stubMemcpy)
	stubs.RegisterFunc("libc", "memmove", stubMemmove)
	stubs.RegisterFunc("libc", "memset", stubMemset)
	stubs.RegisterFunc("libc", "memcmp", stubMemcmp)
	stubs.RegisterFunc("libc", "strcmp", stubStrcmp)
	stubs.RegisterFunc("libc", "strncmp", stubStrncmp)
	stubs.RegisterFunc("libc", "strcpy", stubStrcpy)
	stubs.RegisterFunc("libc", "strncpy", stubStrncpy)
	stubs.RegisterFunc("libc", "strcat", stubStrcat)
	stubs.RegisterFunc("libc", "strchr", stubStrchr)
	stubs.RegisterFunc("libc", "strdup", stubStrdup)
}

// memTainted reports whether [addr, addr+n) carries taint.
func memTainted(env *stubs.Env, addr, n uint64) bool {
	return env.Propagating() && env.Taint.IsMemTainted(addr, n)
}

func formatMemop(dest, src, n uint64) string {
	return fmt.Sprintf("dest=%s src=%s n=%d", stubs.FormatHex(dest), stubs.FormatHex(src), n)
}

// The result of strlen depends on every byte up to and including the NUL.
func stubStrlen(env *stubs.Env) bool {
	addr := env.Emu.X(0)
	str, _ := env.Emu.MemReadString(addr, 4096)
	n := uint64(len(str))

	env.Record(trace.Libc, "strlen", stubs.FormatPtr("len", n))
	env.Return(n, memTainted(env, addr, n+1))
	return false
}

func copyMem(env *stubs.Env, name string) {
	dest, src, n := env.Emu.X(0), env.Emu.X(1), env.Emu.X(2)
	if n > 0 && n < maxCopy {
		if data, err := env.Emu.MemRead(src, n); err == nil {
			_ = env.Emu.MemWrite(dest, data)
		}
		if env.Propagating() {
			env.Taint.CopyMem(dest, src, n)
		}
	}
	env.Record(trace.Libc, name, formatMemop(dest, src, n))
	env.Return(dest, env.ArgTainted(0))
}

func stubMemcpy(env *stubs.Env) bool {
	copyMem(env, "memcpy")
	return false
}

func stubMemmove(env *stubs.Env) bool {
	copyMem(env, "memmove")
	return false
}

// memset bytes take the taint of the fill value.
func stubMemset(env *stubs.Env) bool {
	dest := env.Emu.X(0)
	c := byte(env.Emu.X(1))
	n := env.Emu.X(2)

	if n > 0 && n < maxCopy {
		data := make([]byte, n)
		for i := range data {
			data[i] = c
		}
		_ = env.Emu.MemWrite(dest, data)
		if env.Propagating() {
			env.Taint.AssignMem(dest, n, []ir.Reg{ir.X1})
		}
	}

	env.Record(trace.Libc, "memset", stubs.FormatPtrPair("dest", dest, "c", uint64(c)))
	env.Return(dest, env.ArgTainted(0))
	return false
}

func compare(a, b []byte) uint64 {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return ^uint64(0) // -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return ^uint64(0)
	case len(a) > len(b):
		return 1
	}
	return 0
}

func stubMemcmp(env *stubs.Env) bool {
	a, b, n := env.Emu.X(0), env.Emu.X(1), env.Emu.X(2)
	var result uint64
	if n > 0 && n < maxCopy {
		s1, _ := env.Emu.MemRead(a, n)
		s2, _ := env.Emu.MemRead(b, n)
		result = compare(s1, s2)
	}
	env.Record(trace.Libc, "memcmp", formatMemop(a, b, n))
	env.Return(result, memTainted(env, a, n) || memTainted(env, b, n))
	return false
}

func stubStrcmp(env *stubs.Env) bool {
	a, b := env.Emu.X(0), env.Emu.X(1)
	s1, _ := env.Emu.MemReadString(a, 4096)
	s2, _ := env.Emu.MemReadString(b, 4096)

	env.Record(trace.Libc, "strcmp", fmt.Sprintf("%q %q", s1, s2))
	env.Return(compare([]byte(s1), []byte(s2)),
		memTainted(env, a, uint64(len(s1))+1) || memTainted(env, b, uint64(len(s2))+1))
	return false
}

func stubStrncmp(env *stubs.Env) bool {
	a, b := env.Emu.X(0), env.Emu.X(1)
	n := int(min(env.Emu.X(2), 4096))
	s1, _ := env.Emu.MemReadString(a, n)
	s2, _ := env.Emu.MemReadString(b, n)

	env.Record(trace.Libc, "strncmp", fmt.Sprintf("%q %q n=%d", s1, s2, n))
	env.Return(compare([]byte(s1), []byte(s2)),
		memTainted(env, a, uint64(n)) || memTainted(env, b, uint64(n)))
	return false
}

func stubStrcpy(env *stubs.Env) bool {
	dest, src := env.Emu.X(0), env.Emu.X(1)
	str, _ := env.Emu.MemReadString(src, 4096)
	_ = env.Emu.MemWriteString(dest, str)
	if env.Propagating() {
		env.Taint.CopyMem(dest, src, uint64(len(str))+1)
	}

	env.Record(trace.Libc, "strcpy", formatMemop(dest, src, uint64(len(str))))
	env.Return(dest, env.ArgTainted(0))
	return false
}

// strncpy pads with NULs up to n; padding is clean.
func stubStrncpy(env *stubs.Env) bool {
	dest, src, n := env.Emu.X(0), env.Emu.X(1), env.Emu.X(2)
	if n >= maxCopy {
		n = maxCopy
	}
	str, _ := env.Emu.MemReadString(src, int(n))
	copied := min(uint64(len(str)), n)

	data := make([]byte, n)
	copy(data, str)
	_ = env.Emu.MemWrite(dest, data)
	if env.Propagating() {
		env.Taint.CopyMem(dest, src, copied)
		env.Taint.UntaintMem(dest+copied, n-copied)
	}

	env.Record(trace.Libc, "strncpy", formatMemop(dest, src, n))
	env.Return(dest, env.ArgTainted(0))
	return false
}

func stubStrcat(env *stubs.Env) bool {
	dest, src := env.Emu.X(0), env.Emu.X(1)
	destStr, _ := env.Emu.MemReadString(dest, 4096)
	srcStr, _ := env.Emu.MemReadString(src, 4096)
	end := dest + uint64(len(destStr))
	_ = env.Emu.MemWriteString(end, srcStr)
	if env.Propagating() {
		env.Taint.CopyMem(end, src, uint64(len(srcStr))+1)
	}

	env.Record(trace.Libc, "strcat", formatMemop(dest, src, uint64(len(srcStr))))
	env.Return(dest, env.ArgTainted(0))
	return false
}

// strchr's result depends on the scanned bytes.
func stubStrchr(env *stubs.Env) bool {
	addr := env.Emu.X(0)
	c := byte(env.Emu.X(1))
	str, _ := env.Emu.MemReadString(addr, 4096)

	result := uint64(0)
	for i := 0; i < len(str); i++ {
		if str[i] == c {
			result = addr + uint64(i)
			break
		}
	}
	if c == 0 {
		result = addr + uint64(len(str))
	}

	env.Record(trace.Libc, "strchr", stubs.FormatPtrPair("s", addr, "->", result))
	env.Return(result, memTainted(env, addr, uint64(len(str))+1) || env.ArgTainted(1))
	return false
}

func stubStrdup(env *stubs.Env) bool {
	src := env.Emu.X(0)
	str, _ := env.Emu.MemReadString(src, 4096)
	size := uint64(len(str)) + 1

	ptr, ok := env.Emu.TryMalloc(size)
	if !ok {
		env.Record(trace.Libc, "strdup", stubs.FormatPtrPair("src", src, "->", 0))
		env.Return(0, false)
		return false
	}
	_ = env.Emu.MemWriteString(ptr, str)
	if env.Propagating() {
		env.Taint.CopyMem(ptr, src, size)
	}

	env.Record(trace.Libc, "strdup", stubs.FormatPtrPair("src", src, "->", ptr))
	env.Return(ptr, false)
	return false
}
