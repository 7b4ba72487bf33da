package emulator

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testELFBase = 0x400000

// writeELF writes a minimal static ARM64 executable with code at
// testELFBase+0x100 and a .symtab holding syms (offsets into code).
func writeELF(t *testing.T, machine elf.Machine, code []byte, syms map[string]uint64) string {
	t.Helper()
	const codeOff = 0x100

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	symtab := []elf.Sym64{{}}
	for _, name := range slices.Sorted(maps.Keys(syms)) {
		symtab = append(symtab, elf.Sym64{
			Name:  uint32(strtab.Len()),
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: 1,
			Value: testELFBase + codeOff + syms[name],
		})
		strtab.WriteString(name)
		strtab.WriteByte(0)
	}
	shstr := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

	var body bytes.Buffer
	body.Write(make([]byte, codeOff))
	body.Write(code)
	strOff := body.Len()
	body.Write(strtab.Bytes())
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	symOff := body.Len()
	for _, s := range symtab {
		binary.Write(&body, binary.LittleEndian, s)
	}
	shstrOff := body.Len()
	body.Write(shstr)
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	loadSize := uint64(body.Len())
	shOff := body.Len()

	sections := []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: testELFBase + codeOff, Off: codeOff, Size: uint64(len(code)), Addralign: 4},
		{Name: 7, Type: uint32(elf.SHT_SYMTAB), Off: uint64(symOff), Size: uint64(len(symtab) * 24),
			Link: 3, Info: 1, Addralign: 8, Entsize: 24},
		{Name: 15, Type: uint32(elf.SHT_STRTAB), Off: uint64(strOff), Size: uint64(strtab.Len()), Addralign: 1},
		{Name: 23, Type: uint32(elf.SHT_STRTAB), Off: uint64(shstrOff), Size: uint64(len(shstr)), Addralign: 1},
	}
	for _, s := range sections {
		binary.Write(&body, binary.LittleEndian, s)
	}

	out := body.Bytes()
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     testELFBase + codeOff,
		Phoff:     64,
		Shoff:     uint64(shOff),
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(sections)),
		Shstrndx:  4,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  testELFBase,
		Paddr:  testELFBase,
		Filesz: loadSize,
		Memsz:  loadSize + 0x40,
		Align:  0x1000,
	}
	var head bytes.Buffer
	binary.Write(&head, binary.LittleEndian, hdr)
	binary.Write(&head, binary.LittleEndian, prog)
	copy(out, head.Bytes())

	path := filepath.Join(t.TempDir(), "test.elf")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestELFLoader(t *testing.T) {
	path := writeELF(t, elf.EM_AARCH64, addTestCode, map[string]uint64{
		"compute": 0,
		"done":    12,
	})

	emu := newEmu(t)
	var loaded []*Image
	emu.OnImageLoad(func(img *Image) { loaded = append(loaded, img) })

	img, err := emu.LoadELF(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != img {
		t.Fatal("image-load callback not delivered")
	}
	if img.BaseAddr != testELFBase || img.Entry != testELFBase+0x100 {
		t.Errorf("base 0x%x entry 0x%x", img.BaseAddr, img.Entry)
	}
	if len(img.Segments) != 1 || !img.Segments[0].IsExecutable() || img.Segments[0].IsWritable() {
		t.Errorf("segments = %+v", img.Segments)
	}

	magic, err := emu.MemRead(img.BaseAddr, 4)
	if err != nil || string(magic) != elf.ELFMAG {
		t.Errorf("header not mapped: %x %v", magic, err)
	}

	entry := img.FindEntryPoint("compute")
	x0, err := emu.Call(entry)
	if err != nil || x0 != 5 {
		t.Fatalf("call compute: %d %v", x0, err)
	}
	if got := emu.Symbolize(entry + 12); got != "done" {
		t.Errorf("symbolize = %q", got)
	}

	want := []SymbolEntry{
		{Name: "compute", Addr: testELFBase + 0x100},
		{Name: "done", Addr: testELFBase + 0x10c},
	}
	if diff := cmp.Diff(want, img.FindSymbolsBySubstring("")); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}
	if got := img.FindSymbolsBySubstring("DON"); len(got) != 1 || got[0].Name != "done" {
		t.Errorf("substring lookup = %+v", got)
	}
}

func TestELFLoadAt(t *testing.T) {
	path := writeELF(t, elf.EM_AARCH64, addTestCode, map[string]uint64{"compute": 0})
	emu := newEmu(t)
	img, err := emu.LoadELFAt(path, 0x600000)
	if err != nil {
		t.Fatal(err)
	}
	if addr, ok := img.FindSymbol("compute"); !ok || addr != 0x600100 {
		t.Fatalf("relocated symbol = 0x%x %v", addr, ok)
	}
	if x0, err := emu.Call(img.Entry); err != nil || x0 != 5 {
		t.Fatalf("call relocated entry: %d %v", x0, err)
	}
}

func TestELFWrongMachine(t *testing.T) {
	path := writeELF(t, elf.EM_X86_64, addTestCode, nil)
	emu := newEmu(t)
	if _, err := emu.LoadELF(path); err == nil {
		t.Fatal("x86-64 object accepted")
	}
	if len(emu.Images()) != 0 {
		t.Fatal("failed load registered an image")
	}
}

func TestStripVersion(t *testing.T) {
	for in, want := range map[string]string{
		"memcpy@GLIBC_2.17": "memcpy",
		"strlen@@LIBC":      "strlen",
		"plain":             "plain",
		"@odd":              "@odd",
	} {
		if got := stripVersion(in); got != want {
			t.Errorf("stripVersion(%q) = %q", in, got)
		}
	}
}
