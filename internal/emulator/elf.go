package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ARM64 relocation types
const (
	R_AARCH64_ABS64     = 257
	R_AARCH64_GLOB_DAT  = 1025
	R_AARCH64_JUMP_SLOT = 1026
	R_AARCH64_RELATIVE  = 1027
)

// Image is a mapped code image and its symbols.
type Image struct {
	Path     string
	Machine  elf.Machine
	Entry    uint64
	Symbols  map[string]uint64 // name -> address, all symbols
	Imports  map[string]uint64 // name -> PLT stub address, external only
	Segments []Segment
	BaseAddr uint64
	EndAddr  uint64

	byAddr map[uint64]string
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // file size
	MemSz  uint64 // memory size, larger for .bss
	Flags  elf.ProgFlag
	Data   []byte
}

// LoadELFBase is where position-independent objects are relocated to.
const LoadELFBase = 0x40000000

// LoadELF loads an ELF file, maps it and notifies image-load handlers.
func (e *Emulator) LoadELF(path string) (*Image, error) {
	return e.LoadELFAt(path, 0)
}

// LoadELFAt loads an ELF file at loadBase. A zero base keeps the file's
// addresses for executables and relocates PIC objects to LoadELFBase.
func (e *Emulator) LoadELFAt(path string, loadBase uint64) (*Image, error) {
	img, f, err := ParseELF(path, loadBase)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for _, seg := range img.Segments {
		const pageSize = 0x1000
		start := seg.VAddr &^ (pageSize - 1)
		end := (seg.VAddr + seg.MemSz + pageSize - 1) &^ (pageSize - 1)
		// already mapped is fine
		_ = e.MapRegion(start, end-start)

		if len(seg.Data) > 0 {
			if err := e.MemWrite(seg.VAddr, seg.Data); err != nil {
				return nil, fmt.Errorf("write segment at 0x%x: %w", seg.VAddr, err)
			}
		}
		if seg.MemSz > seg.Size {
			_ = e.MemWrite(seg.VAddr+seg.Size, make([]byte, seg.MemSz-seg.Size))
		}
	}

	e.applyRelocations(f, img.BaseAddr-fileBase(f), img.Imports)
	e.notifyImage(img)
	return img, nil
}

// ParseELF reads symbols and segments without mapping anything. The caller
// closes the returned file.
func ParseELF(path string, loadBase uint64) (*Image, *elf.File, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ELF: %w", err)
	}
	if f.Machine != elf.EM_AARCH64 {
		f.Close()
		return nil, nil, fmt.Errorf("expected ARM64 (EM_AARCH64), got %v", f.Machine)
	}

	base := fileBase(f)
	if base == ^uint64(0) {
		f.Close()
		return nil, nil, fmt.Errorf("no PT_LOAD segments found")
	}
	var fileEnd uint64
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr+prog.Memsz > fileEnd {
			fileEnd = prog.Vaddr + prog.Memsz
		}
	}

	var reloc uint64
	switch {
	case loadBase != 0:
		reloc = loadBase - base
	case base < 0x10000:
		reloc = LoadELFBase - base
	}

	img := &Image{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + reloc,
		Symbols:  make(map[string]uint64),
		Imports:  make(map[string]uint64),
		BaseAddr: base + reloc,
		EndAddr:  fileEnd + reloc,
	}

	if syms, err := f.DynamicSymbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				img.Symbols[stripVersion(sym.Name)] = sym.Value + reloc
			}
		}
	}
	if syms, err := f.Symbols(); err == nil {
		for _, sym := range syms {
			if sym.Value != 0 && sym.Name != "" {
				img.Symbols[sym.Name] = sym.Value + reloc
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("read file: %w", err)
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			VAddr:  prog.Vaddr + reloc,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(data)) {
			seg.Data = data[prog.Off : prog.Off+prog.Filesz]
		}
		img.Segments = append(img.Segments, seg)
	}

	addPLTSymbols(f, reloc, img.Symbols, img.Imports)
	return img, f, nil
}

// LoadImage maps raw code at base and registers it as an image with the
// given symbols. Used for synthetic code and tests.
func (e *Emulator) LoadImage(name string, base uint64, code []byte, symbols map[string]uint64) (*Image, error) {
	if base < CodeBase || base+uint64(len(code)) > CodeBase+CodeSize {
		if err := e.MapRegion(base&^0xfff, (uint64(len(code))+(base&0xfff)+0xfff)&^0xfff); err != nil {
			return nil, fmt.Errorf("map image %s: %w", name, err)
		}
	}
	if err := e.MemWrite(base, code); err != nil {
		return nil, fmt.Errorf("write image %s: %w", name, err)
	}
	img := &Image{
		Path:     name,
		Machine:  elf.EM_AARCH64,
		Entry:    base,
		Symbols:  make(map[string]uint64, len(symbols)),
		Imports:  make(map[string]uint64),
		BaseAddr: base,
		EndAddr:  base + uint64(len(code)),
		Segments: []Segment{{VAddr: base, Size: uint64(len(code)), MemSz: uint64(len(code)), Flags: elf.PF_R | elf.PF_X, Data: code}},
	}
	for k, v := range symbols {
		img.Symbols[k] = v
	}
	e.notifyImage(img)
	return img, nil
}

func fileBase(f *elf.File) uint64 {
	base := ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < base {
			base = prog.Vaddr
		}
	}
	return base
}

func stripVersion(name string) string {
	if i := strings.IndexByte(name, '@'); i > 0 {
		return name[:i]
	}
	return name
}

// addPLTSymbols maps each external symbol to its PLT entry so stubs can hook
// calls through it.
func addPLTSymbols(f *elf.File, reloc uint64, symbols, imports map[string]uint64) {
	plt := f.Section(".plt")
	relaPlt := f.Section(".rela.plt")
	if plt == nil || relaPlt == nil {
		return
	}
	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	rela, err := relaPlt.Data()
	if err != nil {
		return
	}

	// 32-byte PLT header, 16-byte entries, 24-byte RELA records
	const (
		pltHeaderSize = 32
		pltEntrySize  = 16
		relaSize      = 24
	)
	pltBase := plt.Addr + reloc
	for i, n := 0, 0; i+relaSize <= len(rela); i, n = i+relaSize, n+1 {
		info := binary.LittleEndian.Uint64(rela[i+8:])
		// DynamicSymbols omits the null symbol at index 0
		idx := int(info>>32) - 1
		if idx < 0 || idx >= len(dynSyms) {
			continue
		}
		sym := dynSyms[idx]
		if sym.Name == "" || sym.Value != 0 {
			continue
		}
		addr := pltBase + pltHeaderSize + uint64(n)*pltEntrySize
		name := stripVersion(sym.Name)
		symbols[name] = addr
		imports[name] = addr
	}
}

// applyRelocations fixes GOT entries. External symbols resolve to their PLT
// stubs so stub hooks catch indirect calls too.
func (e *Emulator) applyRelocations(f *elf.File, reloc uint64, imports map[string]uint64) {
	dynSyms, _ := f.DynamicSymbols()
	symAt := func(idx int) (elf.Symbol, bool) {
		if idx < 1 || idx > len(dynSyms) {
			return elf.Symbol{}, false
		}
		return dynSyms[idx-1], true
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA || (sec.Name != ".rela.dyn" && sec.Name != ".rela.plt") {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		for i := 0; i+24 <= len(data); i += 24 {
			off := binary.LittleEndian.Uint64(data[i:])
			info := binary.LittleEndian.Uint64(data[i+8:])
			addend := int64(binary.LittleEndian.Uint64(data[i+16:]))
			target := off + reloc
			sym, hasSym := symAt(int(info >> 32))

			switch uint32(info) {
			case R_AARCH64_RELATIVE:
				_ = e.MemWriteU64(target, reloc+uint64(addend))

			case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
				switch {
				case !hasSym:
				case sym.Value != 0:
					_ = e.MemWriteU64(target, sym.Value+reloc)
				case sym.Name == "__stack_chk_guard":
					_ = e.MemWriteU64(target, StackCanaryAddr)
				}

			case R_AARCH64_ABS64:
				switch {
				case hasSym && sym.Value != 0:
					_ = e.MemWriteU64(target, sym.Value+reloc+uint64(addend))
				case hasSym && sym.Name != "":
					if stub, ok := imports[stripVersion(sym.Name)]; ok {
						_ = e.MemWriteU64(target, stub+uint64(addend))
					}
				case !hasSym && addend > 0:
					_ = e.MemWriteU64(target, reloc+uint64(addend))
				}
			}
		}
	}
}

// FindSymbol returns the address of name.
func (img *Image) FindSymbol(name string) (uint64, bool) {
	addr, ok := img.Symbols[name]
	return addr, ok && addr != 0
}

// ResolveSymbol looks name up exactly, then case-insensitively.
func (img *Image) ResolveSymbol(name string) (uint64, bool) {
	if addr, ok := img.FindSymbol(name); ok {
		return addr, true
	}
	for sym, addr := range img.Symbols {
		if addr != 0 && strings.EqualFold(sym, name) {
			return addr, true
		}
	}
	return 0, false
}

// FindEntryPoint returns the preferred symbol if it resolves, else the ELF entry.
func (img *Image) FindEntryPoint(preferred string) uint64 {
	if preferred != "" {
		if addr, ok := img.ResolveSymbol(preferred); ok {
			return addr
		}
	}
	return img.Entry
}

// SymbolAt returns the name of a symbol starting at addr. Imports win over
// internal aliases, then the shortest name.
func (img *Image) SymbolAt(addr uint64) string {
	if img.byAddr == nil {
		img.byAddr = make(map[uint64]string, len(img.Symbols))
		for name, a := range img.Symbols {
			cur, ok := img.byAddr[a]
			if !ok || len(name) < len(cur) || (len(name) == len(cur) && name < cur) {
				img.byAddr[a] = name
			}
		}
		for name, a := range img.Imports {
			img.byAddr[a] = name
		}
	}
	return img.byAddr[addr]
}

// SymbolEntry is a name/address pair.
type SymbolEntry struct {
	Name string
	Addr uint64
}

// FindSymbolsBySubstring returns symbols whose name contains substr, ignoring
// case, sorted by address. An empty substr matches everything.
func (img *Image) FindSymbolsBySubstring(substr string) []SymbolEntry {
	lower := strings.ToLower(substr)
	var out []SymbolEntry
	for name, addr := range img.Symbols {
		if strings.Contains(strings.ToLower(name), lower) {
			out = append(out, SymbolEntry{Name: name, Addr: addr})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr != out[j].Addr {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// IsExecutable returns true if the segment is executable
func (s *Segment) IsExecutable() bool {
	return s.Flags&elf.PF_X != 0
}

// IsWritable returns true if the segment is writable
func (s *Segment) IsWritable() bool {
	return s.Flags&elf.PF_W != 0
}
