package ir

import "fmt"

// Context is the machine state of one thread at one program point.
//
// A Context is only valid for the duration of the instrumentation callback
// that produced it and must not be retained. ReadReg and WriteReg panic with
// *InvalidRegisterError for unsupported registers.
type Context interface {
	ThreadID() uint32
	ReadReg(r Reg) uint64
	WriteReg(r Reg, v uint64)
	ReadMemory(addr, size uint64) ([]byte, error)
}

// Snapshot is a Context backed by plain values. It is used to replay
// captured states and to drive builders without an emulator.
type Snapshot struct {
	Thread uint32
	Regs   [NumRegs]uint64
	Mem    map[uint64]byte
}

// NewSnapshot returns an empty snapshot for the given thread.
func NewSnapshot(tid uint32) *Snapshot {
	return &Snapshot{Thread: tid, Mem: make(map[uint64]byte)}
}

func (s *Snapshot) ThreadID() uint32 { return s.Thread }

func (s *Snapshot) ReadReg(r Reg) uint64 {
	MustValid(r, "read")
	return s.Regs[r]
}

func (s *Snapshot) WriteReg(r Reg, v uint64) {
	MustValid(r, "write")
	s.Regs[r] = v
}

// ReadMemory fails if any byte in the range was never written.
func (s *Snapshot) ReadMemory(addr, size uint64) ([]byte, error) {
	out := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		b, ok := s.Mem[addr+i]
		if !ok {
			return nil, fmt.Errorf("read unmapped 0x%x", addr+i)
		}
		out[i] = b
	}
	return out, nil
}

// WriteMemory stores bytes at addr.
func (s *Snapshot) WriteMemory(addr uint64, data []byte) {
	if s.Mem == nil {
		s.Mem = make(map[uint64]byte)
	}
	for i, b := range data {
		s.Mem[addr+uint64(i)] = b
	}
}
