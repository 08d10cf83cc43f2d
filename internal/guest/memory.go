package guest

import (
	"encoding/binary"
	"fmt"
)

// Memory is the guest address space as seen by compiled code.
type Memory interface {
	ReadUint8(addr uint64) uint8
	ReadUint32(addr uint64) uint32
	ReadUint64(addr uint64) uint64
	WriteUint8(addr uint64, v uint8)
	WriteUint32(addr uint64, v uint32)
	WriteUint64(addr uint64, v uint64)
}

// Fault is raised (as a panic) when guest code touches an address outside
// the mapped region. The dispatcher recovers it and stops the thread.
type Fault struct {
	Address uint64
	Size    int
	Write   bool
}

func (f *Fault) Error() string {
	access := "read"
	if f.Write {
		access = "write"
	}
	return fmt.Sprintf("guest %s fault: %d bytes at %#x", access, f.Size, f.Address)
}

// FlatMemory maps one contiguous little-endian region at Base.
type FlatMemory struct {
	Base uint64
	data []byte
}

// NewFlatMemory allocates size bytes mapped at base.
func NewFlatMemory(base uint64, size int) *FlatMemory {
	return &FlatMemory{Base: base, data: make([]byte, size)}
}

// Load copies an image into memory at addr.
func (m *FlatMemory) Load(addr uint64, image []byte) error {
	off, ok := m.offset(addr, len(image))
	if !ok {
		return fmt.Errorf("image of %d bytes does not fit at %#x", len(image), addr)
	}
	copy(m.data[off:], image)
	return nil
}

// Size returns the number of mapped bytes.
func (m *FlatMemory) Size() int {
	return len(m.data)
}

// Contains reports whether [addr, addr+size) is mapped.
func (m *FlatMemory) Contains(addr uint64, size int) bool {
	_, ok := m.offset(addr, size)
	return ok
}

func (m *FlatMemory) offset(addr uint64, size int) (int, bool) {
	if addr < m.Base || size < 0 {
		return 0, false
	}
	off := addr - m.Base
	if off > uint64(len(m.data)) || uint64(len(m.data))-off < uint64(size) {
		return 0, false
	}
	return int(off), true
}

func (m *FlatMemory) slice(addr uint64, size int, write bool) []byte {
	off, ok := m.offset(addr, size)
	if !ok {
		panic(&Fault{Address: addr, Size: size, Write: write})
	}
	return m.data[off : off+size]
}

func (m *FlatMemory) ReadUint8(addr uint64) uint8 {
	return m.slice(addr, 1, false)[0]
}

func (m *FlatMemory) ReadUint32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.slice(addr, 4, false))
}

func (m *FlatMemory) ReadUint64(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(m.slice(addr, 8, false))
}

func (m *FlatMemory) WriteUint8(addr uint64, v uint8) {
	m.slice(addr, 1, true)[0] = v
}

func (m *FlatMemory) WriteUint32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.slice(addr, 4, true), v)
}

func (m *FlatMemory) WriteUint64(addr uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.slice(addr, 8, true), v)
}
