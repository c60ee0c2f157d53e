package main

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/lib86cpu/memport"
)

var errOutOfRange = errors.New("flatRAM: address out of range")

// flatRAM is the simplest possible memport.Bus/memport.MMU pair: one
// contiguous byte slice, identity-mapped (no paging, no devices). It's
// what lets `lib86cpu run` boot a flat raw binary without an embedder
// supplying a real system bus, the same role the teacher's own in-memory
// RecompilerRam plays for its standalone test harness.
type flatRAM struct {
	mem []byte
}

func newFlatRAM(size int) *flatRAM {
	return &flatRAM{mem: make([]byte, size)}
}

func (r *flatRAM) loadAt(base uint32, data []byte) error {
	if uint64(base)+uint64(len(data)) > uint64(len(r.mem)) {
		return fmt.Errorf("image of %d bytes at %#x overruns %d-byte RAM", len(data), base, len(r.mem))
	}
	copy(r.mem[base:], data)
	return nil
}

func (r *flatRAM) Translate(vaddr uint32, access memport.Access, cpl int) (uint32, error) {
	return vaddr >> 12, nil
}

func (r *flatRAM) MemRead(paddr uint32, size int) (uint32, error) {
	if uint64(paddr)+uint64(size) > uint64(len(r.mem)) {
		return 0, errOutOfRange
	}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(r.mem[paddr+uint32(i)]) << (8 * i)
	}
	return v, nil
}

func (r *flatRAM) MemWrite(paddr uint32, val uint32, size int) error {
	if uint64(paddr)+uint64(size) > uint64(len(r.mem)) {
		return errOutOfRange
	}
	for i := 0; i < size; i++ {
		r.mem[paddr+uint32(i)] = byte(val >> (8 * i))
	}
	return nil
}

func (r *flatRAM) IORead(port uint16, size int) (uint32, error) {
	return 0xFFFFFFFF, nil
}

func (r *flatRAM) IOWrite(port uint16, val uint32, size int) error {
	return nil
}

// allPortsAllowed is the TSS I/O-permission-bitmap stand-in for a flat
// boot image that never installs a real TSS: every port is permitted, so
// check_io_priv's CPL/IOPL gate is the only thing that can ever deny an
// IN/OUT in this harness.
type allPortsAllowed struct{}

func (allPortsAllowed) Allowed(port uint16, size int) (bool, bool) { return true, false }
