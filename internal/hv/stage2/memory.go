package stage2

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// bytesToTable reinterprets a tableSize-long byte slice as a *Table, the
// same unsafe-pointer-cast idiom mazarin's page allocator uses to view
// raw memory as typed page-metadata structs.
func bytesToTable(buf []byte) *Table {
	return (*Table)(unsafe.Pointer(&buf[0]))
}

// PhysMem is the backing store the dynamic mapper's table allocator
// carves intermediate tables out of. It stands in for a slice of host
// physical memory reserved as the hypervisor's own heap (spec.md §4.1's
// "hole" for the heap region) — never guest-visible IPA space.
type PhysMem interface {
	// Bytes returns a mutable view of size bytes at pa. Callers only ever
	// request tableSize-aligned, tableSize-long slices.
	Bytes(pa uint64, size uint64) []byte
	// Size is the total extent available for allocation.
	Size() uint64
}

// SliceMemory backs PhysMem with an ordinary Go slice. It requires no
// syscalls and is what the test suite uses.
type SliceMemory struct {
	buf []byte
}

// NewSliceMemory allocates size bytes of plain Go heap memory as the
// table allocator's backing store.
func NewSliceMemory(size uint64) *SliceMemory {
	return &SliceMemory{buf: make([]byte, size)}
}

func (m *SliceMemory) Bytes(pa, size uint64) []byte { return m.buf[pa : pa+size] }
func (m *SliceMemory) Size() uint64                 { return uint64(len(m.buf)) }

// MmapMemory backs PhysMem with an anonymous mmap region, the same call
// the teacher's ARM64 assembly-execution harness
// (internal/asm/arm64/exec.go) uses to get RWX host memory: here we only
// need RW, but the allocation call is the same shape.
type MmapMemory struct {
	buf []byte
}

// NewMmapMemory reserves size bytes (rounded up to the host page size)
// of anonymous, zero-filled memory for the Stage-2 dynamic mapper's
// table heap.
func NewMmapMemory(size uint64) (*MmapMemory, error) {
	const pageSize = 4096
	rounded := ((size + pageSize - 1) / pageSize) * pageSize

	buf, err := unix.Mmap(-1, 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("stage2: mmap table heap: %w", err)
	}
	return &MmapMemory{buf: buf}, nil
}

func (m *MmapMemory) Bytes(pa, size uint64) []byte { return m.buf[pa : pa+size] }
func (m *MmapMemory) Size() uint64                 { return uint64(len(m.buf)) }

// Close releases the mmap'd region. Stage-2 tables are never freed
// individually (spec.md §4.1's "never freed once installed") — this
// only tears down the whole heap when the VM itself is destroyed.
func (m *MmapMemory) Close() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	return err
}
