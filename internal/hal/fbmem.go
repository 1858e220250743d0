package hal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Framebuffer is the machine's linear display memory, mapped once at boot
// with write-combining semantics (PAT entry 1 / MAIR attr selected by the
// page-table engine when it installs the PTEs for this range).
type Framebuffer struct {
	Width, Height, Pitch int

	mem []byte
}

// MapFramebuffer maps the display memory backing store. The mapping is
// anonymous host memory standing in for the GPU aperture; the page-table
// engine later installs WC PTEs over its physical range, which is what the
// PAT/MAIR sequencing actually guards.
func (m *Machine) MapFramebuffer(width, height, pitch int) (*Framebuffer, error) {
	if width <= 0 || height <= 0 || pitch < width*4 {
		return nil, fmt.Errorf("hal: bad framebuffer geometry %dx%d pitch %d", width, height, pitch)
	}
	size := height * pitch
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hal: map framebuffer (%d bytes): %w", size, err)
	}
	return &Framebuffer{Width: width, Height: height, Pitch: pitch, mem: mem}, nil
}

// Bytes exposes the raw ARGB pixel memory.
func (f *Framebuffer) Bytes() []byte { return f.mem }

// Size returns the mapping length in bytes.
func (f *Framebuffer) Size() int { return len(f.mem) }

// Protect changes host-level access to the aperture: read-write when
// writable is true, read-only otherwise.
func (f *Framebuffer) Protect(writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(f.mem, prot)
}

// Unmap releases the aperture mapping. Only the boot harness calls this, on
// shutdown; the kernel proper never tears the framebuffer down.
func (f *Framebuffer) Unmap() error {
	if f.mem == nil {
		return nil
	}
	err := unix.Munmap(f.mem)
	f.mem = nil
	return err
}
