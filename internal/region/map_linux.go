//go:build linux

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// reserve maps an anonymous, private, no-access region at exactly win.Base.
// MAP_FIXED_NOREPLACE makes the kernel fail the call rather than displace an existing
// mapping or relocate the hint.
func reserve(win *Window) error {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(win.Base),
		uintptr(win.Length),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE),
		^uintptr(0), // no file
		0,
	)
	if errno != 0 {
		return fmt.Errorf("mmap %#x: %w", win.Base, errno)
	}

	if uint64(addr) != win.Base {
		// Older kernels treat the flag as a plain hint; never accept a moved window.
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(win.Length), 0)
		return fmt.Errorf("mmap %#x: placed at %#x", win.Base, uint64(addr))
	}

	win.reserved = true

	return nil
}

// release unmaps a reserved window.
func release(win *Window) error {
	if !win.reserved {
		return nil
	}

	win.reserved = false

	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(win.Base), uintptr(win.Length), 0)
	if errno != 0 {
		return fmt.Errorf("munmap %#x: %w", win.Base, errno)
	}

	return nil
}
