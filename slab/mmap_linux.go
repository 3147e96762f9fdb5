//go:build linux

package slab

import "golang.org/x/sys/unix"

// Granularity is the page size; anonymous mappings are page granular.
func Granularity() uint64 { return uint64(unix.Getpagesize()) }

// mapRegion maps an anonymous, pre-faulted region so that the first
// receive into a slot does not take a page fault in the kernel.
func mapRegion(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
	)
}

func unmapRegion(b []byte) error { return unix.Munmap(b) }
