//go:build !linux

package slab

import "os"

func Granularity() uint64 { return uint64(os.Getpagesize()) }

// Without a registering backend the region is ordinary heap memory.
func mapRegion(length int) ([]byte, error) { return make([]byte, length), nil }

func unmapRegion([]byte) error { return nil }
