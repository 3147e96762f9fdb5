//go:build linux

package uring

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// PutSockaddrInet4 writes a struct sockaddr_in for ip:port into dst, which
// must hold at least unix.SizeofSockaddrInet4 bytes.
func PutSockaddrInet4(dst []byte, ip [4]byte, port int) {
	_ = dst[unix.SizeofSockaddrInet4-1]
	binary.NativeEndian.PutUint16(dst[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(dst[2:4], uint16(port))
	copy(dst[4:8], ip[:])
	clear(dst[8:unix.SizeofSockaddrInet4])
}
