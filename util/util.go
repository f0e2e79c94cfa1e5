// Package util contains misc internal utilities.
package util

import (
	"net"
	"time"
)

// GetBit returns the value of a given bit in a register
func GetBit(v uint32, bitIndex uint) bool {
	return (v>>bitIndex)&1 != 0
}

// SetBit returns b with the bit at index set or cleared
func SetBit(b byte, index uint, value bool) byte {
	if value {
		return b | 1<<index
	}
	return b &^ (1 << index)
}

// Mod is the modulus of a by n, always in [0, n) for positive n
func Mod(a, n int) int {
	return ((a % n) + n) % n
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
