package router

import (
	"net"

	"github.com/cespare/xxhash/v2"
)

// StableHash hashes the host part of a peer address. The port is ignored so
// that every connection from one client lands on the same worker.
func StableHash(addr string) uint64 {
	return xxhash.Sum64String(hostOf(addr))
}

// BucketIndex returns StableHash(addr) mod n, or -1 for an empty pool.
func BucketIndex(addr string, n int) int {
	if n <= 0 {
		return -1
	}
	return int(StableHash(addr) % uint64(n))
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
