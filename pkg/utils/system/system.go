package system

import (
	"math"
	"net"
	"runtime/debug"
)

// fallbackMemory is assumed when neither a runtime limit nor the host total is known.
const fallbackMemory = 256 << 20

func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()

	addr := l.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// AvailableMemory is the memory budget the process may plan against: the Go
// soft memory limit when one is set, else the host's total memory.
func AvailableMemory() uint64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit)
	}
	if total := TotalMemory(); total > 0 {
		return total
	}
	return fallbackMemory
}
