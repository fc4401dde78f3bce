//go:build !linux

package system

// TotalMemory is not probed on this platform.
func TotalMemory() uint64 {
	return 0
}
