//go:build linux

package resource

import "golang.org/x/sys/unix"

// SystemMemory reads free physical memory from the kernel.
type SystemMemory struct{}

// AvailableMemory returns free RAM, or 0 when the kernel cannot be queried.
func (SystemMemory) AvailableMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Freeram) * uint64(info.Unit)
}
