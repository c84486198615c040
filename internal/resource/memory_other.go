//go:build !linux

package resource

import "math"

// SystemMemory does not limit growth where free memory cannot be queried.
type SystemMemory struct{}

// AvailableMemory reports unlimited memory.
func (SystemMemory) AvailableMemory() uint64 { return math.MaxUint64 }
