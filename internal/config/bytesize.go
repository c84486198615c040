package config

import (
	"fmt"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte quantity written in config files as "200MiB", "128k"
// or a plain integer.
type ByteSize uint64

const (
	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

// ParseByteSize parses a binary size string.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return ByteSize(n), nil
}

// Bytes returns the size as a plain integer.
func (b ByteSize) Bytes() uint64 { return uint64(b) }

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// UnmarshalYAML accepts integers and size strings.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n uint64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: byte size must be a string or integer", value.Line)
	}
	size, err := ParseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = size
	return nil
}

// MarshalYAML writes the size in its short binary form.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}
