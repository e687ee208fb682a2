// Package bytesize parses and formats human-readable byte sizes used in
// configuration, like "512Mi", "4GB" or plain "1048576".
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes that unmarshals from human-readable strings.
//
// Supported formats:
//   - Plain numbers: 1024, 1073741824
//   - Binary units (x1024): Ki/KiB, Mi/MiB, Gi/GiB, Ti/TiB
//   - Decimal units (x1000): K/KB, M/MB, G/GB, T/TB
type ByteSize uint64

// Common byte size constants.
const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

// unitFactor resolves a unit suffix. A trailing "b" is optional ("Ki" and
// "KiB" mean the same thing), and a trailing "i" selects the binary variant.
func unitFactor(unit string) (ByteSize, bool) {
	unit = strings.TrimSuffix(strings.ToLower(unit), "b")
	if unit == "" {
		return B, true
	}

	factor := KB
	binary := false
	if rest, ok := strings.CutSuffix(unit, "i"); ok {
		unit = rest
		factor = KiB
		binary = true
	}
	for _, prefix := range []string{"k", "m", "g", "t"} {
		if unit == prefix {
			return factor, true
		}
		if binary {
			factor *= KiB
		} else {
			factor *= KB
		}
	}
	return 0, false
}

// Parse parses a human-readable byte size like "1Gi", "500MB" or "1024".
func Parse(s string) (ByteSize, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty byte size string")
	}

	// Split the number from the unit suffix.
	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numStr := trimmed[:split]
	unit := strings.TrimSpace(trimmed[split:])

	multiplier, ok := unitFactor(unit)
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", unit)
	}

	if strings.Contains(numStr, ".") {
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in byte size: %q", numStr)
		}
		return ByteSize(num * float64(multiplier)), nil
	}

	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in byte size: %q", numStr)
	}
	return ByteSize(num) * multiplier, nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so ByteSize fields work
// with mapstructure's text-unmarshaler decode hook.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String formats the size with the largest binary unit it reaches. Sizes
// under 1KiB print as exact byte counts.
func (b ByteSize) String() string {
	if b < KiB {
		return fmt.Sprintf("%dB", uint64(b))
	}
	unit, name := KiB, "KiB"
	for _, next := range []string{"MiB", "GiB", "TiB"} {
		if b < unit*KiB {
			break
		}
		unit *= KiB
		name = next
	}
	return fmt.Sprintf("%.2f%s", float64(b)/float64(unit), name)
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 { return uint64(b) }
