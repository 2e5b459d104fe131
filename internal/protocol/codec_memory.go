package protocol

import (
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// Memory is a byte count with the wire protocol's display convention:
// pick the largest binary unit (TiB/GiB/MiB/KiB/B) that divides the value
// exactly, falling back to bytes otherwise (spec.md §4.3).
type Memory int64

// binaryUnits lists the wire protocol's memory display units, largest
// first, so String can test "is it an exact multiple" top-down.
var binaryUnits = []struct {
	suffix string
	size   int64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
}

// String renders m using the largest exact binary unit, or as a plain
// byte count when no unit divides it. It formats the number itself;
// go-units is used only by HumanSize and ParseMemory.
func (m Memory) String() string {
	n := int64(m)
	if n == 0 {
		return "0B"
	}
	neg := n < 0
	abs := n
	if neg {
		abs = -n
	}
	for _, u := range binaryUnits {
		if abs%u.size == 0 {
			s := fmt.Sprintf("%g%s", float64(abs)/float64(u.size), u.suffix)
			if neg {
				return "-" + s
			}
			return s
		}
	}
	s := strconv.FormatInt(abs, 10) + "B"
	if neg {
		return "-" + s
	}
	return s
}

// HumanSize renders m using go-units' decimal-size convention (e.g.
// "1.2MB"), provided for callers that want SI rather than the wire
// protocol's binary display rule.
func (m Memory) HumanSize() string {
	return units.HumanSize(float64(m))
}

// ParseMemory parses a wire-style memory literal like "512MiB" back into
// a byte count, accepting the same unit suffixes String produces.
func ParseMemory(s string) (Memory, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "B") && !strings.HasSuffix(s, "iB") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "B"), 10, 64)
		if err != nil {
			return 0, err
		}
		return Memory(n), nil
	}
	bytesVal, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return Memory(bytesVal), nil
}
