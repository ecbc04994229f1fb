package filter

import (
	"fmt"
	"strconv"
	"strings"
)

var sizeUnits = map[string]int64{
	"": 1, "B": 1,
	"K": 1 << 10, "KB": 1 << 10,
	"M": 1 << 20, "MB": 1 << 20,
	"G": 1 << 30, "GB": 1 << 30,
	"T": 1 << 40, "TB": 1 << 40,
}

// ParseSize parses a human-readable size string into bytes. Accepts a
// bare number or a K/M/G/T suffix with an optional trailing B ("64K",
// "100MB", "1.5G"). Units are powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	idx := len(s)
	for idx > 0 {
		c := s[idx-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		idx--
	}
	numStr := s[:idx]
	unit := strings.ToUpper(strings.TrimSpace(s[idx:]))

	multiplier, ok := sizeUnits[unit]
	if !ok || numStr == "" {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	if n, err := strconv.ParseInt(numStr, 10, 64); err == nil {
		return n * multiplier, nil
	}
	f, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(f * float64(multiplier)), nil
}
