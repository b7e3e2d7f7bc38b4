package regwatch

import (
	"fmt"
	"strconv"
	"strings"
)

// parseBytes reads sizes such as "512", "64kb", "100mb", "1.5g" or "2MiB".
// Units are binary multiples.
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "ib")
	s = strings.TrimSuffix(s, "b")
	if s == "" {
		return 0, fmt.Errorf("invalid size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
