// Package format renders numbers and durations for logs and progress output.
package format

import (
	"fmt"
	"strconv"
)

type unit struct {
	size   float64
	suffix string
}

var (
	counts = []unit{{1e9, "B"}, {1e6, "M"}, {1e3, "K"}}
	bytes  = []unit{{1e9, " GB"}, {1e6, " MB"}, {1e3, " KB"}}
)

// scale picks the largest unit not above v. ok is false when v is below
// every unit.
func scale(v float64, units []unit) (float64, string, bool) {
	for _, u := range units {
		if v >= u.size {
			return v / u.size, u.suffix, true
		}
	}
	return v, "", false
}

// HumanNumber renders counts such as parameter totals with three
// significant digits: 1.25M, 820K.
func HumanNumber(n uint64) string {
	v, suffix, ok := scale(float64(n), counts)
	if !ok {
		return strconv.FormatUint(n, 10)
	}

	prec := 2
	switch {
	case v >= 100:
		prec = 0
	case v >= 10:
		prec = 1
	}
	return strconv.FormatFloat(v, 'f', prec, 64) + suffix
}

// HumanBytes renders a file size in decimal units.
func HumanBytes(n int64) string {
	v, suffix, ok := scale(float64(n), bytes)
	if !ok {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f%s", v, suffix)
}
