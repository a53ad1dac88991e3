package compositor

import (
	"fmt"
	"math"
	"strings"
)

// Grid is the arrangement of n video cells inside one output frame.
type Grid struct {
	Rows  int
	Cols  int
	CellW int
	CellH int
}

// GridLayout packs n cells into a roughly square grid of a width x height frame.
func GridLayout(n, width, height int) Grid {
	if n <= 0 {
		return Grid{}
	}
	rows := int(math.Ceil(math.Sqrt(float64(n))))
	cols := int(math.Ceil(float64(n) / float64(rows)))
	return Grid{Rows: rows, Cols: cols, CellW: width / cols, CellH: height / rows}
}

// VideoFilter returns the filter graph that tiles the given ffmpeg inputs
// into one [v] output. A single input is only scaled.
func VideoFilter(indices []int, width, height int) string {
	n := len(indices)
	if n == 0 {
		return ""
	}
	if n == 1 {
		return fmt.Sprintf("[%d:v]scale=%d:%d[v]", indices[0], width, height)
	}

	g := GridLayout(n, width, height)
	parts := make([]string, 0, n+g.Rows+1)
	for pos, idx := range indices {
		parts = append(parts, fmt.Sprintf("[%d:v]scale=%d:%d[v%d]", idx, g.CellW, g.CellH, pos))
	}

	var rows strings.Builder
	for r := 0; r < g.Rows; r++ {
		first := r * g.Cols
		last := min(first+g.Cols, n)
		if first >= last {
			break
		}
		var in strings.Builder
		for pos := first; pos < last; pos++ {
			fmt.Fprintf(&in, "[v%d]", pos)
		}
		if last-first >= 2 {
			parts = append(parts, fmt.Sprintf("%shstack=inputs=%d[row%d]", in.String(), last-first, r))
		} else {
			parts = append(parts, fmt.Sprintf("%scopy[row%d]", in.String(), r))
		}
		fmt.Fprintf(&rows, "[row%d]", r)
	}

	used := strings.Count(rows.String(), "[row")
	if used > 1 {
		parts = append(parts, fmt.Sprintf("%svstack=inputs=%d[v]", rows.String(), used))
	} else {
		parts = append(parts, rows.String()+"copy[v]")
	}
	return strings.Join(parts, ";")
}

// AudioFilter mixes two or more audio inputs into [a]. A single input needs
// no filter and is mapped directly.
func AudioFilter(indices []int) string {
	if len(indices) < 2 {
		return ""
	}
	var b strings.Builder
	for _, idx := range indices {
		fmt.Fprintf(&b, "[%d:a]", idx)
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest[a]", len(indices))
	return b.String()
}
