package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	minYear = 1
	maxYear = 9999
)

// yearSet is the parsed seventh field. all means the field was "*".
type yearSet struct {
	all   bool
	years []int // sorted, unique
}

func parseYears(field string) (yearSet, error) {
	if isStar(field) {
		return yearSet{all: true}, nil
	}
	seen := make(map[int]struct{})
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := yearRange(part)
		if err != nil {
			return yearSet{}, err
		}
		for y := lo; y <= hi; y += step {
			seen[y] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for y := range seen {
		out = append(out, y)
	}
	sort.Ints(out)
	return yearSet{years: out}, nil
}

// yearRange parses one list element: "*", "y", "a-b", with an optional "/n".
// "a/n" means a through the maximum year.
func yearRange(expr string) (lo, hi, step int, err error) {
	if expr == "" {
		return 0, 0, 0, fmt.Errorf("empty list element")
	}
	rangePart, stepPart, hasStep := strings.Cut(expr, "/")
	step = 1
	if hasStep {
		step, err = strconv.Atoi(stepPart)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("step %q must be a positive integer", stepPart)
		}
	}

	if rangePart == "*" || rangePart == "?" {
		return minYear, maxYear, step, nil
	}

	loText, hiText, isRange := strings.Cut(rangePart, "-")
	lo, err = parseYear(loText)
	if err != nil {
		return 0, 0, 0, err
	}
	switch {
	case isRange:
		hi, err = parseYear(hiText)
		if err != nil {
			return 0, 0, 0, err
		}
	case hasStep:
		hi = maxYear
	default:
		hi = lo
	}
	if lo > hi {
		return 0, 0, 0, fmt.Errorf("beginning of range (%d) beyond end of range (%d)", lo, hi)
	}
	return lo, hi, step, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse year %q", s)
	}
	if y < minYear || y > maxYear {
		return 0, fmt.Errorf("year %d outside %d-%d", y, minYear, maxYear)
	}
	return y, nil
}

func (s yearSet) contains(y int) bool {
	if s.all {
		return y >= minYear && y <= maxYear
	}
	i := sort.SearchInts(s.years, y)
	return i < len(s.years) && s.years[i] == y
}

// next returns the smallest allowed year greater than y.
func (s yearSet) next(y int) (int, bool) {
	if s.all {
		if y+1 > maxYear {
			return 0, false
		}
		return y + 1, true
	}
	i := sort.SearchInts(s.years, y+1)
	if i == len(s.years) {
		return 0, false
	}
	return s.years[i], true
}

// prev returns the largest allowed year smaller than y.
func (s yearSet) prev(y int) (int, bool) {
	if s.all {
		if y-1 < minYear {
			return 0, false
		}
		return y - 1, true
	}
	i := sort.SearchInts(s.years, y)
	if i == 0 {
		return 0, false
	}
	return s.years[i-1], true
}
