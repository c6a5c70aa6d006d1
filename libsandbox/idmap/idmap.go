// Package idmap computes the uid/gid mappings written into
// /proc/<pid>/[ug]id_map when entering a user namespace. It projects
// user-requested mappings against the subordinate id ranges delegated to
// the caller in /etc/sub[ug]id and against the caller's own current id
// map, producing the host-absolute text the kernel expects.
package idmap

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxUserMappings is the maximum number of ranges a single map may
	// carry, mirroring the kernel's limit of 340 lines per map file.
	MaxUserMappings = 340

	// mapTextMax bounds the formatted map. 340 mappings at three
	// 10-digit fields, two spaces and a newline fit comfortably.
	mapTextMax = 4 * 4096

	// CountOverflow is returned by [Map.Count] when the ids covered do
	// not fit in a uint32.
	CountOverflow = math.MaxUint32
)

// Range covers Length consecutive ids. Inner is the id as seen inside
// the new user namespace, Outer the id in the enclosing namespace. A
// Range with Length == 0 is absent.
type Range struct {
	Inner  uint32 `json:"inner"`
	Outer  uint32 `json:"outer"`
	Length uint32 `json:"length"`
}

// Map is an ordered collection of ranges.
type Map []Range

// SortKey designates which side of a map Normalize orders by.
type SortKey int

const (
	// SortOuter orders by host-side ids.
	SortOuter SortKey = iota
	// SortInner orders by namespace-side ids.
	SortInner
)

func (k SortKey) of(r Range) uint32 {
	if k == SortInner {
		return r.Inner
	}
	return r.Outer
}

func (k SortKey) other(r Range) uint32 {
	if k == SortInner {
		return r.Outer
	}
	return r.Inner
}

// IsEmpty reports whether the map covers no ids.
func (m Map) IsEmpty() bool {
	for _, r := range m {
		if r.Length > 0 {
			return false
		}
	}
	return true
}

// Count returns the total number of ids covered, or CountOverflow if
// the total does not fit in a uint32.
func (m Map) Count() uint32 {
	var total uint64
	for _, r := range m {
		total += uint64(r.Length)
		if total >= math.MaxUint32 {
			return CountOverflow
		}
	}
	return uint32(total)
}

// Normalize sorts the map by the designated key, drops empty ranges and
// deduplicates identical ones. With merge enabled, ranges adjacent or
// overlapping in the key dimension whose other side lines up at the same
// offset are coalesced. Ranges that overlap without lining up make the
// map ill-formed and are rejected.
func (m Map) Normalize(key SortKey, merge bool) (Map, error) {
	out := make(Map, 0, len(m))
	for _, r := range m {
		if r.Length > 0 {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if key.of(out[i]) != key.of(out[j]) {
			return key.of(out[i]) < key.of(out[j])
		}
		return key.other(out[i]) < key.other(out[j])
	})

	norm := out[:0]
	for _, r := range out {
		if len(norm) == 0 {
			norm = append(norm, r)
			continue
		}
		prev := &norm[len(norm)-1]
		prevEnd := uint64(key.of(*prev)) + uint64(prev.Length)
		cur := uint64(key.of(r))
		aligned := uint64(key.other(r))-uint64(key.other(*prev)) == cur-uint64(key.of(*prev))

		switch {
		case *prev == r:
			// duplicate entry
		case cur < prevEnd && !aligned:
			return nil, fmt.Errorf("id map has overlapping ranges")
		case cur <= prevEnd && aligned && merge:
			if end := cur + uint64(r.Length); end > prevEnd {
				prev.Length = uint32(end - uint64(key.of(*prev)))
			}
		case cur < prevEnd:
			return nil, fmt.Errorf("id map has overlapping ranges")
		default:
			norm = append(norm, r)
		}
	}
	if len(norm) > MaxUserMappings {
		return nil, fmt.Errorf("id map has more than %d ranges", MaxUserMappings)
	}
	return norm, nil
}

// Project intersects and relocates the map through view. Every range is
// clipped to the portions whose outer ids fall within a view range, and
// the surviving portions are rebased onto that view range's inner ids.
// Portions covered by no view range are dropped.
func (m Map) Project(view Map) Map {
	var out Map
	for _, r := range m {
		rLo := uint64(r.Outer)
		rHi := rLo + uint64(r.Length)
		for _, s := range view {
			sLo := uint64(s.Outer)
			sHi := sLo + uint64(s.Length)
			lo := rLo
			if sLo > lo {
				lo = sLo
			}
			hi := rHi
			if sHi < hi {
				hi = sHi
			}
			if lo >= hi {
				continue
			}
			out = append(out, Range{
				Inner:  r.Inner + uint32(lo-rLo),
				Outer:  s.Inner + uint32(lo-sLo),
				Length: uint32(hi - lo),
			})
		}
	}
	return out
}

// Generate produces the default map for a caller owning the given
// subordinate ranges: the caller's own id is pinned to inner id 0, and
// successive inner ids cover the subordinate allocations in order.
func Generate(subids Map, id ID) (Map, error) {
	out := Map{{Inner: 0, Outer: id.ID, Length: 1}}
	next := uint64(1)
	for _, r := range subids {
		if r.Length == 0 {
			continue
		}
		out = append(out, Range{Inner: uint32(next), Outer: r.Outer, Length: r.Length})
		next += uint64(r.Length)
		if next > math.MaxUint32 {
			return nil, fmt.Errorf("subordinate id ranges cover more ids than can be mapped")
		}
	}
	return out, nil
}

// Format emits the map as the text /proc/<pid>/[ug]id_map accepts:
// one "<inner> <outer> <length>" line per range.
func (m Map) Format() (string, error) {
	var b strings.Builder
	lines := 0
	for _, r := range m {
		if r.Length == 0 {
			continue
		}
		fmt.Fprintf(&b, "%d %d %d\n", r.Inner, r.Outer, r.Length)
		lines++
	}
	if lines > MaxUserMappings {
		return "", fmt.Errorf("id map has more than %d ranges", MaxUserMappings)
	}
	if b.Len() > mapTextMax {
		return "", fmt.Errorf("id map text exceeds %d bytes", mapTextMax)
	}
	return b.String(), nil
}

// Parse reads whitespace-separated "<inner> <outer> <length>" triplets,
// the inverse of Format.
func Parse(r io.Reader) (Map, error) {
	var m Map
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed id map line %q", line)
		}
		var vals [3]uint32
		for i, f := range fields {
			v, err := strconv.ParseUint(f, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("malformed id map line %q: %w", line, err)
			}
			vals[i] = uint32(v)
		}
		m = append(m, Range{Inner: vals[0], Outer: vals[1], Length: vals[2]})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// swapped exchanges the inner and outer side of every range.
func (m Map) swapped() Map {
	out := make(Map, len(m))
	for i, r := range m {
		out[i] = Range{Inner: r.Outer, Outer: r.Inner, Length: r.Length}
	}
	return out
}

// LoadProcMap reads a /proc/<pid>/[ug]id_map file. The file lists each
// range as "<id inside the namespace> <id in the parent namespace>
// <length>"; the result is oriented so that Outer carries the id as the
// process inside the namespace names it, ready to serve as a projection
// view that relocates those ids into the parent namespace.
func LoadProcMap(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return m.swapped(), nil
}
