package idmap

import (
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeSortsAndDropsEmpty(t *testing.T) {
	m := Map{
		{Inner: 10, Outer: 500, Length: 5},
		{Inner: 0, Outer: 100, Length: 0},
		{Inner: 0, Outer: 200, Length: 3},
	}
	got, err := m.Normalize(SortOuter, false)
	if err != nil {
		t.Fatal(err)
	}
	want := Map{
		{Inner: 0, Outer: 200, Length: 3},
		{Inner: 10, Outer: 500, Length: 5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNormalizeRejectsOverlap(t *testing.T) {
	m := Map{
		{Inner: 0, Outer: 100, Length: 10},
		{Inner: 50, Outer: 105, Length: 10},
	}
	if _, err := m.Normalize(SortOuter, false); err == nil {
		t.Fatal("expected overlapping ranges to be rejected")
	}
	if _, err := m.Normalize(SortOuter, true); err == nil {
		t.Fatal("expected misaligned overlapping ranges to be rejected even when merging")
	}
}

func TestNormalizeDedup(t *testing.T) {
	m := Map{
		{Inner: 0, Outer: 100, Length: 10},
		{Inner: 0, Outer: 100, Length: 10},
	}
	got, err := m.Normalize(SortOuter, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected duplicate range to be dropped, got %v", got)
	}
}

func TestNormalizeMergesAligned(t *testing.T) {
	m := Map{
		{Inner: 5, Outer: 105, Length: 5},
		{Inner: 0, Outer: 100, Length: 5},
	}
	got, err := m.Normalize(SortOuter, true)
	if err != nil {
		t.Fatal(err)
	}
	want := Map{{Inner: 0, Outer: 100, Length: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// Adjacent but misaligned ranges must stay separate.
	m = Map{
		{Inner: 0, Outer: 100, Length: 5},
		{Inner: 50, Outer: 105, Length: 5},
	}
	if got, err = m.Normalize(SortOuter, true); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected misaligned adjacent ranges to stay separate, got %v", got)
	}
}

func TestNormalizeInnerNoOverlap(t *testing.T) {
	m := Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 65536},
	}
	got, err := m.Normalize(SortInner, false)
	if err != nil {
		t.Fatal(err)
	}
	var end uint64
	for _, r := range got {
		if uint64(r.Inner) < end {
			t.Fatalf("inner ranges overlap after normalize: %v", got)
		}
		end = uint64(r.Inner) + uint64(r.Length)
	}
}

func TestCount(t *testing.T) {
	m := Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 65536},
	}
	if got := m.Count(); got != 65537 {
		t.Errorf("expected count 65537, got %d", got)
	}
	if got := (Map{{Length: 4294967295}}).Count(); got != CountOverflow {
		t.Errorf("expected overflow sentinel, got %d", got)
	}
}

func TestProjectClipsAndRelocates(t *testing.T) {
	m := Map{{Inner: 0, Outer: 100, Length: 20}}
	view := Map{{Inner: 5000, Outer: 105, Length: 10}}
	got := m.Project(view)
	want := Map{{Inner: 5, Outer: 5000, Length: 10}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestProjectSplitsAcrossViewRanges(t *testing.T) {
	m := Map{{Inner: 0, Outer: 100, Length: 10}}
	view := Map{
		{Inner: 1000, Outer: 100, Length: 4},
		{Inner: 2000, Outer: 106, Length: 4},
	}
	got := m.Project(view)
	want := Map{
		{Inner: 0, Outer: 1000, Length: 4},
		{Inner: 6, Outer: 2000, Length: 4},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestProjectDropsUncovered(t *testing.T) {
	m := Map{{Inner: 0, Outer: 0, Length: 11}}
	view := Map{{Inner: 100000, Outer: 100000, Length: 65536}}
	if got := m.Project(view); len(got) != 0 {
		t.Errorf("expected no surviving ranges, got %v", got)
	}
}

// compose builds the view equivalent to projecting through a and then
// through b.
func compose(a, b Map) Map {
	return a.swapped().Project(b).swapped()
}

func TestProjectComposition(t *testing.T) {
	m := Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 300},
	}
	a := Map{
		{Inner: 500000, Outer: 0, Length: 200000},
	}
	b := Map{
		{Inner: 0, Outer: 500000, Length: 1000000},
	}

	direct := m.Project(a).Project(b)
	composed := m.Project(compose(a, b))
	dn, err := direct.Normalize(SortInner, true)
	if err != nil {
		t.Fatal(err)
	}
	cn, err := composed.Normalize(SortInner, true)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dn, cn) {
		t.Errorf("projection does not compose: %v != %v", dn, cn)
	}
}

func TestGenerate(t *testing.T) {
	subids := Map{{Inner: 100000, Outer: 100000, Length: 65536}}
	got, err := Generate(subids, ID{ID: 1000, Name: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	want := Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 65536},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	m := Map{
		{Inner: 0, Outer: 1000, Length: 1},
		{Inner: 1, Outer: 100000, Length: 65536},
	}
	text, err := m.Format()
	if err != nil {
		t.Fatal(err)
	}
	if text != "0 1000 1\n1 100000 65536\n" {
		t.Errorf("unexpected format output %q", text)
	}
	parsed, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(parsed, m) {
		t.Errorf("round trip changed the map: %v != %v", parsed, m)
	}
}

func TestFormatTooManyRanges(t *testing.T) {
	var m Map
	for i := 0; i < MaxUserMappings+1; i++ {
		m = append(m, Range{Inner: uint32(i), Outer: uint32(i), Length: 1})
	}
	if _, err := m.Format(); err == nil {
		t.Fatal("expected an error for too many ranges")
	}
}

func TestParseMalformed(t *testing.T) {
	for _, text := range []string{
		"0 1000\n",
		"0 1000 1 5\n",
		"a b c\n",
	} {
		if _, err := Parse(strings.NewReader(text)); err == nil {
			t.Errorf("expected parse of %q to fail", text)
		}
	}
}
