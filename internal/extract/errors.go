package extract

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// ErrorDetector looks for locale specific error markers in page text.
//
// Matching is a case-insensitive literal substring search. A marker embedded
// in unrelated text (a product called "ErrorLens") is reported too; callers
// read the returned context to judge such cases.
type ErrorDetector struct {
	markers  []string
	patterns []*regexp.Regexp
	radius   int
}

// NewErrorDetector compiles the markers once. radius is the number of runes
// of context kept on each side of a match.
func NewErrorDetector(markers []string, radius int) *ErrorDetector {
	d := &ErrorDetector{radius: radius}
	for _, m := range markers {
		if strings.TrimSpace(m) == "" {
			continue
		}
		d.markers = append(d.markers, m)
		d.patterns = append(d.patterns, regexp.MustCompile("(?i)"+regexp.QuoteMeta(m)))
	}
	return d
}

// Markers returns the active markers.
func (d *ErrorDetector) Markers() []string { return d.markers }

// Scan returns every marker occurrence in text ordered by position. Markers
// matching at the same offset with the same context are reported once. Scan has no state, so the same
// text always yields the same fragments.
func (d *ErrorDetector) Scan(text string) []schemas.Fragment {
	type hit struct {
		start, end, marker int
	}
	var hits []hit
	for i, re := range d.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			hits = append(hits, hit{start: loc[0], end: loc[1], marker: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].start != hits[j].start {
			return hits[i].start < hits[j].start
		}
		return hits[i].marker < hits[j].marker
	})

	fragments := make([]schemas.Fragment, 0, len(hits))
	type key struct {
		start   int
		context string
	}
	seen := make(map[key]bool, len(hits))
	for _, h := range hits {
		ctx := window(text, h.start, h.end, d.radius)
		k := key{start: h.start, context: ctx}
		if seen[k] {
			continue
		}
		seen[k] = true
		fragments = append(fragments, schemas.Fragment{
			Marker:  d.markers[h.marker],
			Offset:  utf8.RuneCountInString(text[:h.start]),
			Context: ctx,
		})
	}
	return fragments
}

// ScanText is the stateless form of ErrorDetector.Scan.
func ScanText(text string, markers []string, radius int) []schemas.Fragment {
	return NewErrorDetector(markers, radius).Scan(text)
}

// window returns text[start:end] widened by radius runes on both sides, with
// whitespace runs collapsed to single spaces.
func window(text string, start, end, radius int) string {
	s := start
	for i := 0; i < radius && s > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:s])
		s -= size
	}
	e := end
	for i := 0; i < radius && e < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[e:])
		e += size
	}
	return strings.Join(strings.Fields(text[s:e]), " ")
}
