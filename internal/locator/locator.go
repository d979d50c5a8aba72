// Package locator resolves logical controls ("the input area", "the generate
// button") to concrete page elements using ordered, locale tolerant label
// candidates.
package locator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

// ErrNotFound is returned when no visible element matches any candidate. It is
// an expected outcome, not a collaborator failure.
var ErrNotFound = errors.New("no element matched any candidate")

// Locator finds elements through an ElementQuerier.
type Locator struct {
	querier schemas.ElementQuerier
	logger  *zap.Logger
}

// New creates a Locator over the given querier.
func New(querier schemas.ElementQuerier, logger *zap.Logger) *Locator {
	return &Locator{querier: querier, logger: logger.Named("locator")}
}

// Locate returns the element best matching spec. Candidate priority wins over
// document order. ErrNotFound (wrapped with the spec) is returned when nothing
// matches; any other error comes from the querier.
func (l *Locator) Locate(ctx context.Context, spec schemas.LocatorSpec) (schemas.Element, error) {
	elements, err := l.querier.FindByRole(ctx, spec.Kind)
	if err != nil {
		return schemas.Element{}, fmt.Errorf("failed to query %s elements: %w", spec.Kind, err)
	}

	el, candidate, ok := Match(elements, spec.Candidates)
	if !ok {
		l.logger.Debug("No element matched.",
			zap.String("kind", string(spec.Kind)),
			zap.Strings("candidates", spec.Candidates),
			zap.Int("elements_seen", len(elements)))
		return schemas.Element{}, fmt.Errorf("%w: kind=%s candidates=%q", ErrNotFound, spec.Kind, spec.Candidates)
	}

	l.logger.Debug("Element located.",
		zap.String("kind", string(spec.Kind)),
		zap.String("candidate", candidate),
		zap.Int("index", el.Index),
		zap.String("text", el.Text))
	return el, nil
}

// Match applies the candidate priority rules to an element list. It returns
// the chosen element and the candidate that selected it. With no candidates
// the first visible element in document order is chosen.
func Match(elements []schemas.Element, candidates []string) (schemas.Element, string, bool) {
	visible := make([]schemas.Element, 0, len(elements))
	for _, el := range elements {
		if el.Visible {
			visible = append(visible, el)
		}
	}
	if len(visible) == 0 {
		return schemas.Element{}, "", false
	}
	sort.SliceStable(visible, func(i, j int) bool { return visible[i].Index < visible[j].Index })

	if len(candidates) == 0 {
		return visible[0], "", true
	}

	// Normalize each element once; candidates are scanned in caller order.
	haystacks := make([][]string, len(visible))
	for i, el := range visible {
		haystacks[i] = accessibleStrings(el)
	}

	for _, candidate := range candidates {
		needle := Normalize(candidate)
		if needle == "" {
			continue
		}
		for i, el := range visible {
			for _, hay := range haystacks[i] {
				if strings.Contains(hay, needle) {
					return el, candidate, true
				}
			}
		}
	}
	return schemas.Element{}, "", false
}

// Normalize folds case, unifies full and half width forms and collapses
// whitespace so labels compare across locales and input methods.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}

func accessibleStrings(el schemas.Element) []string {
	var out []string
	for _, s := range []string{el.Text, el.Label, el.Placeholder, el.Role} {
		if n := Normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}
