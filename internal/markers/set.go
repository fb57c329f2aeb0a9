package markers

import (
	"fmt"
	"slices"
	"time"
)

// Find returns the marker of the given kind
func Find(ms []Marker, kind Kind) (Marker, bool) {
	for _, m := range ms {
		if m.Kind == kind {
			return m, true
		}
	}
	return Marker{}, false
}

// Filter returns the markers whose kind is in kinds
func Filter(ms []Marker, kinds ...Kind) []Marker {
	var out []Marker
	for _, m := range ms {
		if slices.Contains(kinds, m.Kind) {
			out = append(out, m)
		}
	}
	return out
}

// IntroRange returns the intro start and end when both markers are present and ordered.
func IntroRange(ms []Marker) (start, end time.Duration, ok bool) {
	s, hasStart := Find(ms, KindIntroStart)
	e, hasEnd := Find(ms, KindIntroEnd)
	if !hasStart || !hasEnd || s.Position >= e.Position {
		return 0, 0, false
	}
	return s.Position, e.Position, true
}

// CreditsStart returns the credits start marker position when present.
func CreditsStart(ms []Marker) (time.Duration, bool) {
	m, ok := Find(ms, KindCreditsStart)
	return m.Position, ok
}

// Replace returns a copy of existing with every marker of kinds removed and
// replacement appended, sorted by kind.
func Replace(existing []Marker, kinds []Kind, replacement ...Marker) []Marker {
	out := make([]Marker, 0, len(existing)+len(replacement))
	for _, m := range existing {
		if !slices.Contains(kinds, m.Kind) {
			out = append(out, m)
		}
	}
	out = append(out, replacement...)
	Sort(out)
	return out
}

// Sort orders markers by kind
func Sort(ms []Marker) {
	slices.SortStableFunc(ms, func(a, b Marker) int {
		return a.Kind.order() - b.Kind.order()
	})
}

// Overwritable reports whether the markers of kinds in existing may be replaced
// automatically. A kind with no markers is always writable; otherwise every marker of
// those kinds must be system-origin, unless resetAndOverwrite treats all as writable.
func Overwritable(existing []Marker, kinds []Kind, resetAndOverwrite bool) bool {
	if resetAndOverwrite {
		return true
	}
	for _, m := range Filter(existing, kinds...) {
		if m.Origin != OriginSystem {
			return false
		}
	}
	return true
}

// Missing reports whether existing lacks any marker of kinds
func Missing(existing []Marker, kinds ...Kind) bool {
	for _, k := range kinds {
		if _, ok := Find(existing, k); !ok {
			return true
		}
	}
	return false
}

// Equal reports whether two marker sets hold the same markers regardless of order.
func Equal(a, b []Marker) bool {
	if len(a) != len(b) {
		return false
	}
	for _, m := range a {
		other, ok := Find(b, m.Kind)
		if !ok || other != m {
			return false
		}
	}
	return true
}

// Validate enforces one marker per kind, known kinds, non-negative positions and
// IntroStart < IntroEnd when both are present.
func Validate(ms []Marker) error {
	seen := make(map[Kind]bool, len(ms))
	for _, m := range ms {
		if !m.Kind.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidMarkers, m.Kind)
		}
		if seen[m.Kind] {
			return fmt.Errorf("%w: duplicate %s", ErrInvalidMarkers, m.Kind)
		}
		if m.Position < 0 {
			return fmt.Errorf("%w: negative %s position", ErrInvalidMarkers, m.Kind)
		}
		seen[m.Kind] = true
	}
	s, hasStart := Find(ms, KindIntroStart)
	e, hasEnd := Find(ms, KindIntroEnd)
	if hasStart && hasEnd && s.Position >= e.Position {
		return fmt.Errorf("%w: intro start %s not before intro end %s", ErrInvalidMarkers, s.Position, e.Position)
	}
	return nil
}

// Intro builds a system-origin intro marker pair
func Intro(start, end time.Duration) []Marker {
	return []Marker{
		{Kind: KindIntroStart, Position: start, Origin: OriginSystem},
		{Kind: KindIntroEnd, Position: end, Origin: OriginSystem},
	}
}

// Credits builds a system-origin credits marker
func Credits(start time.Duration) Marker {
	return Marker{Kind: KindCreditsStart, Position: start, Origin: OriginSystem}
}
