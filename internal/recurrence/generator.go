package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MinIterationCeiling bounds the number of candidates examined in one
// generation run regardless of the horizon.
const MinIterationCeiling = 1000

// DefaultLocation is the fixed local zone occurrences are expressed in when
// no other zone is configured.
var DefaultLocation = time.FixedZone("BRT", defaultOffsetSeconds)

const defaultOffsetSeconds = -3 * 60 * 60

// Occurrence is a computed instant of a pattern. Occurrences are never
// persisted directly; the reconciliation engine turns them into sessions.
type Occurrence struct {
	Start time.Time `json:"start"`
}

// Result is the outcome of one generation run.
type Result struct {
	Occurrences []Occurrence `json:"occurrences"`
	// Truncated is set when the iteration ceiling ended generation before the
	// window end was reached.
	Truncated bool `json:"truncated"`
}

// Generator expands patterns into occurrences inside a rolling horizon.
type Generator struct {
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// NewGenerator constructs a Generator. A nil loc falls back to
// DefaultLocation and a nil now falls back to time.Now.
func NewGenerator(loc *time.Location, now func() time.Time, logger zerolog.Logger) *Generator {
	if loc == nil {
		loc = DefaultLocation
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{
		location: loc,
		now:      now,
		logger:   logger.With().Str("component", "occurrence_generator").Logger(),
	}
}

// Location returns the zone occurrences are expressed in.
func (g *Generator) Location() *time.Location {
	return g.location
}

// IterationCeiling returns the maximum number of candidates examined for a
// horizon of the given number of months.
func IterationCeiling(horizonMonths int) int {
	if ceiling := horizonMonths * 31; ceiling > MinIterationCeiling {
		return ceiling
	}
	return MinIterationCeiling
}

// Generate expands p from the generator's current time to horizonMonths ahead.
func (g *Generator) Generate(p Pattern, horizonMonths int) (Result, error) {
	return g.GenerateAt(p, g.now(), horizonMonths)
}

// GenerateAt expands p from now to now+horizonMonths inclusive.
func (g *Generator) GenerateAt(p Pattern, now time.Time, horizonMonths int) (Result, error) {
	if horizonMonths < 1 {
		return Result{}, invalid("horizon_months", "must be at least 1")
	}
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	now = now.In(g.location)
	return g.walk(p, now, HorizonEnd(now, horizonMonths), IterationCeiling(horizonMonths)), nil
}

// HorizonEnd returns now moved months ahead at the same wall-clock time. A day
// past the end of the target month clamps to its last day, so Nov 30 + 3
// months is Feb 28 (or 29), never a day in March.
func HorizonEnd(now time.Time, months int) time.Time {
	year, month, day := now.Date()
	target := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, now.Location())
	day = min(day, daysIn(target.Year(), target.Month()))
	hour, minute, sec := now.Clock()
	return time.Date(target.Year(), target.Month(), day, hour, minute, sec, now.Nanosecond(), now.Location())
}

// GenerateBetween expands p inside the inclusive window [from, to].
func (g *Generator) GenerateBetween(p Pattern, from, to time.Time) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if to.Before(from) {
		return Result{}, ErrInvalidWindow
	}
	from = from.In(g.location)
	to = to.In(g.location)
	months := monthsBetween(DateOf(from), DateOf(to)) + 1
	return g.walk(p, from, to, IterationCeiling(months)), nil
}

func (g *Generator) walk(p Pattern, from, to time.Time, ceiling int) Result {
	result := Result{Occurrences: make([]Occurrence, 0)}
	candidate := g.firstCandidate(p, from)

	for steps := 0; !candidate.After(to); steps++ {
		if steps >= ceiling {
			result.Truncated = true
			g.logger.Warn().
				Int("ceiling", ceiling).
				Str("pattern", describe(p)).
				Time("reached", candidate).
				Msg("iteration ceiling reached; occurrence generation truncated")
			break
		}
		if Matches(p, candidate) {
			if n := len(result.Occurrences); n > 0 && !candidate.After(result.Occurrences[n-1].Start) {
				g.logger.Error().Time("candidate", candidate).Msg("non-increasing occurrence discarded")
			} else {
				result.Occurrences = append(result.Occurrences, Occurrence{Start: candidate})
			}
		}
		next := Advance(p, candidate)
		if !next.After(candidate) {
			g.logger.Error().Time("candidate", candidate).Msg("advance did not move forward; stopping")
			break
		}
		candidate = next
	}
	return result
}

// firstCandidate is the later of the pattern start and from, snapped to the
// start time on that day and rolled one day forward when already past.
func (g *Generator) firstCandidate(p Pattern, from time.Time) time.Time {
	start := p.StartDate.At(p.StartTime, g.location)
	base := from
	if start.After(base) {
		base = start
	}
	snapped := DateOf(base).At(p.StartTime, g.location)
	if snapped.Before(base) {
		snapped = snapped.AddDate(0, 0, 1)
	}
	return snapped
}

func describe(p Pattern) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d from %s %s", p.Frequency, p.interval(), p.StartDate, p.StartTime)
	if len(p.DaysOfWeek) > 0 {
		names := make([]string, 0, len(p.DaysOfWeek))
		for _, day := range p.DaysOfWeek {
			names = append(names, day.String()[:3])
		}
		fmt.Fprintf(&b, " on %s", strings.Join(names, ","))
	}
	return b.String()
}

// ParseZone builds a fixed zone from a "+HH:MM" or "-HH:MM" offset.
func ParseZone(offset string) (*time.Location, error) {
	t, err := time.Parse("-07:00", strings.TrimSpace(offset))
	if err != nil {
		return nil, fmt.Errorf("recurrence: invalid zone offset %q: %w", offset, err)
	}
	_, seconds := t.Zone()
	if seconds == defaultOffsetSeconds {
		return DefaultLocation, nil
	}
	return time.FixedZone("UTC"+strings.TrimSpace(offset), seconds), nil
}
