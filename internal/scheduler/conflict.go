// Package scheduler detects time conflicts between materialized sessions.
package scheduler

import (
	"sort"
	"time"
)

// Slot is a booked interval on a patient's calendar.
type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewSlot returns a slot starting at start that lasts duration.
func NewSlot(id string, start time.Time, duration time.Duration) Slot {
	return Slot{ID: id, Start: start, End: start.Add(duration)}
}

// Overlaps reports whether the half-open intervals [Start, End) intersect.
func (s Slot) Overlaps(other Slot) bool {
	return s.Start.Before(other.End) && other.Start.Before(s.End)
}

// ConflictType describes the type of conflict detected between slots.
type ConflictType string

const (
	// ConflictTypeManual indicates a recurring occurrence overlaps a manually booked session.
	ConflictTypeManual ConflictType = "manual"
)

// Conflict details an overlapping pair that callers can present to users.
type Conflict struct {
	Candidate Slot         `json:"candidate"`
	With      Slot         `json:"with"`
	Type      ConflictType `json:"type"`
}

// DetectConflicts identifies every candidate that overlaps an existing slot.
// Both inputs may be unsorted. Results are ordered by candidate start, then
// by the start of the existing slot.
func DetectConflicts(existing []Slot, candidates []Slot, kind ConflictType) []Conflict {
	if len(existing) == 0 || len(candidates) == 0 {
		return nil
	}

	booked := sortedSlots(existing)
	wanted := sortedSlots(candidates)

	// reach[i] is the latest end among booked[:i+1]; once it is at or before a
	// candidate's start that whole prefix is behind every later candidate.
	reach := make([]time.Time, len(booked))
	for i, slot := range booked {
		reach[i] = slot.End
		if i > 0 && reach[i-1].After(slot.End) {
			reach[i] = reach[i-1]
		}
	}

	var conflicts []Conflict
	first := 0
	for _, candidate := range wanted {
		for first < len(booked) && !reach[first].After(candidate.Start) {
			first++
		}
		for i := first; i < len(booked); i++ {
			slot := booked[i]
			if !slot.Start.Before(candidate.End) {
				break
			}
			if candidate.Overlaps(slot) {
				conflicts = append(conflicts, Conflict{Candidate: candidate, With: slot, Type: kind})
			}
		}
	}
	return conflicts
}

func sortedSlots(slots []Slot) []Slot {
	sorted := append([]Slot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})
	return sorted
}
