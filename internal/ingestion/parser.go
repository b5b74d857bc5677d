// Package ingestion is the shell between the normalized competition feed
// and the core: it subscribes to NATS JetStream, parses and validates wire
// payloads, and drives the tracker's ingest and rollback entry points.
package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"matrank/internal/comp"
)

// Wire formats from the normalization collaborator. Field names are
// snake_case; dates are RFC 3339.

type eventJSON struct {
	EventID   string `json:"event_id"`
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	MultiDay  bool   `json:"multi_day"`
}

type matchJSON struct {
	MatchID     string `json:"match_id"`
	EventID     string `json:"event_id"`
	AgeClass    string `json:"age_class"`
	Gi          string `json:"gi"`
	WinnerID    string `json:"winner_id"`
	LoserID     string `json:"loser_id"`
	WinType     string `json:"win_type"`
	WinnerSkill string `json:"winner_skill"`
	LoserSkill  string `json:"loser_skill"`
}

// ParseEvent validates and converts an event payload.
func ParseEvent(data []byte) (comp.Event, error) {
	var j eventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return comp.Event{}, fmt.Errorf("parse event: %w", err)
	}
	if j.EventID == "" {
		return comp.Event{}, fmt.Errorf("parse event: missing event_id")
	}
	start, err := time.Parse(time.RFC3339, j.StartDate)
	if err != nil {
		return comp.Event{}, fmt.Errorf("parse event %s: start_date: %w", j.EventID, err)
	}
	return comp.Event{
		ID:        j.EventID,
		Name:      j.Name,
		StartDate: start.UTC(),
		MultiDay:  j.MultiDay,
	}, nil
}

// ParseMatch validates and converts a match payload. Unknown enum tokens
// are input errors here, not routing errors downstream; the feed contract
// is closed vocabularies.
func ParseMatch(data []byte) (comp.Match, error) {
	var j matchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return comp.Match{}, fmt.Errorf("parse match: %w", err)
	}
	if j.MatchID == "" {
		return comp.Match{}, fmt.Errorf("parse match: missing match_id")
	}
	if j.EventID == "" {
		return comp.Match{}, fmt.Errorf("parse match %s: missing event_id", j.MatchID)
	}
	if j.WinnerID == "" || j.LoserID == "" {
		return comp.Match{}, fmt.Errorf("parse match %s: missing competitor id", j.MatchID)
	}
	if j.WinnerID == j.LoserID {
		return comp.Match{}, fmt.Errorf("parse match %s: winner equals loser", j.MatchID)
	}

	age, ok := comp.ParseAgeClass(j.AgeClass)
	if !ok {
		return comp.Match{}, fmt.Errorf("parse match %s: unknown age_class %q", j.MatchID, j.AgeClass)
	}
	gi, ok := comp.ParseGiStatus(j.Gi)
	if !ok {
		return comp.Match{}, fmt.Errorf("parse match %s: unknown gi %q", j.MatchID, j.Gi)
	}
	wt, ok := comp.ParseWinType(j.WinType)
	if !ok {
		return comp.Match{}, fmt.Errorf("parse match %s: unknown win_type %q", j.MatchID, j.WinType)
	}

	// Skill levels are advisory (they only seed first-time competitors);
	// an unknown token degrades to the default seed instead of rejecting
	// the match.
	winnerSkill, _ := comp.ParseSkillLevel(j.WinnerSkill)
	loserSkill, _ := comp.ParseSkillLevel(j.LoserSkill)

	return comp.Match{
		ID:          j.MatchID,
		EventID:     j.EventID,
		AgeClass:    age,
		Gi:          gi,
		WinnerID:    j.WinnerID,
		LoserID:     j.LoserID,
		WinType:     wt,
		WinnerSkill: winnerSkill,
		LoserSkill:  loserSkill,
	}, nil
}
