// Package comp defines the normalized competition records the rating engine
// consumes: events, matches, and the pool identity they are routed into.
// Records are immutable once ingested.
package comp

import (
	"time"
)

// AgeClass partitions competitors by age bracket.
type AgeClass int32

const (
	AgeClassUnknown AgeClass = iota
	AgeClassYouth
	AgeClassAdult
	AgeClassMasters
)

func (a AgeClass) String() string {
	switch a {
	case AgeClassYouth:
		return "youth"
	case AgeClassAdult:
		return "adult"
	case AgeClassMasters:
		return "masters"
	default:
		return "unknown"
	}
}

// ParseAgeClass maps the wire string to an AgeClass.
func ParseAgeClass(s string) (AgeClass, bool) {
	switch s {
	case "youth":
		return AgeClassYouth, true
	case "adult":
		return AgeClassAdult, true
	case "masters":
		return AgeClassMasters, true
	default:
		return AgeClassUnknown, false
	}
}

// GiStatus distinguishes gi from no-gi competition.
type GiStatus int32

const (
	GiStatusUnknown GiStatus = iota
	GiStatusGi
	GiStatusNoGi
)

func (g GiStatus) String() string {
	switch g {
	case GiStatusGi:
		return "gi"
	case GiStatusNoGi:
		return "no-gi"
	default:
		return "unknown"
	}
}

// ParseGiStatus maps the wire string to a GiStatus.
func ParseGiStatus(s string) (GiStatus, bool) {
	switch s {
	case "gi":
		return GiStatusGi, true
	case "no-gi", "nogi":
		return GiStatusNoGi, true
	default:
		return GiStatusUnknown, false
	}
}

// SkillLevel is the declared bracket used to seed a first-time competitor.
type SkillLevel int32

const (
	SkillUnknown SkillLevel = iota
	SkillBeginner
	SkillIntermediate
	SkillAdvanced
	SkillPro
	SkillTrials
	SkillWorldChampionship
)

func (s SkillLevel) String() string {
	switch s {
	case SkillBeginner:
		return "beginner"
	case SkillIntermediate:
		return "intermediate"
	case SkillAdvanced:
		return "advanced"
	case SkillPro:
		return "pro"
	case SkillTrials:
		return "trials"
	case SkillWorldChampionship:
		return "world_championship"
	default:
		return "unknown"
	}
}

// ParseSkillLevel maps the wire string to a SkillLevel.
func ParseSkillLevel(s string) (SkillLevel, bool) {
	switch s {
	case "beginner":
		return SkillBeginner, true
	case "intermediate":
		return SkillIntermediate, true
	case "advanced":
		return SkillAdvanced, true
	case "pro":
		return SkillPro, true
	case "trials":
		return SkillTrials, true
	case "world_championship":
		return SkillWorldChampionship, true
	default:
		return SkillUnknown, false
	}
}

// WinType classifies how a match was decided. It selects the outcome weight
// applied by the rating engine.
type WinType int32

const (
	WinTypeUnknown WinType = iota
	WinTypeSubmission
	WinTypePoints
	WinTypeDecision
	WinTypeDisqualification
	WinTypeInjury
	WinTypeNoContest
)

func (w WinType) String() string {
	switch w {
	case WinTypeSubmission:
		return "submission"
	case WinTypePoints:
		return "points"
	case WinTypeDecision:
		return "decision"
	case WinTypeDisqualification:
		return "disqualification"
	case WinTypeInjury:
		return "injury"
	case WinTypeNoContest:
		return "no_contest"
	default:
		return "unknown"
	}
}

// ParseWinType maps the wire string to a WinType.
func ParseWinType(s string) (WinType, bool) {
	switch s {
	case "submission":
		return WinTypeSubmission, true
	case "points":
		return WinTypePoints, true
	case "decision":
		return WinTypeDecision, true
	case "disqualification":
		return WinTypeDisqualification, true
	case "injury":
		return WinTypeInjury, true
	case "no_contest":
		return WinTypeNoContest, true
	default:
		return WinTypeUnknown, false
	}
}

// Event is a tournament. Assignment to a rating period is by StartDate only,
// so a multi-day event belongs wholly to the period containing its first day.
type Event struct {
	ID        string
	Name      string
	StartDate time.Time
	MultiDay  bool
}

// Match is the atomic unit of rating computation. Winner and loser are
// competitor IDs; AgeClass and Gi carry the pool routing attributes.
type Match struct {
	ID          string
	EventID     string
	AgeClass    AgeClass
	Gi          GiStatus
	WinnerID    string
	LoserID     string
	WinType     WinType
	WinnerSkill SkillLevel
	LoserSkill  SkillLevel
}
