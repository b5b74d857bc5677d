package comp

import (
	"fmt"
)

// PoolID identifies an independent rating universe. Ratings never cross
// pools; a competitor holds one rating record per pool they appear in.
type PoolID string

// ErrUnroutable reports a match whose routing attributes are missing or
// unrecognized. The match is rejected without touching any pool state.
type ErrUnroutable struct {
	MatchID string
	Reason  string
}

func (e *ErrUnroutable) Error() string {
	return fmt.Sprintf("match %s is unroutable: %s", e.MatchID, e.Reason)
}

// NewPoolID builds the pool identity for a known (age class, gi) pair.
func NewPoolID(age AgeClass, gi GiStatus) PoolID {
	return PoolID(age.String() + ":" + gi.String())
}

// AllPools enumerates every valid pool identity. The partition space is
// closed: three age classes by two gi statuses.
func AllPools() []PoolID {
	ages := []AgeClass{AgeClassYouth, AgeClassAdult, AgeClassMasters}
	gis := []GiStatus{GiStatusGi, GiStatusNoGi}

	out := make([]PoolID, 0, len(ages)*len(gis))
	for _, a := range ages {
		for _, g := range gis {
			out = append(out, NewPoolID(a, g))
		}
	}
	return out
}

// Route assigns a match to its rating pool. Pure function of the match's
// age class and gi flag; holds no state.
func Route(m Match) (PoolID, error) {
	if m.AgeClass == AgeClassUnknown {
		return "", &ErrUnroutable{MatchID: m.ID, Reason: "missing or unknown age class"}
	}
	if m.Gi == GiStatusUnknown {
		return "", &ErrUnroutable{MatchID: m.ID, Reason: "missing or unknown gi status"}
	}
	return NewPoolID(m.AgeClass, m.Gi), nil
}
