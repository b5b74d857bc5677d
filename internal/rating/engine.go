package rating

import (
	"errors"
	"fmt"
	"math"

	"matrank/internal/comp"
)

// ErrNumericDivergence reports that the volatility search for one
// competitor did not converge within the configured bounds. The competitor
// keeps their prior volatility; the period finalization continues.
var ErrNumericDivergence = errors.New("volatility search did not converge")

// ErrUnknownWinType reports a match whose win type has no configured
// outcome weight. The match is rejected without touching rating state.
type ErrUnknownWinType struct {
	WinType comp.WinType
}

func (e *ErrUnknownWinType) Error() string {
	return fmt.Sprintf("no outcome weight for win type %q", e.WinType)
}

// Record is one competitor's rating state in one pool. Matches counts the
// games applied in the current (open) period.
type Record struct {
	Rating     float64 `json:"rating"`
	RD         float64 `json:"rd"`
	Volatility float64 `json:"volatility"`
	Matches    int     `json:"matches"`
}

// Game is one match from a single competitor's perspective, against the
// opponent's pre-period rating. Weight scales the game's contribution to
// the period statistic; weight 0 means the game is excluded entirely.
type Game struct {
	OppRating float64
	OppRD     float64
	Score     float64
	Weight    float64
}

// Params are the immutable tuning constants of the rating system. They are
// constructed once (from configuration) and passed into NewEngine; nothing
// in this package reads process-wide state.
type Params struct {
	Tau               float64
	DefaultRD         float64
	DefaultVolatility float64
	ConvergenceTol    float64
	MaxIterations     int

	// SeedRatings keys a first-time competitor's starting rating by their
	// declared skill level.
	SeedRatings map[comp.SkillLevel]float64

	// OutcomeWeights scales per-game influence by win type. A weight of 0
	// excludes the match from both players' statistics and match counts.
	OutcomeWeights map[comp.WinType]float64
}

// DefaultParams returns the standard system constants: tau 0.5, RD 350,
// volatility 0.06, and the production seed and weight tables.
func DefaultParams() Params {
	return Params{
		Tau:               0.5,
		DefaultRD:         350,
		DefaultVolatility: 0.06,
		ConvergenceTol:    0.000001,
		MaxIterations:     100,
		SeedRatings: map[comp.SkillLevel]float64{
			comp.SkillBeginner:          800,
			comp.SkillIntermediate:      900,
			comp.SkillAdvanced:          1000,
			comp.SkillPro:               1000,
			comp.SkillTrials:            1000,
			comp.SkillWorldChampionship: 1500,
		},
		OutcomeWeights: map[comp.WinType]float64{
			comp.WinTypeSubmission:       1.5,
			comp.WinTypePoints:           1.0,
			comp.WinTypeDecision:         0.75,
			comp.WinTypeDisqualification: 0.5,
			comp.WinTypeInjury:           0.5,
			comp.WinTypeNoContest:        0.0,
		},
	}
}

// Engine performs all Glicko-2 computation. It is stateless apart from its
// parameters and safe for concurrent use.
type Engine struct {
	params Params
}

func NewEngine(params Params) *Engine {
	return &Engine{params: params}
}

// Params returns the engine's immutable constants.
func (e *Engine) Params() Params { return e.params }

// Seed builds the first-ever record for a competitor declared at the given
// skill level. Unknown levels seed like advanced.
func (e *Engine) Seed(skill comp.SkillLevel) Record {
	r, ok := e.params.SeedRatings[skill]
	if !ok {
		r = e.params.SeedRatings[comp.SkillAdvanced]
	}
	return Record{
		Rating:     r,
		RD:         e.params.DefaultRD,
		Volatility: e.params.DefaultVolatility,
	}
}

// Weight looks up the outcome weight for a win type.
func (e *Engine) Weight(wt comp.WinType) (float64, error) {
	w, ok := e.params.OutcomeWeights[wt]
	if !ok {
		return 0, &ErrUnknownWinType{WinType: wt}
	}
	return w, nil
}

// ApplyProvisional performs the single-match best-effort step: only the
// expected-score term moves the rating; RD and volatility are held fixed
// until finalization. A zero-weight game is a no-op, including the match
// count.
func (e *Engine) ApplyProvisional(rec Record, g Game) Record {
	if g.Weight == 0 {
		return rec
	}

	mu := toMu(rec.Rating)
	phi := toPhi(rec.RD)
	oppMu := toMu(g.OppRating)
	oppPhi := toPhi(g.OppRD)

	expected := eFn(mu, oppMu, oppPhi)
	mu += pow2(phi) * g.Weight * gFn(oppPhi) * (g.Score - expected)

	rec.Rating = fromMu(mu)
	rec.Matches++
	return rec
}

// FinalizePeriod computes the authoritative period update for one
// competitor from their full set of period games against opponents'
// pre-period ratings. Zero-weight games are dropped before the sums; a
// competitor left with no effective games receives only the time-decay RD
// increase.
//
// The returned record is always usable. A non-nil error is always
// ErrNumericDivergence: the volatility search hit its bounds and the prior
// volatility was kept.
func (e *Engine) FinalizePeriod(rec Record, games []Game) (Record, error) {
	effective := games[:0:0]
	for _, g := range games {
		if g.Weight != 0 {
			effective = append(effective, g)
		}
	}
	if len(effective) == 0 {
		return e.Decay(rec), nil
	}

	mu := toMu(rec.Rating)
	phi := toPhi(rec.RD)
	sigma := rec.Volatility

	// Weighted sufficient statistic: each game's (s-E) and E(1-E) terms are
	// scaled by its outcome weight before summation.
	var sumGSE, sumG2E float64
	for _, g := range effective {
		oppMu := toMu(g.OppRating)
		oppPhi := toPhi(g.OppRD)
		gv := gFn(oppPhi)
		expected := eFn(mu, oppMu, oppPhi)
		sumGSE += g.Weight * gv * (g.Score - expected)
		sumG2E += g.Weight * pow2(gv) * expected * (1 - expected)
	}

	v := 1 / sumG2E
	delta := v * sumGSE

	newSigma, converged := solveVolatility(
		sigma, delta, phi, v,
		e.params.Tau, e.params.ConvergenceTol, e.params.MaxIterations,
	)
	var err error
	if !converged {
		newSigma = sigma
		err = ErrNumericDivergence
	}

	phiStar := math.Sqrt(pow2(phi) + pow2(newSigma))
	newPhi := 1 / math.Sqrt(1/pow2(phiStar)+1/v)
	newMu := mu + pow2(newPhi)*sumGSE

	return Record{
		Rating:     fromMu(newMu),
		RD:         fromPhi(newPhi),
		Volatility: newSigma,
		Matches:    len(effective),
	}, err
}

// Decay applies the no-games period step: RD grows by the volatility term,
// rating and volatility are unchanged.
func (e *Engine) Decay(rec Record) Record {
	phi := toPhi(rec.RD)
	rec.RD = fromPhi(math.Sqrt(pow2(phi) + pow2(rec.Volatility)))
	rec.Matches = 0
	return rec
}

// Expected returns the expected score of a against b, used by reporting.
func (e *Engine) Expected(a, b Record) float64 {
	return eFn(toMu(a.Rating), toMu(b.Rating), toPhi(b.RD))
}
