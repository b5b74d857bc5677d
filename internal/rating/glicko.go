// Package rating implements the Glicko-2 skill evaluation used for all
// pools, with per-win-type outcome weighting.
//
// Variables follow the conventions of Glickman's paper
// (https://www.glicko.net/glicko/glicko2.pdf):
//   - mu/phi: rating and deviation on the internal Glicko-2 scale
//   - sigma: volatility
//   - tau: volatility change constraint
//   - g, E: deviation damping and expected score
//   - v, delta: estimated variance and improvement
package rating

import "math"

// scale converts between the public 1500-centred rating scale and the
// internal mu/phi scale.
const scale = 173.7178

func toMu(rating float64) float64  { return (rating - 1500) / scale }
func toPhi(rd float64) float64     { return rd / scale }
func fromMu(mu float64) float64    { return scale*mu + 1500 }
func fromPhi(phi float64) float64  { return phi * scale }
func pow2(x float64) float64       { return x * x }

func gFn(phi float64) float64 {
	return 1 / math.Sqrt(1+3*pow2(phi)/pow2(math.Pi))
}

func eFn(mu, oppMu, oppPhi float64) float64 {
	return 1 / (1 + math.Exp(-gFn(oppPhi)*(mu-oppMu)))
}

// volatilityF is the function whose root is the log of the new volatility
// squared.
func volatilityF(x, delta, phi, v, a, tau float64) float64 {
	ex := math.Exp(x)
	left := ex * (pow2(delta) - pow2(phi) - v - ex) / (2 * pow2(pow2(phi)+v+ex))
	right := (x - a) / pow2(tau)
	return left - right
}

// solveVolatility runs the bounded Illinois iteration from the paper and
// returns the new volatility. The second return is false when the search
// failed to bracket or converge within maxIter steps; callers fall back to
// the prior volatility in that case so a pathological match set cannot blow
// up the whole period.
func solveVolatility(sigma, delta, phi, v, tau, tol float64, maxIter int) (float64, bool) {
	a := math.Log(pow2(sigma))

	A := a
	var B float64
	if pow2(delta) > pow2(phi)+v {
		B = math.Log(pow2(delta) - pow2(phi) - v)
	} else {
		k := 1
		for ; k <= maxIter; k++ {
			if volatilityF(a-float64(k)*tau, delta, phi, v, a, tau) >= 0 {
				break
			}
		}
		if k > maxIter {
			return sigma, false
		}
		B = a - float64(k)*tau
	}

	fA := volatilityF(A, delta, phi, v, a, tau)
	fB := volatilityF(B, delta, phi, v, a, tau)
	if math.IsNaN(fA) || math.IsNaN(fB) || math.IsInf(fA, 0) || math.IsInf(fB, 0) {
		return sigma, false
	}

	for i := 0; i < maxIter; i++ {
		if math.Abs(B-A) <= tol {
			return math.Exp(A / 2), true
		}
		if fB == fA {
			return sigma, false
		}
		C := A + (A-B)*fA/(fB-fA)
		fC := volatilityF(C, delta, phi, v, a, tau)
		if math.IsNaN(fC) || math.IsInf(fC, 0) {
			return sigma, false
		}
		if fC*fB <= 0 {
			A = B
			fA = fB
		} else {
			fA /= 2
		}
		B = C
		fB = fC
	}

	return sigma, false
}
