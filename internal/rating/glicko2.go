// Package rating implements Glicko-2 for single games and the per-speed rating cache.
package rating

import "math"

const (
	scale = 173.7178
	tau   = 0.5
	eps   = 1e-6
	minRD = 30

	ProvisionalGames = 10
)

// State is a player's Glicko-2 state on the public scale.
type State struct {
	Rating float64
	RD     float64
	Vol    float64
}

// Initial is the state of a player with no rated games.
func Initial() State { return State{Rating: 1500, RD: 1000, Vol: 0.06} }

func g(phi float64) float64 { return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi)) }

func expected(mu, muJ, phiJ float64) float64 { return 1 / (1 + math.Exp(-g(phiJ)*(mu-muJ))) }

// solveSigma finds the new volatility with the Illinois variant of regula falsi.
func solveSigma(phi, sigma, delta, v float64) float64 {
	a := math.Log(sigma * sigma)
	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (delta*delta - phi*phi - v - ex)
		den := 2 * math.Pow(phi*phi+v+ex, 2)
		return num/den - (x-a)/(tau*tau)
	}

	A := a
	var B float64
	if delta*delta > phi*phi+v {
		B = math.Log(delta*delta - phi*phi - v)
	} else {
		k := 1.0
		for f(a-k*tau) < 0 {
			k++
		}
		B = a - k*tau
	}

	fA, fB := f(A), f(B)
	for math.Abs(B-A) > eps {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if fC*fB < 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2)
}

// update rates p against a single opponent o with score s.
func update(p, o State, s float64) State {
	mu, phi := (p.Rating-1500)/scale, p.RD/scale
	muJ, phiJ := (o.Rating-1500)/scale, o.RD/scale

	gJ := g(phiJ)
	e := expected(mu, muJ, phiJ)
	v := 1 / (gJ * gJ * e * (1 - e))
	delta := v * gJ * (s - e)

	sigma := solveSigma(phi, p.Vol, delta, v)
	phiStar := math.Sqrt(phi*phi + sigma*sigma)
	phiNew := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muNew := mu + phiNew*phiNew*gJ*(s-e)

	return State{
		Rating: muNew*scale + 1500,
		RD:     math.Max(minRD, phiNew*scale),
		Vol:    sigma,
	}
}

// Update1v1 rates one game between a and b. Both sides are computed from the pre-game states.
func Update1v1(a, b State, scoreA float64) (State, State) {
	return update(a, b, scoreA), update(b, a, 1-scoreA)
}
