package rating

import "math"

const (
	Bullet    = "bullet"
	Blitz     = "blitz"
	Rapid     = "rapid"
	Classical = "classical"
)

// Speeds lists every category in ascending order.
var Speeds = []string{Bullet, Blitz, Rapid, Classical}

// SpeedFromClock buckets a time control by its estimated duration in seconds.
func SpeedFromClock(initialMs, incrementMs int64) string {
	initialSec := math.Round(float64(initialMs) / 1000)
	incSec := math.Round(float64(incrementMs) / 1000)
	estimate := initialSec + 40*incSec
	switch {
	case estimate <= 179:
		return Bullet
	case estimate <= 479:
		return Blitz
	case estimate <= 1499:
		return Rapid
	default:
		return Classical
	}
}

// ScoreFor is the score of color given the match winner. No winner counts as a draw.
func ScoreFor(winner, color string) float64 {
	switch winner {
	case "", "draw":
		return 0.5
	case color:
		return 1
	default:
		return 0
	}
}
