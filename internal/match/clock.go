package match

// Clock accounting. Only the side to move is charged, and only while ACTIVE.

// chargeElapsed deducts now-lastTickAt from the side to move and advances lastTickAt.
// Returns the color charged.
func chargeElapsed(r *Record, now int64) Color {
	turn := r.Turn()
	if r.State != StateActive {
		return turn
	}
	elapsed := now - r.LastTickAt
	if elapsed < 0 {
		elapsed = 0
	}
	r.Side(turn).TimeMs -= elapsed
	r.LastTickAt = now
	return turn
}

func applyIncrement(r *Record, c Color) {
	r.Side(c).TimeMs += r.IncrementMs
}

// flagFallen returns the first side whose clock is at or below zero.
func flagFallen(r *Record) (Color, bool) {
	if r.White.TimeMs <= 0 {
		return White, true
	}
	if r.Black.TimeMs <= 0 {
		return Black, true
	}
	return "", false
}

// readyExpired reports whether the pre-start grace deadline has passed.
func readyExpired(r *Record, now int64) bool {
	return r.State.IsReady() && r.ReadyDeadline > 0 && now > r.ReadyDeadline
}

// RemainingAt projects both clocks to now without mutating the record.
func RemainingAt(r *Record, now int64) (white, black int64) {
	white, black = r.White.TimeMs, r.Black.TimeMs
	if r.State != StateActive {
		return
	}
	elapsed := now - r.LastTickAt
	if elapsed < 0 {
		elapsed = 0
	}
	if r.Turn() == White {
		white -= elapsed
	} else {
		black -= elapsed
	}
	return
}
