package match

// Snapshot is the client view of a match.
type Snapshot struct {
	GameID        string `json:"gameId"`
	JoinCode      string `json:"joinCode,omitempty"`
	InitialMs     int64  `json:"initialMs"`
	IncrementMs   int64  `json:"incrementMs"`
	Rated         bool   `json:"rated"`
	WhiteName     string `json:"whiteName"`
	BlackName     string `json:"blackName"`
	WhiteIdentity string `json:"whiteIdentity"`
	BlackIdentity string `json:"blackIdentity"`
	FEN           string `json:"fen"`
	Turn          string `json:"turn"`
	Status        string `json:"status"`
	State         State  `json:"state"`
	Winner        string `json:"winner,omitempty"`
	Reason        string `json:"reason,omitempty"`
	WhiteTime     int64  `json:"whiteTime"`
	BlackTime     int64  `json:"blackTime"`
	ServerNow     int64  `json:"serverNow"`
	ReadyDeadline int64  `json:"readyDeadline,omitempty"`

	LastMove     *LastMove    `json:"lastMove"`
	Disconnected Disconnected `json:"disconnected"`

	WhiteRating     *int `json:"whiteRating"`
	BlackRating     *int `json:"blackRating"`
	WhiteRatingDiff *int `json:"whiteRatingDiff"`
	BlackRatingDiff *int `json:"blackRatingDiff"`

	Moves   []MoveEntry `json:"moves,omitempty"`
	MyColor string      `json:"myColor,omitempty"`
}

type LastMove struct {
	From string `json:"from"`
	To   string `json:"to"`
	SAN  string `json:"san"`
}

type Disconnected struct {
	White   bool  `json:"white"`
	Black   bool  `json:"black"`
	WhiteAt int64 `json:"whiteAt,omitempty"`
	BlackAt int64 `json:"blackAt,omitempty"`
}

// Status collapses the lifecycle state into waiting / active / finished.
func (r *Record) Status() string {
	switch {
	case r.Finished():
		return "finished"
	case r.State == StateActive:
		return "active"
	default:
		return "waiting"
	}
}

// NewSnapshot builds the client view. Ratings come from the settlement snapshot when present.
func NewSnapshot(r *Record, nowMs int64) Snapshot {
	s := Snapshot{
		GameID:        r.ID,
		JoinCode:      r.JoinCode,
		InitialMs:     r.InitialMs,
		IncrementMs:   r.IncrementMs,
		Rated:         r.Rated,
		WhiteName:     r.White.Name,
		BlackName:     r.Black.Name,
		WhiteIdentity: r.White.Identity,
		BlackIdentity: r.Black.Identity,
		FEN:           r.FEN,
		Turn:          r.Turn().Code(),
		Status:        r.Status(),
		State:         r.State,
		Winner:        r.Winner,
		Reason:        r.FinishReason,
		WhiteTime:     r.White.TimeMs,
		BlackTime:     r.Black.TimeMs,
		ServerNow:     nowMs,
		Disconnected: Disconnected{
			White:   r.White.DisconnectedAt > 0,
			Black:   r.Black.DisconnectedAt > 0,
			WhiteAt: r.White.DisconnectedAt,
			BlackAt: r.Black.DisconnectedAt,
		},
	}
	if r.State.IsReady() {
		s.ReadyDeadline = r.ReadyDeadline
	}
	if m := r.LastMove(); m != nil {
		s.LastMove = &LastMove{From: m.From, To: m.To, SAN: m.SAN}
	}
	if rs := r.Ratings; rs != nil {
		wa, ba := rs.WhiteAfter, rs.BlackAfter
		wd, bd := rs.WhiteDiff(), rs.BlackDiff()
		s.WhiteRating, s.BlackRating = &wa, &ba
		s.WhiteRatingDiff, s.BlackRatingDiff = &wd, &bd
	}
	return s
}

// WithHistory attaches the move log and the caller's color, as sent on resync.
func (s Snapshot) WithHistory(r *Record, mine Color) Snapshot {
	s.Moves = append([]MoveEntry(nil), r.Moves...)
	if s.Moves == nil {
		s.Moves = []MoveEntry{}
	}
	if mine != "" {
		s.MyColor = mine.Code()
	}
	return s
}
