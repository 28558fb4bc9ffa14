package match

import (
	"time"

	"github.com/park285/cheese-arena/internal/oracle"
)

// State is the lifecycle state of a match. Transitions only move forward.
type State string

const (
	StateReadyWhite State = "READY_WHITE"
	StateReadyBlack State = "READY_BLACK"
	StateActive     State = "ACTIVE"
	StateFinished   State = "FINISHED"
)

func (s State) rank() int {
	switch s {
	case StateReadyWhite:
		return 0
	case StateReadyBlack:
		return 1
	case StateActive:
		return 2
	case StateFinished:
		return 3
	default:
		return -1
	}
}

// IsReady reports whether the match is still in its pre-start grace phase.
func (s State) IsReady() bool { return s == StateReadyWhite || s == StateReadyBlack }

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

// Code is the single-letter form used in FEN and client payloads.
func (c Color) Code() string {
	if c == Black {
		return "b"
	}
	return "w"
}

func colorFromCode(code string) Color {
	if code == "b" {
		return Black
	}
	return White
}

// Winner values. Empty means no winner (aborted or unfinished).
const (
	WinnerWhite = "white"
	WinnerBlack = "black"
	WinnerDraw  = "draw"
)

// Finish reasons.
const (
	ReasonCheckmate         = "checkmate"
	ReasonDraw              = "draw"
	ReasonResign            = "resign"
	ReasonDrawAgreed        = "draw_agreed"
	ReasonTimeout           = "timeout"
	ReasonDisconnectTimeout = "disconnect_timeout"
	ReasonAborted           = "aborted"
)

// Side holds everything bound to one color.
type Side struct {
	Identity       string `json:"identity"`
	ConnID         string `json:"connId"`
	Name           string `json:"name"`
	TimeMs         int64  `json:"timeMs"`
	DisconnectedAt int64  `json:"disconnectedAt,omitempty"`
}

// MoveEntry is one ply in the move log.
type MoveEntry struct {
	Ply  int    `json:"ply"`
	From string `json:"from"`
	To   string `json:"to"`
	UCI  string `json:"uci"`
	SAN  string `json:"san"`
	FEN  string `json:"fen"`
	At   int64  `json:"at"`
}

// RatingSnapshot records before/after ratings written once by settlement.
type RatingSnapshot struct {
	Speed       string `json:"speed"`
	WhiteBefore int    `json:"whiteBefore"`
	WhiteAfter  int    `json:"whiteAfter"`
	BlackBefore int    `json:"blackBefore"`
	BlackAfter  int    `json:"blackAfter"`
}

func (r *RatingSnapshot) WhiteDiff() int { return r.WhiteAfter - r.WhiteBefore }
func (r *RatingSnapshot) BlackDiff() int { return r.BlackAfter - r.BlackBefore }

// Record is the persisted state of a match.
type Record struct {
	ID       string `json:"id"`
	JoinCode string `json:"joinCode,omitempty"`
	State    State  `json:"state"`
	FEN      string `json:"fen"`

	White Side `json:"white"`
	Black Side `json:"black"`

	InitialMs   int64 `json:"initialMs"`
	IncrementMs int64 `json:"incrementMs"`
	Rated       bool  `json:"rated"`

	ReadyDeadline int64 `json:"readyDeadline"`
	LastTickAt    int64 `json:"lastTickAt"`

	Moves []MoveEntry `json:"moves"`

	Winner       string `json:"winner,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	FinishedAt   int64  `json:"finishedAt,omitempty"`

	Persisted     bool `json:"persisted"`
	RatingApplied bool `json:"ratingApplied"`
	// RatingClaimedAt is when the current rating claim was taken, unix ms.
	RatingClaimedAt int64           `json:"ratingClaimedAt,omitempty"`
	EndedEmitted    bool            `json:"endedEmitted"`
	Ratings         *RatingSnapshot `json:"ratings,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Side returns a pointer to the given side.
func (r *Record) Side(c Color) *Side {
	if c == Black {
		return &r.Black
	}
	return &r.White
}

// Turn is the side to move according to the position.
func (r *Record) Turn() Color { return colorFromCode(oracle.Turn(r.FEN)) }

// Finished reports whether the match has reached its terminal state.
func (r *Record) Finished() bool { return r.State == StateFinished }

// Ply is the number of half-moves played.
func (r *Record) Ply() int { return len(r.Moves) }

// UCIHistory returns the move log in UCI form for replay.
func (r *Record) UCIHistory() []string {
	out := make([]string, 0, len(r.Moves))
	for _, m := range r.Moves {
		out = append(out, m.UCI)
	}
	return out
}

// LastMove returns the latest entry or nil.
func (r *Record) LastMove() *MoveEntry {
	if len(r.Moves) == 0 {
		return nil
	}
	return &r.Moves[len(r.Moves)-1]
}

// ColorOf resolves a caller's color. The connection id wins over identity.
func (r *Record) ColorOf(connID, identity string) (Color, bool) {
	if connID != "" {
		if r.White.ConnID == connID {
			return White, true
		}
		if r.Black.ConnID == connID {
			return Black, true
		}
	}
	if identity != "" {
		if r.White.Identity == identity {
			return White, true
		}
		if r.Black.Identity == identity {
			return Black, true
		}
	}
	return "", false
}

// finish moves the record to FINISHED unless it is already there.
func (r *Record) finish(reason, winner string, now int64) bool {
	if r.State == StateFinished {
		return false
	}
	r.State = StateFinished
	r.FinishReason = reason
	r.Winner = winner
	r.FinishedAt = now
	return true
}

// Caller identifies who is acting on a match.
type Caller struct {
	ConnID   string
	Identity string
}
