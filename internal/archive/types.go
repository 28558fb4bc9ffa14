package archive

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("archive row not found")
)

// Move is one archived ply.
type Move struct {
	Ply  int    `json:"ply"`
	From string `json:"from"`
	To   string `json:"to"`
	SAN  string `json:"san"`
	FEN  string `json:"fen"`
	At   int64  `json:"at"`
}

// Moves is stored as a JSON text column.
type Moves []Move

func (m Moves) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *Moves) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Moves{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan moves: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = Moves{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Game is the durable result of a finished match.
type Game struct {
	ID            int64  `db:"id" json:"id"`
	MatchID       string `db:"match_id" json:"gameId"`
	WhiteConnID   string `db:"white_conn_id" json:"-"`
	BlackConnID   string `db:"black_conn_id" json:"-"`
	WhiteIdentity string `db:"white_identity" json:"whiteIdentity"`
	BlackIdentity string `db:"black_identity" json:"blackIdentity"`
	WhiteUserID   string `db:"white_user_id" json:"whiteUserId"`
	BlackUserID   string `db:"black_user_id" json:"blackUserId"`
	WhiteName     string `db:"white_name" json:"whiteName"`
	BlackName     string `db:"black_name" json:"blackName"`
	InitialMs     int64  `db:"initial_ms" json:"initialMs"`
	IncrementMs   int64  `db:"increment_ms" json:"incrementMs"`
	Speed         string `db:"speed" json:"speed"`
	Rated         bool   `db:"rated" json:"rated"`
	Winner        string `db:"winner" json:"winner"`
	Reason        string `db:"reason" json:"reason"`
	FinalFEN      string `db:"final_fen" json:"finalFen"`
	WhiteTimeMs   int64  `db:"white_time_ms" json:"whiteTime"`
	BlackTimeMs   int64  `db:"black_time_ms" json:"blackTime"`
	Moves         Moves  `db:"moves" json:"moves"`
	PGN           string `db:"pgn" json:"pgn"`
	StartedAt     int64  `db:"started_at" json:"startedAt"`
	EndedAt       int64  `db:"ended_at" json:"endedAt"`
}

// Rating is a user's persistent rating for one speed category.
type Rating struct {
	UserID      string  `db:"user_id" json:"userId"`
	Speed       string  `db:"speed" json:"speed"`
	Rating      int     `db:"rating" json:"rating"`
	RD          int     `db:"rd" json:"rd"`
	Vol         float64 `db:"vol" json:"vol"`
	Games       int     `db:"games" json:"games"`
	Provisional bool    `db:"provisional" json:"provisional"`
	UpdatedAt   int64   `db:"updated_at" json:"updatedAt"`
}

// Stats aggregates a user's archived results for one speed category.
type Stats struct {
	Speed  string `db:"speed" json:"speed"`
	Games  int    `db:"games" json:"games"`
	Wins   int    `db:"wins" json:"wins"`
	Losses int    `db:"losses" json:"losses"`
	Draws  int    `db:"draws" json:"draws"`
}

// Repository persists archived games and per-speed ratings.
type Repository interface {
	// InsertGame stores g unless a row with the same match id exists. inserted is false on duplicates.
	InsertGame(ctx context.Context, g *Game) (inserted bool, err error)
	GetGame(ctx context.Context, matchID string) (*Game, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Game, error)
	Stats(ctx context.Context, userID string) ([]Stats, error)

	GetRating(ctx context.Context, userID, speed string) (*Rating, error)
	UpsertRating(ctx context.Context, r Rating) error
	// UpsertRatings writes every row or none of them.
	UpsertRatings(ctx context.Context, rows ...Rating) error
	ListRatings(ctx context.Context, userID string) ([]Rating, error)

	Close() error
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func validRating(r Rating) error {
	if r.UserID == "" || r.Speed == "" {
		return fmt.Errorf("rating row needs user id and speed")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
