// Package oracle answers legality questions about chess moves.
package oracle

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	ErrIllegalMove = errors.New("illegal move")
	ErrBadHistory  = errors.New("move history does not replay")
)

// Candidate is a move expressed by squares.
type Candidate struct {
	From      string
	To        string
	Promotion string
}

// UCI renders the candidate as a UCI string, forcing a valid promotion piece.
func (c Candidate) UCI() string {
	return strings.ToLower(strings.TrimSpace(c.From)) + strings.ToLower(strings.TrimSpace(c.To)) + NormalizePromotion(c.Promotion)
}

// Result describes the position after an accepted move.
type Result struct {
	UCI        string
	SAN        string
	FEN        string
	Turn       string // "w" or "b", side to move after the move
	Checkmate  bool
	Draw       bool
	DrawMethod string
}

// Oracle validates a candidate against the game reached by replaying history (UCI moves).
type Oracle interface {
	Apply(history []string, c Candidate) (Result, error)
}

// Chess is the Oracle backed by corentings/chess.
type Chess struct{}

func New() *Chess { return &Chess{} }

func (Chess) Apply(history []string, c Candidate) (Result, error) {
	game, err := replay(history)
	if err != nil {
		return Result{}, err
	}
	if !validSquare(c.From) || !validSquare(c.To) {
		return Result{}, ErrIllegalMove
	}
	pos := game.Position()
	uci := c.UCI()
	if !needsPromotion(pos, c) {
		uci = uci[:4]
	}
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Result{}, ErrIllegalMove
	}
	last := lastMove(game)
	if last == nil {
		return Result{}, ErrIllegalMove
	}

	res := Result{
		UCI:  uci,
		SAN:  nchess.AlgebraicNotation{}.Encode(pos, last),
		FEN:  game.FEN(),
		Turn: colorCode(game.Position().Turn()),
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		res.Checkmate = game.Method() == nchess.Checkmate
	case nchess.Draw:
		res.Draw = true
		res.DrawMethod = methodName(game.Method())
	}
	if !res.Checkmate && !res.Draw {
		for _, m := range game.EligibleDraws() {
			if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
				res.Draw = true
				res.DrawMethod = methodName(m)
				break
			}
		}
	}
	return res, nil
}

// Turn reads the side to move from a FEN string.
func Turn(fen string) string {
	parts := strings.Fields(fen)
	if len(parts) < 2 {
		return "w"
	}
	if parts[1] == "b" {
		return "b"
	}
	return "w"
}

// NormalizePromotion maps anything outside q/r/b/n to a queen.
func NormalizePromotion(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "r":
		return "r"
	case "b":
		return "b"
	case "n":
		return "n"
	default:
		return "q"
	}
}

func replay(history []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for i, mv := range history {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("%w: ply %d %q", ErrBadHistory, i+1, mv)
		}
	}
	return game, nil
}

func needsPromotion(pos *nchess.Position, c Candidate) bool {
	from := strings.ToLower(strings.TrimSpace(c.From))
	to := strings.ToLower(strings.TrimSpace(c.To))
	piece := pos.Board().Piece(squareOf(from))
	if piece.Type() != nchess.Pawn {
		return false
	}
	return (piece.Color() == nchess.White && to[1] == '8') || (piece.Color() == nchess.Black && to[1] == '1')
}

func validSquare(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func squareOf(s string) nchess.Square {
	file := nchess.File(s[0] - 'a')
	rank := nchess.Rank(s[1] - '1')
	return nchess.NewSquare(file, rank)
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorCode(c nchess.Color) string {
	if c == nchess.Black {
		return "b"
	}
	return "w"
}

func methodName(m nchess.Method) string {
	switch m {
	case nchess.Stalemate:
		return "stalemate"
	case nchess.ThreefoldRepetition:
		return "threefold_repetition"
	case nchess.FivefoldRepetition:
		return "fivefold_repetition"
	case nchess.FiftyMoveRule:
		return "fifty_move_rule"
	case nchess.SeventyFiveMoveRule:
		return "seventy_five_move_rule"
	case nchess.InsufficientMaterial:
		return "insufficient_material"
	default:
		return ""
	}
}
