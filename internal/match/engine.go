package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/oracle"
)

const (
	DefaultReadyGrace = 30 * time.Second
	DefaultClaimWin   = 50 * time.Second

	maxInitialMs   = int64(180 * time.Minute / time.Millisecond)
	maxIncrementMs = int64(180 * time.Second / time.Millisecond)
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	ReadyGrace time.Duration
	ClaimWin   time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

// Engine applies player actions and clock sweeps to match records.
type Engine struct {
	store  *Store
	oracle oracle.Oracle
	grace  time.Duration
	claim  time.Duration
	now    func() time.Time
	log    *zap.Logger
}

func NewEngine(store *Store, orc oracle.Oracle, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("match store is required")
	}
	if orc == nil {
		return nil, errors.New("move oracle is required")
	}
	e := &Engine{store: store, oracle: orc, grace: opts.ReadyGrace, claim: opts.ClaimWin, now: opts.Now, log: opts.Logger}
	if e.grace <= 0 {
		e.grace = DefaultReadyGrace
	}
	if e.claim <= 0 {
		e.claim = DefaultClaimWin
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.log == nil {
		e.log = obslog.L()
	}
	return e, nil
}

// Store exposes the underlying store for settlement and sweeps.
func (e *Engine) Store() *Store { return e.store }

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

// Player is one seat of a match being created.
type Player struct {
	ConnID   string
	Identity string
	Name     string
}

// CreateParams describes a direct challenge; the creator plays white.
type CreateParams struct {
	Creator     Player
	InitialMs   int64
	IncrementMs int64
}

// PairParams describes a match built by matchmaking.
type PairParams struct {
	White       Player
	Black       Player
	InitialMs   int64
	IncrementMs int64
	Rated       bool
}

func validTimeControl(initialMs, incrementMs int64) bool {
	return initialMs > 0 && initialMs <= maxInitialMs && incrementMs >= 0 && incrementMs <= maxIncrementMs
}

func (e *Engine) newRecord(white, black Player, initialMs, incrementMs int64, rated bool) *Record {
	now := e.now()
	ms := now.UnixMilli()
	return &Record{
		ID:    uuid.NewString(),
		State: StateReadyWhite,
		FEN:   oracle.StartFEN,
		White: Side{Identity: white.Identity, ConnID: white.ConnID, Name: white.Name, TimeMs: initialMs},
		Black: Side{Identity: black.Identity, ConnID: black.ConnID, Name: black.Name, TimeMs: initialMs},

		InitialMs:     initialMs,
		IncrementMs:   incrementMs,
		Rated:         rated,
		ReadyDeadline: ms + e.grace.Milliseconds(),
		LastTickAt:    ms,
		Moves:         []MoveEntry{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Create opens an unrated challenge with an invite code. The opponent seat stays empty.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Record, error) {
	if !validTimeControl(p.InitialMs, p.IncrementMs) {
		return nil, ErrBadTimeControl
	}
	if strings.TrimSpace(p.Creator.Identity) == "" {
		return nil, errors.New("creator identity required")
	}
	r := e.newRecord(p.Creator, Player{}, p.InitialMs, p.IncrementMs, false)
	code, err := e.store.AllocateJoinCode(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate join code: %w", err)
	}
	r.JoinCode = code
	if err := e.store.Create(ctx, r); err != nil {
		_ = e.store.DeleteJoinCode(ctx, code)
		return nil, err
	}
	e.log.Info("match_create",
		zap.String("match_id", r.ID),
		zap.String("join_code", code),
		zap.String("white", r.White.Identity),
		zap.Int64("initial_ms", r.InitialMs),
		zap.Int64("increment_ms", r.IncrementMs),
	)
	return r, nil
}

// CreatePaired opens a match with both seats filled.
func (e *Engine) CreatePaired(ctx context.Context, p PairParams) (*Record, error) {
	if !validTimeControl(p.InitialMs, p.IncrementMs) {
		return nil, ErrBadTimeControl
	}
	r := e.newRecord(p.White, p.Black, p.InitialMs, p.IncrementMs, p.Rated)
	if err := e.store.Create(ctx, r); err != nil {
		return nil, err
	}
	e.log.Info("match_create_paired",
		zap.String("match_id", r.ID),
		zap.String("white", r.White.Identity),
		zap.String("black", r.Black.Identity),
		zap.Bool("rated", r.Rated),
	)
	return r, nil
}

// Load returns the current record.
func (e *Engine) Load(ctx context.Context, id string) (*Record, error) {
	return e.store.Load(ctx, id)
}

// IsLive reports whether id names an unfinished match. A missing record is not live.
func (e *Engine) IsLive(ctx context.Context, id string) (bool, error) {
	r, err := e.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !r.Finished(), nil
}

// Join seats the caller as black. A bare match id is not enough; the invite code is required.
func (e *Engine) Join(ctx context.Context, c Caller, name, matchID, joinCode string) (*Record, error) {
	matchID, joinCode = strings.TrimSpace(matchID), strings.ToUpper(strings.TrimSpace(joinCode))
	if joinCode == "" {
		if matchID != "" {
			return nil, ErrJoinCodeRequired
		}
		return nil, ErrNotFound
	}
	resolved, err := e.store.ResolveJoinCode(ctx, joinCode)
	if err != nil {
		return nil, err
	}
	if matchID != "" && matchID != resolved {
		return nil, ErrNotFound
	}

	rec, err := e.store.Update(ctx, resolved, func(r *Record) (bool, error) {
		if r.Finished() {
			return false, ErrEnded
		}
		if r.White.ConnID == c.ConnID || r.Black.ConnID == c.ConnID ||
			(c.Identity != "" && (r.White.Identity == c.Identity || r.Black.Identity == c.Identity)) {
			return false, ErrSamePlayer
		}
		if r.Black.ConnID != "" || r.Black.Identity != "" {
			return false, ErrGameFull
		}
		r.Black.ConnID = c.ConnID
		r.Black.Identity = c.Identity
		r.Black.Name = name
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	e.log.Info("match_join", zap.String("match_id", rec.ID), zap.String("black", rec.Black.Identity))
	return rec, nil
}

// MoveRequest is a move submitted by squares.
type MoveRequest struct {
	MatchID   string
	From      string
	To        string
	Promotion string
}

// Move validates and applies a move by the caller.
func (e *Engine) Move(ctx context.Context, c Caller, req MoveRequest) (*Record, error) {
	var internalErr error
	rec, err := e.store.Update(ctx, req.MatchID, func(r *Record) (bool, error) {
		internalErr = nil
		now := e.nowMs()
		color, ok := r.ColorOf(c.ConnID, c.Identity)
		if !ok {
			return false, ErrNotInGame
		}
		if r.Finished() {
			return false, ErrEnded
		}
		if r.Black.Identity == "" && r.Black.ConnID == "" {
			return false, ErrGameNotActive
		}
		if r.Turn() != color {
			return false, ErrNotYourTurn
		}
		if readyExpired(r, now) {
			r.finish(ReasonAborted, "", now)
			return true, ErrAborted
		}
		if r.State == StateActive {
			chargeElapsed(r, now)
			if r.Side(color).TimeMs <= 0 {
				r.finish(ReasonTimeout, string(color.Opponent()), now)
				return true, ErrTimeout
			}
		}

		res, aerr := e.oracle.Apply(r.UCIHistory(), oracle.Candidate{From: req.From, To: req.To, Promotion: req.Promotion})
		if aerr != nil {
			if errors.Is(aerr, oracle.ErrIllegalMove) {
				return false, ErrIllegalMove
			}
			internalErr = aerr
			return false, aerr
		}

		r.FEN = res.FEN
		r.Moves = append(r.Moves, MoveEntry{
			Ply:  len(r.Moves) + 1,
			From: strings.ToLower(strings.TrimSpace(req.From)),
			To:   strings.ToLower(strings.TrimSpace(req.To)),
			UCI:  res.UCI,
			SAN:  res.SAN,
			FEN:  res.FEN,
			At:   now,
		})

		switch r.State {
		case StateReadyWhite:
			r.State = StateReadyBlack
			r.ReadyDeadline = now + e.grace.Milliseconds()
			r.LastTickAt = now
		case StateReadyBlack:
			r.State = StateActive
			r.LastTickAt = now
		case StateActive:
			applyIncrement(r, color)
		}

		switch {
		case res.Checkmate:
			r.finish(ReasonCheckmate, string(color), now)
		case res.Draw:
			r.finish(ReasonDraw, WinnerDraw, now)
		}
		return true, nil
	})
	if internalErr != nil {
		e.log.Error("match_move_oracle_error", zap.String("match_id", req.MatchID), zap.Error(internalErr))
		return rec, fmt.Errorf("replay match %s: %w", req.MatchID, internalErr)
	}
	if err != nil {
		if rec != nil && rec.Finished() {
			e.afterFinish(ctx, rec)
		}
		return rec, err
	}
	last := rec.LastMove()
	e.log.Info("match_move",
		zap.String("match_id", rec.ID),
		zap.String("state", string(rec.State)),
		zap.String("san", last.SAN),
		zap.Int("ply", last.Ply),
	)
	if rec.Finished() {
		e.afterFinish(ctx, rec)
	}
	return rec, nil
}

// Resign finishes an active match for the opponent. During the ready phase it aborts instead.
func (e *Engine) Resign(ctx context.Context, c Caller, id string) (*Record, error) {
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		color, ok := r.ColorOf(c.ConnID, c.Identity)
		if !ok {
			return false, ErrNotInGame
		}
		now := e.nowMs()
		if r.State.IsReady() {
			r.finish(ReasonAborted, "", now)
			return true, nil
		}
		if r.State != StateActive {
			return false, ErrNotActive
		}
		r.finish(ReasonResign, string(color.Opponent()), now)
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	e.log.Info("match_resign", zap.String("match_id", rec.ID), zap.String("reason", rec.FinishReason), zap.String("winner", rec.Winner))
	e.afterFinish(ctx, rec)
	return rec, nil
}

// OfferDraw registers a draw offer by the caller and returns their color.
func (e *Engine) OfferDraw(ctx context.Context, c Caller, id string) (*Record, Color, error) {
	r, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if r.State != StateActive {
		return r, "", ErrNotActive
	}
	color, ok := r.ColorOf(c.ConnID, c.Identity)
	if !ok {
		return r, "", ErrNotInGame
	}
	if err := e.store.SetDrawOffer(ctx, id, color); err != nil {
		return r, "", err
	}
	e.log.Info("match_draw_offer", zap.String("match_id", id), zap.String("by", string(color)))
	return r, color, nil
}

// AcceptDraw ends the match as agreed when the opponent's offer is still pending.
func (e *Engine) AcceptDraw(ctx context.Context, c Caller, id string) (*Record, error) {
	offeredBy, err := e.store.DrawOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		if r.State != StateActive {
			return false, ErrNotActive
		}
		color, ok := r.ColorOf(c.ConnID, c.Identity)
		if !ok {
			return false, ErrNotInGame
		}
		if offeredBy == "" {
			return false, ErrNoOffer
		}
		if offeredBy == color {
			return false, ErrOwnOffer
		}
		r.finish(ReasonDrawAgreed, WinnerDraw, e.nowMs())
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	e.log.Info("match_draw_agreed", zap.String("match_id", id))
	e.afterFinish(ctx, rec)
	return rec, nil
}

// DeclineDraw drops the opponent's pending offer. The offerer cannot decline it.
func (e *Engine) DeclineDraw(ctx context.Context, c Caller, id string) (*Record, error) {
	r, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	color, ok := r.ColorOf(c.ConnID, c.Identity)
	if !ok {
		return r, ErrNotInGame
	}
	offeredBy, err := e.store.DrawOffer(ctx, id)
	if err != nil {
		return r, err
	}
	if offeredBy == "" {
		return r, ErrNoOffer
	}
	if offeredBy == color {
		return r, ErrOwnOffer
	}
	if err := e.store.ClearDrawOffer(ctx, id); err != nil {
		return r, err
	}
	return r, nil
}

// Abort cancels a match that has not started yet.
func (e *Engine) Abort(ctx context.Context, c Caller, id string) (*Record, error) {
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		if !r.State.IsReady() {
			return false, ErrNotAbortable
		}
		if _, ok := r.ColorOf(c.ConnID, c.Identity); !ok {
			return false, ErrNotInGame
		}
		r.finish(ReasonAborted, "", e.nowMs())
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	e.log.Info("match_abort", zap.String("match_id", id))
	e.afterFinish(ctx, rec)
	return rec, nil
}

// ClaimWin awards the match to the caller when the opponent has been gone long enough.
func (e *Engine) ClaimWin(ctx context.Context, c Caller, id string) (*Record, error) {
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		if r.State != StateActive {
			return false, ErrNotActive
		}
		color, ok := r.ColorOf(c.ConnID, c.Identity)
		if !ok {
			return false, ErrNotInGame
		}
		now := e.nowMs()
		goneAt := r.Side(color.Opponent()).DisconnectedAt
		if goneAt == 0 || now-goneAt < e.claim.Milliseconds() {
			return false, ErrNotClaimable
		}
		r.finish(ReasonDisconnectTimeout, string(color), now)
		return true, nil
	})
	if err != nil {
		return rec, err
	}
	e.log.Info("match_claim_win", zap.String("match_id", id), zap.String("winner", rec.Winner))
	e.afterFinish(ctx, rec)
	return rec, nil
}

// Tick re-derives clocks and grace expiry. changed reports whether the record was written.
func (e *Engine) Tick(ctx context.Context, id string) (*Record, bool, error) {
	changed := false
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		changed = false
		now := e.nowMs()
		switch {
		case r.Finished():
			return false, nil
		case readyExpired(r, now):
			r.finish(ReasonAborted, "", now)
		case r.State == StateActive:
			chargeElapsed(r, now)
			if fallen, ok := flagFallen(r); ok {
				r.finish(ReasonTimeout, string(fallen.Opponent()), now)
			}
		default:
			return false, nil
		}
		changed = true
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = e.store.DropLive(ctx, id)
		}
		return nil, false, err
	}
	if changed && rec.Finished() {
		e.log.Info("match_tick_finish", zap.String("match_id", id), zap.String("reason", rec.FinishReason), zap.String("winner", rec.Winner))
		e.afterFinish(ctx, rec)
	}
	return rec, changed, nil
}

// Reconnect rebinds the caller's seat to its current connection and clears the disconnect mark.
// The returned color is empty for spectators.
func (e *Engine) Reconnect(ctx context.Context, c Caller, id string) (*Record, Color, error) {
	var color Color
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		col, ok := r.ColorOf(c.ConnID, c.Identity)
		color = col
		if !ok || r.Finished() {
			return false, nil
		}
		s := r.Side(col)
		if s.ConnID == c.ConnID && s.DisconnectedAt == 0 {
			return false, nil
		}
		s.ConnID = c.ConnID
		s.DisconnectedAt = 0
		return true, nil
	})
	if err != nil {
		return rec, "", err
	}
	return rec, color, nil
}

// Disconnect marks the seat held by connID as gone. Only active matches care.
func (e *Engine) Disconnect(ctx context.Context, connID, id string) (*Record, bool, error) {
	changed := false
	rec, err := e.store.Update(ctx, id, func(r *Record) (bool, error) {
		changed = false
		if r.State != StateActive {
			return false, nil
		}
		now := e.nowMs()
		for _, col := range []Color{White, Black} {
			s := r.Side(col)
			if s.ConnID == connID && s.DisconnectedAt == 0 {
				s.DisconnectedAt = now
				changed = true
			}
		}
		return changed, nil
	})
	return rec, changed, err
}

// afterFinish drops the invite code and any pending draw offer.
func (e *Engine) afterFinish(ctx context.Context, r *Record) {
	if r.JoinCode != "" {
		if err := e.store.DeleteJoinCode(ctx, r.JoinCode); err != nil {
			e.log.Warn("match_join_code_cleanup_error", zap.String("match_id", r.ID), zap.Error(err))
		}
	}
	if err := e.store.ClearDrawOffer(ctx, r.ID); err != nil {
		e.log.Warn("match_draw_offer_cleanup_error", zap.String("match_id", r.ID), zap.Error(err))
	}
}
