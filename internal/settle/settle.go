// Package settle turns a finished match into durable effects exactly once:
// the archive row, the rating update and the terminal notification.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/archive"
	"github.com/park285/cheese-arena/internal/ident"
	"github.com/park285/cheese-arena/internal/match"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rating"
)

var (
	ErrNotFinished = errors.New("match not finished")
	// ErrRatingsPending means another caller holds the rating claim; the end is not announced yet.
	ErrRatingsPending = errors.New("rating update in progress")
)

// ratingLease bounds how long a rating claim blocks others. It outlives any request or sweep deadline.
const ratingLease = 30 * time.Second

// ActivePointers clears identity -> match pointers once a match is over.
type ActivePointers interface {
	ClearActive(ctx context.Context, identity, matchID string) error
}

// CacheInvalidator drops a cached rating after the row changed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID, speed string) error
}

type Config struct {
	Store    *match.Store
	Repo     archive.Repository
	Ratings  CacheInvalidator
	Pointers ActivePointers
	Sink     archive.PGNSink
	Now      func() time.Time
	Logger   *zap.Logger
}

type Settler struct {
	store    *match.Store
	repo     archive.Repository
	ratings  CacheInvalidator
	pointers ActivePointers
	sink     archive.PGNSink
	now      func() time.Time
	log      *zap.Logger
}

func New(cfg Config) (*Settler, error) {
	if cfg.Store == nil {
		return nil, errors.New("match store is required")
	}
	if cfg.Repo == nil {
		return nil, errors.New("archive repository is required")
	}
	s := &Settler{store: cfg.Store, repo: cfg.Repo, ratings: cfg.Ratings, pointers: cfg.Pointers, sink: cfg.Sink, now: cfg.Now, log: cfg.Logger}
	if s.sink == nil {
		s.sink = archive.NopSink{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = obslog.L()
	}
	return s, nil
}

// Persist writes the archive row the first time a finished match is seen.
// A duplicate row counts as success.
func (s *Settler) Persist(ctx context.Context, id string) error {
	r, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if !r.Finished() {
		return ErrNotFinished
	}
	if r.Persisted {
		return nil
	}

	g := toArchive(r)
	inserted, err := s.repo.InsertGame(ctx, g)
	if err != nil {
		return fmt.Errorf("archive match %s: %w", id, err)
	}
	if inserted {
		if err := s.sink.PutPGN(ctx, id, g.PGN); err != nil {
			s.log.Warn("settle_pgn_upload_error", zap.String("match_id", id), zap.Error(err))
		}
	}
	_, err = s.store.Update(ctx, id, func(rec *match.Record) (bool, error) {
		if rec.Persisted {
			return false, nil
		}
		rec.Persisted = true
		return true, nil
	})
	if err != nil {
		return err
	}
	s.log.Info("settle_persisted", zap.String("match_id", id), zap.Bool("inserted", inserted))
	return nil
}

func toArchive(r *match.Record) *archive.Game {
	whiteUID, _ := ident.UserID(r.White.Identity)
	blackUID, _ := ident.UserID(r.Black.Identity)
	moves := make(archive.Moves, 0, len(r.Moves))
	for _, m := range r.Moves {
		moves = append(moves, archive.Move{Ply: m.Ply, From: m.From, To: m.To, SAN: m.SAN, FEN: m.FEN, At: m.At})
	}
	g := &archive.Game{
		MatchID:       r.ID,
		WhiteConnID:   r.White.ConnID,
		BlackConnID:   r.Black.ConnID,
		WhiteIdentity: r.White.Identity,
		BlackIdentity: r.Black.Identity,
		WhiteUserID:   whiteUID,
		BlackUserID:   blackUID,
		WhiteName:     r.White.Name,
		BlackName:     r.Black.Name,
		InitialMs:     r.InitialMs,
		IncrementMs:   r.IncrementMs,
		Speed:         rating.SpeedFromClock(r.InitialMs, r.IncrementMs),
		Rated:         r.Rated,
		Winner:        r.Winner,
		Reason:        r.FinishReason,
		FinalFEN:      r.FEN,
		WhiteTimeMs:   r.White.TimeMs,
		BlackTimeMs:   r.Black.TimeMs,
		Moves:         moves,
		StartedAt:     r.CreatedAt.UnixMilli(),
		EndedAt:       r.FinishedAt,
	}
	g.PGN = archive.BuildPGN(g)
	return g
}

// ratingEligible reports whether the match moves ratings at all.
func ratingEligible(r *match.Record) bool {
	return r.Rated && r.FinishReason != match.ReasonAborted &&
		ident.IsUser(r.White.Identity) && ident.IsUser(r.Black.Identity)
}

// ApplyRatings updates both players' ratings once and returns the stored snapshot.
// nil means the match is not rating-eligible. ErrRatingsPending is returned while
// another caller is still computing the snapshot.
func (s *Settler) ApplyRatings(ctx context.Context, id string) (*match.RatingSnapshot, error) {
	var claim int64
	r, err := s.store.Update(ctx, id, func(rec *match.Record) (bool, error) {
		claim = 0
		if !rec.Finished() {
			return false, ErrNotFinished
		}
		if !ratingEligible(rec) || rec.Ratings != nil {
			return false, nil
		}
		now := s.now().UnixMilli()
		if rec.RatingApplied && now-rec.RatingClaimedAt < ratingLease.Milliseconds() {
			return false, nil
		}
		rec.RatingApplied = true
		rec.RatingClaimedAt = now
		claim = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !ratingEligible(r) {
		return nil, nil
	}
	if claim == 0 {
		if r.Ratings == nil {
			return nil, ErrRatingsPending
		}
		return r.Ratings, nil
	}

	snap, err := s.computeRatings(ctx, r)
	if err != nil {
		s.log.Error("settle_rating_error", zap.String("match_id", id), zap.Error(err))
		s.releaseClaim(ctx, id, claim)
		return nil, err
	}
	r, err = s.store.Update(ctx, id, func(rec *match.Record) (bool, error) {
		if rec.Ratings != nil {
			return false, nil
		}
		rec.Ratings = snap
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("settle_ratings_applied",
		zap.String("match_id", id),
		zap.String("speed", snap.Speed),
		zap.Int("white_diff", snap.WhiteDiff()),
		zap.Int("black_diff", snap.BlackDiff()),
	)
	return r.Ratings, nil
}

// releaseClaim hands the rating claim back after a failed write so a later sweep can retry.
func (s *Settler) releaseClaim(ctx context.Context, id string, claim int64) {
	_, err := s.store.Update(ctx, id, func(rec *match.Record) (bool, error) {
		if rec.Ratings != nil || rec.RatingClaimedAt != claim {
			return false, nil
		}
		rec.RatingApplied = false
		rec.RatingClaimedAt = 0
		return true, nil
	})
	if err != nil {
		s.log.Warn("settle_rating_release_error", zap.String("match_id", id), zap.Error(err))
	}
}

// currentOrInitial returns the stored row, or an unsaved starting row for a first game at this speed.
func (s *Settler) currentOrInitial(ctx context.Context, userID, speed string) (archive.Rating, error) {
	row, err := s.repo.GetRating(ctx, userID, speed)
	if err == nil {
		return *row, nil
	}
	if !errors.Is(err, archive.ErrNotFound) {
		return archive.Rating{}, err
	}
	init := rating.Initial()
	return archive.Rating{
		UserID: userID, Speed: speed,
		Rating: int(init.Rating), RD: int(init.RD), Vol: init.Vol,
		Provisional: true,
	}, nil
}

func (s *Settler) computeRatings(ctx context.Context, r *match.Record) (*match.RatingSnapshot, error) {
	speed := rating.SpeedFromClock(r.InitialMs, r.IncrementMs)
	whiteUID, _ := ident.UserID(r.White.Identity)
	blackUID, _ := ident.UserID(r.Black.Identity)

	w, err := s.currentOrInitial(ctx, whiteUID, speed)
	if err != nil {
		return nil, fmt.Errorf("load white rating: %w", err)
	}
	b, err := s.currentOrInitial(ctx, blackUID, speed)
	if err != nil {
		return nil, fmt.Errorf("load black rating: %w", err)
	}

	nextW, nextB := rating.Update1v1(
		rating.State{Rating: float64(w.Rating), RD: float64(w.RD), Vol: w.Vol},
		rating.State{Rating: float64(b.Rating), RD: float64(b.RD), Vol: b.Vol},
		rating.ScoreFor(r.Winner, match.WinnerWhite),
	)
	snap := &match.RatingSnapshot{Speed: speed, WhiteBefore: w.Rating, BlackBefore: b.Rating}
	w, b = advance(w, nextW), advance(b, nextB)
	snap.WhiteAfter, snap.BlackAfter = w.Rating, b.Rating
	if err := s.repo.UpsertRatings(ctx, w, b); err != nil {
		return nil, fmt.Errorf("store ratings: %w", err)
	}
	if s.ratings != nil {
		for _, uid := range []string{w.UserID, b.UserID} {
			if err := s.ratings.Invalidate(ctx, uid, speed); err != nil {
				s.log.Warn("settle_rating_cache_error", zap.String("user_id", uid), zap.Error(err))
			}
		}
	}
	return snap, nil
}

// advance applies one game's result to a stored row.
func advance(row archive.Rating, next rating.State) archive.Rating {
	row.Rating = int(math.Round(next.Rating))
	row.RD = int(math.Round(next.RD))
	row.Vol = next.Vol
	row.Games++
	row.Provisional = row.Games < rating.ProvisionalGames
	row.UpdatedAt = 0
	return row
}

// Finalize settles a finished match and decides who announces it.
// emit is true for exactly one caller across all nodes, and that caller's record
// already carries the rating snapshot of a rated match. Any error leaves the match
// in the unsettled set for the next sweep.
func (s *Settler) Finalize(ctx context.Context, id string) (*match.Record, bool, error) {
	if err := s.Persist(ctx, id); err != nil {
		return nil, false, err
	}
	if _, err := s.ApplyRatings(ctx, id); err != nil {
		if !errors.Is(err, ErrRatingsPending) {
			s.log.Error("settle_finalize_ratings_error", zap.String("match_id", id), zap.Error(err))
		}
		return nil, false, err
	}

	emit := false
	r, err := s.store.Update(ctx, id, func(rec *match.Record) (bool, error) {
		emit = false
		if rec.EndedEmitted {
			return false, nil
		}
		if ratingEligible(rec) && rec.Ratings == nil {
			return false, ErrRatingsPending
		}
		rec.EndedEmitted = true
		emit = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if err := s.store.MarkSettled(ctx, id); err != nil {
		s.log.Warn("settle_mark_error", zap.String("match_id", id), zap.Error(err))
	}
	if !emit {
		return r, false, nil
	}

	if s.pointers != nil {
		for _, identity := range []string{r.White.Identity, r.Black.Identity} {
			if err := s.pointers.ClearActive(ctx, identity, id); err != nil {
				s.log.Warn("settle_clear_active_error", zap.String("identity", identity), zap.Error(err))
			}
		}
	}
	if err := s.store.DeleteJoinCode(ctx, r.JoinCode); err != nil {
		s.log.Warn("settle_join_code_error", zap.String("match_id", id), zap.Error(err))
	}
	s.log.Info("settle_finalized", zap.String("match_id", id), zap.String("reason", r.FinishReason), zap.String("winner", r.Winner))
	return r, true, nil
}
