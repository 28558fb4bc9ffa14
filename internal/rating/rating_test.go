package rating

import (
	"context"
	"math"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-arena/internal/archive"
)

func TestUpdate1v1_FreshPlayersDecisive(t *testing.T) {
	w, b := Update1v1(Initial(), Initial(), 1)
	if math.Round(w.Rating) != 1995 || math.Round(b.Rating) != 1005 {
		t.Fatalf("ratings = %.2f / %.2f", w.Rating, b.Rating)
	}
	if math.Round(w.RD) != 756 || math.Round(b.RD) != 756 {
		t.Fatalf("rd = %.2f / %.2f", w.RD, b.RD)
	}
	if math.Abs(w.Vol-0.06) > 1e-4 {
		t.Fatalf("vol drifted: %f", w.Vol)
	}
}

func TestUpdate1v1_EqualDrawKeepsRating(t *testing.T) {
	w, b := Update1v1(Initial(), Initial(), 0.5)
	if math.Abs(w.Rating-1500) > 1e-9 || math.Abs(b.Rating-1500) > 1e-9 {
		t.Fatalf("draw moved ratings: %f %f", w.Rating, b.Rating)
	}
	if w.RD >= 1000 || b.RD >= 1000 {
		t.Fatalf("rd should shrink: %f %f", w.RD, b.RD)
	}
}

func TestUpdate1v1_RDFloor(t *testing.T) {
	_, b := Update1v1(State{1500, 200, 0.06}, State{1400, 30, 0.06}, 1)
	if b.RD < minRD {
		t.Fatalf("rd below floor: %f", b.RD)
	}
	if math.Round(b.Rating) != 1398 {
		t.Fatalf("loser rating = %f", b.Rating)
	}
}

func TestSpeedFromClock(t *testing.T) {
	cases := []struct {
		initialMs, incMs int64
		want             string
	}{
		{60_000, 0, Bullet},
		{120_000, 1_000, Bullet},
		{179_000, 0, Bullet},
		{180_000, 0, Blitz},
		{180_000, 2_000, Blitz},
		{300_000, 0, Blitz},
		{300_000, 5_000, Rapid},
		{600_000, 0, Rapid},
		{900_000, 10_000, Rapid},
		{1_500_000, 0, Classical},
		{1_800_000, 0, Classical},
	}
	for _, c := range cases {
		if got := SpeedFromClock(c.initialMs, c.incMs); got != c.want {
			t.Fatalf("SpeedFromClock(%d,%d) = %s, want %s", c.initialMs, c.incMs, got, c.want)
		}
	}
}

func TestScoreFor(t *testing.T) {
	if ScoreFor("white", "white") != 1 || ScoreFor("white", "black") != 0 {
		t.Fatalf("decisive scores wrong")
	}
	if ScoreFor("draw", "white") != 0.5 || ScoreFor("", "black") != 0.5 {
		t.Fatalf("draw scores wrong")
	}
}

type countingSource struct {
	rows  map[string]int
	calls int
}

func (c *countingSource) GetRating(_ context.Context, userID, speed string) (*archive.Rating, error) {
	c.calls++
	r, ok := c.rows[userID+"|"+speed]
	if !ok {
		return nil, archive.ErrNotFound
	}
	return &archive.Rating{UserID: userID, Speed: speed, Rating: r}, nil
}

func newTestService(t *testing.T, src Source) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s, err := NewService(rdb, src, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s, mr
}

func TestService_CachesAndInvalidates(t *testing.T) {
	src := &countingSource{rows: map[string]int{"u1|blitz": 1712}}
	s, mr := newTestService(t, src)
	ctx := context.Background()

	if got := s.Current(ctx, "guest:x", Blitz); got != DefaultRating || src.calls != 0 {
		t.Fatalf("guest lookup: %d calls=%d", got, src.calls)
	}
	if got := s.Current(ctx, "user:u1", Blitz); got != 1712 {
		t.Fatalf("Current = %d", got)
	}
	if got := s.Current(ctx, "user:u1", Blitz); got != 1712 || src.calls != 1 {
		t.Fatalf("cache miss: calls=%d", src.calls)
	}
	if v, _ := mr.Get("rating:u1:blitz"); v != "1712" {
		t.Fatalf("cache value = %q", v)
	}

	src.rows["u1|blitz"] = 1690
	if err := s.Invalidate(ctx, "u1", Blitz); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if got := s.ForQueue(ctx, "user:u1", Blitz); got != 1690 {
		t.Fatalf("after invalidate = %d", got)
	}
	if ttl := mr.TTL("rating:u1:blitz"); ttl != 60*time.Second {
		t.Fatalf("queue ttl = %v", ttl)
	}

	if got := s.Current(ctx, "user:nobody", Rapid); got != DefaultRating {
		t.Fatalf("missing row = %d", got)
	}
}
