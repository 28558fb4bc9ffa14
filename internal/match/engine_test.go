package match

import (
    "context"
    "errors"
    "testing"
    "time"

    miniredis "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"

    "github.com/park285/cheese-arena/internal/oracle"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) now() time.Time          { return time.UnixMilli(c.ms) }
func (c *fakeClock) advance(d time.Duration) { c.ms += d.Milliseconds() }

func newTestEngine(t *testing.T) (*Engine, *fakeClock, *miniredis.Miniredis) {
    t.Helper()
    mr, err := miniredis.Run()
    if err != nil { t.Fatalf("miniredis: %v", err) }
    t.Cleanup(func() { mr.Close() })
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })
    clk := &fakeClock{ms: 1_700_000_000_000}
    e, err := NewEngine(NewStore(rdb), oracle.New(), Options{Now: clk.now})
    if err != nil { t.Fatalf("NewEngine: %v", err) }
    return e, clk, mr
}

var (
    alice = Caller{ConnID: "c-alice", Identity: "user:alice"}
    bob   = Caller{ConnID: "c-bob", Identity: "user:bob"}
    eve   = Caller{ConnID: "c-eve", Identity: "guest:eve"}
)

func pairedMatch(t *testing.T, e *Engine, initialMs, incMs int64) *Record {
    t.Helper()
    r, err := e.CreatePaired(context.Background(), PairParams{
        White:     Player{ConnID: alice.ConnID, Identity: alice.Identity, Name: "alice"},
        Black:     Player{ConnID: bob.ConnID, Identity: bob.Identity, Name: "bob"},
        InitialMs: initialMs, IncrementMs: incMs, Rated: true,
    })
    if err != nil { t.Fatalf("CreatePaired: %v", err) }
    return r
}

func mustMove(t *testing.T, e *Engine, c Caller, id, from, to string) *Record {
    t.Helper()
    r, err := e.Move(context.Background(), c, MoveRequest{MatchID: id, From: from, To: to})
    if err != nil { t.Fatalf("Move %s%s: %v", from, to, err) }
    return r
}

func TestMove_ReadyPhasesThenActive(t *testing.T) {
    e, clk, _ := newTestEngine(t)
    r := pairedMatch(t, e, 60_000, 2_000)
    if r.State != StateReadyWhite { t.Fatalf("initial state = %s", r.State) }

    clk.advance(5 * time.Second)
    r = mustMove(t, e, alice, r.ID, "e2", "e4")
    if r.State != StateReadyBlack { t.Fatalf("after white: %s", r.State) }
    if r.ReadyDeadline != clk.ms+DefaultReadyGrace.Milliseconds() { t.Fatalf("grace not reset: %d", r.ReadyDeadline) }
    if r.White.TimeMs != 60_000 { t.Fatalf("ready move changed white clock: %d", r.White.TimeMs) }

    clk.advance(3 * time.Second)
    r = mustMove(t, e, bob, r.ID, "e7", "e5")
    if r.State != StateActive { t.Fatalf("after black: %s", r.State) }
    if r.Black.TimeMs != 60_000 { t.Fatalf("first black move charged: %d", r.Black.TimeMs) }

    clk.advance(4 * time.Second)
    r = mustMove(t, e, alice, r.ID, "g1", "f3")
    if r.White.TimeMs != 60_000-4_000+2_000 { t.Fatalf("white clock = %d", r.White.TimeMs) }
    if r.Ply() != 3 || r.LastMove().SAN != "Nf3" { t.Fatalf("unexpected log: %+v", r.LastMove()) }
}

func TestMove_Rejections(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 60_000, 0)

    if _, err := e.Move(ctx, bob, MoveRequest{MatchID: r.ID, From: "e7", To: "e5"}); !errors.Is(err, ErrNotYourTurn) {
        t.Fatalf("want NOT_YOUR_TURN, got %v", err)
    }
    if _, err := e.Move(ctx, eve, MoveRequest{MatchID: r.ID, From: "e2", To: "e4"}); !errors.Is(err, ErrNotInGame) {
        t.Fatalf("want NOT_IN_GAME, got %v", err)
    }
    if _, err := e.Move(ctx, alice, MoveRequest{MatchID: r.ID, From: "e2", To: "e5"}); !errors.Is(err, ErrIllegalMove) {
        t.Fatalf("want ILLEGAL_MOVE, got %v", err)
    }
    if _, err := e.Move(ctx, alice, MoveRequest{MatchID: "nope", From: "e2", To: "e4"}); !errors.Is(err, ErrNotFound) {
        t.Fatalf("want GAME_NOT_FOUND, got %v", err)
    }
    got, _ := e.Load(ctx, r.ID)
    if got.Ply() != 0 || got.State != StateReadyWhite { t.Fatalf("rejected moves mutated record: %+v", got) }
}

func TestMove_AfterGraceAborts(t *testing.T) {
    e, clk, _ := newTestEngine(t)
    r := pairedMatch(t, e, 60_000, 0)
    clk.advance(31 * time.Second)
    got, err := e.Move(context.Background(), alice, MoveRequest{MatchID: r.ID, From: "e2", To: "e4"})
    if !errors.Is(err, ErrAborted) { t.Fatalf("want GAME_ABORTED, got %v", err) }
    if got == nil || got.State != StateFinished || got.FinishReason != ReasonAborted || got.Winner != "" {
        t.Fatalf("unexpected record: %+v", got)
    }
}

func TestMove_FlagFallsAtMoveTime(t *testing.T) {
    e, clk, _ := newTestEngine(t)
    r := pairedMatch(t, e, 10_000, 0)
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")
    clk.advance(11 * time.Second)
    got, err := e.Move(context.Background(), alice, MoveRequest{MatchID: r.ID, From: "g1", To: "f3"})
    if !errors.Is(err, ErrTimeout) { t.Fatalf("want TIMEOUT, got %v", err) }
    if got.FinishReason != ReasonTimeout || got.Winner != WinnerBlack || got.Ply() != 2 {
        t.Fatalf("unexpected record: reason=%s winner=%s ply=%d", got.FinishReason, got.Winner, got.Ply())
    }
}

func TestMove_Checkmate(t *testing.T) {
    e, _, _ := newTestEngine(t)
    r := pairedMatch(t, e, 60_000, 0)
    mustMove(t, e, alice, r.ID, "f2", "f3")
    mustMove(t, e, bob, r.ID, "e7", "e5")
    mustMove(t, e, alice, r.ID, "g2", "g4")
    got := mustMove(t, e, bob, r.ID, "d8", "h4")
    if got.State != StateFinished || got.FinishReason != ReasonCheckmate || got.Winner != WinnerBlack {
        t.Fatalf("unexpected finish: %s %s %s", got.State, got.FinishReason, got.Winner)
    }
    if _, err := e.Move(context.Background(), alice, MoveRequest{MatchID: r.ID, From: "a2", To: "a3"}); !errors.Is(err, ErrEnded) {
        t.Fatalf("want GAME_ENDED after mate, got %v", err)
    }
}

func TestTick_GraceAbortAndTimeout(t *testing.T) {
    e, clk, _ := newTestEngine(t)
    ctx := context.Background()
    idle := pairedMatch(t, e, 60_000, 0)
    clk.advance(29 * time.Second)
    if _, changed, err := e.Tick(ctx, idle.ID); err != nil || changed { t.Fatalf("early tick: changed=%v err=%v", changed, err) }
    clk.advance(2 * time.Second)
    got, changed, err := e.Tick(ctx, idle.ID)
    if err != nil || !changed || got.FinishReason != ReasonAborted { t.Fatalf("grace tick: %+v changed=%v err=%v", got, changed, err) }

    live, _ := e.Store().LiveIDs(ctx)
    for _, id := range live {
        if id == idle.ID { t.Fatalf("finished match still live") }
    }

    r := pairedMatch(t, e, 3_000, 0)
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")
    clk.advance(time.Second)
    got, _, _ = e.Tick(ctx, r.ID)
    if got.White.TimeMs != 2_000 || got.Black.TimeMs != 3_000 { t.Fatalf("clocks after tick: w=%d b=%d", got.White.TimeMs, got.Black.TimeMs) }
    clk.advance(2 * time.Second)
    got, _, _ = e.Tick(ctx, r.ID)
    if got.FinishReason != ReasonTimeout || got.Winner != WinnerBlack { t.Fatalf("flag tick: %s %s", got.FinishReason, got.Winner) }

    again, changed, err := e.Tick(ctx, r.ID)
    if err != nil || changed || again.Winner != WinnerBlack { t.Fatalf("finished tick must be a no-op: changed=%v err=%v", changed, err) }
}

func TestTick_MissingRecordDropsLive(t *testing.T) {
    e, _, mr := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 60_000, 0)
    mr.Del(matchKey(r.ID))
    if _, _, err := e.Tick(ctx, r.ID); !errors.Is(err, ErrNotFound) { t.Fatalf("want not found, got %v", err) }
    ids, _ := e.Store().LiveIDs(ctx)
    if len(ids) != 0 { t.Fatalf("live set not cleaned: %v", ids) }
}

func TestCreateAndJoin(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()
    r, err := e.Create(ctx, CreateParams{Creator: Player{ConnID: alice.ConnID, Identity: alice.Identity, Name: "alice"}, InitialMs: 300_000})
    if err != nil { t.Fatalf("Create: %v", err) }
    if r.JoinCode == "" || r.Rated { t.Fatalf("unexpected challenge: %+v", r) }

    if _, err := e.Join(ctx, bob, "bob", r.ID, ""); !errors.Is(err, ErrJoinCodeRequired) { t.Fatalf("want JOIN_CODE_REQUIRED, got %v", err) }
    if _, err := e.Join(ctx, bob, "bob", "", "ZZZZZZZ"); !errors.Is(err, ErrNotFound) { t.Fatalf("want GAME_NOT_FOUND, got %v", err) }
    if _, err := e.Join(ctx, Caller{ConnID: "c-other", Identity: alice.Identity}, "alice", "", r.JoinCode); !errors.Is(err, ErrSamePlayer) {
        t.Fatalf("want SAME_PLAYER, got %v", err)
    }

    got, err := e.Join(ctx, bob, "bob", "", r.JoinCode)
    if err != nil { t.Fatalf("Join: %v", err) }
    if got.Black.Identity != bob.Identity || got.Black.Name != "bob" { t.Fatalf("black not seated: %+v", got.Black) }

    if _, err := e.Join(ctx, eve, "eve", "", r.JoinCode); !errors.Is(err, ErrGameFull) { t.Fatalf("want GAME_FULL, got %v", err) }
}

func TestCreate_BadTimeControl(t *testing.T) {
    e, _, _ := newTestEngine(t)
    if _, err := e.Create(context.Background(), CreateParams{Creator: Player{ConnID: "c", Identity: "guest:c"}, InitialMs: 0}); !errors.Is(err, ErrBadTimeControl) {
        t.Fatalf("want BAD_TIME_CONTROL, got %v", err)
    }
}

func TestMove_BeforeOpponentJoins(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()
    r, _ := e.Create(ctx, CreateParams{Creator: Player{ConnID: alice.ConnID, Identity: alice.Identity}, InitialMs: 60_000})
    if _, err := e.Move(ctx, alice, MoveRequest{MatchID: r.ID, From: "e2", To: "e4"}); !errors.Is(err, ErrGameNotActive) {
        t.Fatalf("want GAME_NOT_ACTIVE, got %v", err)
    }
}

func TestResignAndAbort(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()

    ready := pairedMatch(t, e, 60_000, 0)
    got, err := e.Resign(ctx, bob, ready.ID)
    if err != nil || got.FinishReason != ReasonAborted { t.Fatalf("resign during ready: %+v %v", got, err) }

    r := pairedMatch(t, e, 60_000, 0)
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")
    if _, err := e.Abort(ctx, alice, r.ID); !errors.Is(err, ErrNotAbortable) { t.Fatalf("want NOT_ABORTABLE, got %v", err) }
    got, err = e.Resign(ctx, alice, r.ID)
    if err != nil || got.Winner != WinnerBlack || got.FinishReason != ReasonResign { t.Fatalf("resign: %+v %v", got, err) }
    if _, err := e.Resign(ctx, bob, r.ID); !errors.Is(err, ErrNotActive) { t.Fatalf("want NOT_ACTIVE, got %v", err) }
}

func TestDrawOfferFlow(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 60_000, 0)

    if _, _, err := e.OfferDraw(ctx, alice, r.ID); !errors.Is(err, ErrNotActive) { t.Fatalf("offer in ready: %v", err) }
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")

    if _, err := e.AcceptDraw(ctx, bob, r.ID); !errors.Is(err, ErrNoOffer) { t.Fatalf("want NO_OFFER, got %v", err) }
    if _, by, err := e.OfferDraw(ctx, alice, r.ID); err != nil || by != White { t.Fatalf("offer: %v %v", by, err) }
    if _, err := e.AcceptDraw(ctx, alice, r.ID); !errors.Is(err, ErrOwnOffer) { t.Fatalf("want OWN_OFFER, got %v", err) }

    if _, err := e.DeclineDraw(ctx, alice, r.ID); !errors.Is(err, ErrOwnOffer) { t.Fatalf("offerer declined: %v", err) }
    if _, err := e.DeclineDraw(ctx, bob, r.ID); err != nil { t.Fatalf("decline: %v", err) }
    if _, err := e.DeclineDraw(ctx, bob, r.ID); !errors.Is(err, ErrNoOffer) { t.Fatalf("want NO_OFFER on second decline, got %v", err) }
    if _, err := e.AcceptDraw(ctx, bob, r.ID); !errors.Is(err, ErrNoOffer) { t.Fatalf("declined offer accepted: %v", err) }

    _, _, _ = e.OfferDraw(ctx, alice, r.ID)
    got, err := e.AcceptDraw(ctx, bob, r.ID)
    if err != nil || got.FinishReason != ReasonDrawAgreed || got.Winner != WinnerDraw { t.Fatalf("accept: %+v %v", got, err) }
}

func TestDrawOfferExpires(t *testing.T) {
    e, _, mr := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 60_000, 0)
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")
    _, _, _ = e.OfferDraw(ctx, bob, r.ID)
    mr.FastForward(61 * time.Second)
    if _, err := e.AcceptDraw(ctx, alice, r.ID); !errors.Is(err, ErrNoOffer) { t.Fatalf("want NO_OFFER after expiry, got %v", err) }
}

func TestClaimWin(t *testing.T) {
    e, clk, _ := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 600_000, 0)
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")

    if _, err := e.ClaimWin(ctx, alice, r.ID); !errors.Is(err, ErrNotClaimable) { t.Fatalf("claim while connected: %v", err) }
    if _, changed, err := e.Disconnect(ctx, bob.ConnID, r.ID); err != nil || !changed { t.Fatalf("disconnect: %v %v", changed, err) }

    clk.advance(49 * time.Second)
    if _, err := e.ClaimWin(ctx, alice, r.ID); !errors.Is(err, ErrNotClaimable) { t.Fatalf("claim at 49s: %v", err) }
    clk.advance(time.Second)
    got, err := e.ClaimWin(ctx, alice, r.ID)
    if err != nil || got.Winner != WinnerWhite || got.FinishReason != ReasonDisconnectTimeout { t.Fatalf("claim at 50s: %+v %v", got, err) }
}

func TestReconnectClearsDisconnect(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 600_000, 0)
    mustMove(t, e, alice, r.ID, "e2", "e4")
    mustMove(t, e, bob, r.ID, "e7", "e5")
    _, _, _ = e.Disconnect(ctx, bob.ConnID, r.ID)

    fresh := Caller{ConnID: "c-bob-2", Identity: bob.Identity}
    got, color, err := e.Reconnect(ctx, fresh, r.ID)
    if err != nil || color != Black { t.Fatalf("reconnect: %v %v", color, err) }
    if got.Black.ConnID != "c-bob-2" || got.Black.DisconnectedAt != 0 { t.Fatalf("seat not rebound: %+v", got.Black) }
    if _, err := e.ClaimWin(ctx, alice, r.ID); !errors.Is(err, ErrNotClaimable) { t.Fatalf("claim after reconnect: %v", err) }

    _, color, _ = e.Reconnect(ctx, eve, r.ID)
    if color != "" { t.Fatalf("spectator got a color: %s", color) }
}

func TestDisconnect_ReadyPhaseIgnored(t *testing.T) {
    e, _, _ := newTestEngine(t)
    r := pairedMatch(t, e, 60_000, 0)
    got, changed, err := e.Disconnect(context.Background(), alice.ConnID, r.ID)
    if err != nil || changed || got.White.DisconnectedAt != 0 { t.Fatalf("ready disconnect: %v %v", changed, err) }
}

func TestStore_FinishedNeverReverts(t *testing.T) {
    e, _, _ := newTestEngine(t)
    ctx := context.Background()
    r := pairedMatch(t, e, 60_000, 0)
    if _, err := e.Abort(ctx, alice, r.ID); err != nil { t.Fatalf("abort: %v", err) }

    _, err := e.Store().Update(ctx, r.ID, func(rec *Record) (bool, error) {
        rec.State = StateActive
        return true, nil
    })
    if !errors.Is(err, ErrStateRegression) { t.Fatalf("want regression error, got %v", err) }

    _, err = e.Store().Update(ctx, r.ID, func(rec *Record) (bool, error) {
        rec.Winner = WinnerWhite
        return true, nil
    })
    if !errors.Is(err, ErrStateRegression) { t.Fatalf("winner rewrite allowed: %v", err) }

    got, err := e.Store().Update(ctx, r.ID, func(rec *Record) (bool, error) {
        rec.Persisted = true
        return true, nil
    })
    if err != nil || !got.Persisted { t.Fatalf("flag update on finished record: %v", err) }
}

func TestSnapshot(t *testing.T) {
    e, clk, _ := newTestEngine(t)
    r := pairedMatch(t, e, 60_000, 1_000)
    s := NewSnapshot(r, clk.ms)
    if s.Status != "waiting" || s.Turn != "w" || s.LastMove != nil || s.ReadyDeadline == 0 { t.Fatalf("ready snapshot: %+v", s) }

    r = mustMove(t, e, alice, r.ID, "e2", "e4")
    r.Ratings = &RatingSnapshot{WhiteBefore: 1500, WhiteAfter: 1512, BlackBefore: 1500, BlackAfter: 1488}
    s = NewSnapshot(r, clk.ms).WithHistory(r, Black)
    if s.LastMove == nil || s.LastMove.SAN != "e4" || s.Turn != "b" { t.Fatalf("last move: %+v", s.LastMove) }
    if *s.WhiteRatingDiff != 12 || *s.BlackRatingDiff != -12 { t.Fatalf("diffs: %d %d", *s.WhiteRatingDiff, *s.BlackRatingDiff) }
    if len(s.Moves) != 1 || s.MyColor != "b" { t.Fatalf("history: %+v", s) }
}

func TestStoreCreate_RegistersLiveAtomically(t *testing.T) {
    e, _, mr := newTestEngine(t)
    ctx := context.Background()
    r := &Record{ID: "m-1", State: StateReadyWhite, Moves: []MoveEntry{}}

    if err := e.Store().Create(ctx, r); err != nil { t.Fatalf("Create: %v", err) }
    if !mr.Exists("match:m-1") { t.Fatalf("record not written") }
    if ok, _ := mr.SIsMember("match:live", "m-1"); !ok { t.Fatalf("record not registered as live") }

    dup := &Record{ID: "m-1", State: StateActive, Moves: []MoveEntry{}}
    if err := e.Store().Create(ctx, dup); !errors.Is(err, ErrMatchExists) { t.Fatalf("want ErrMatchExists, got %v", err) }
    got, err := e.Store().Load(ctx, "m-1")
    if err != nil || got.State != StateReadyWhite { t.Fatalf("duplicate create overwrote record: %+v %v", got, err) }
    if members, _ := mr.SMembers("match:live"); len(members) != 1 { t.Fatalf("live set: %v", members) }
}
