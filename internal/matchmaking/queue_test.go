package matchmaking

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    miniredis "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"

    "github.com/park285/cheese-arena/internal/match"
    "github.com/park285/cheese-arena/internal/oracle"
    "github.com/park285/cheese-arena/internal/session"
)

type fakeRatings map[string]int

func (f fakeRatings) ForQueue(_ context.Context, identity, _ string) int {
    if r, ok := f[identity]; ok { return r }
    return 1500
}

type liveSet struct {
    mu   sync.Mutex
    dead map[string]bool
}

func (l *liveSet) IsLive(conn string) bool {
    l.mu.Lock()
    defer l.mu.Unlock()
    return !l.dead[conn]
}

type capture struct {
    mu  sync.Mutex
    got map[string]Matched
}

func (c *capture) Matched(conn string, m Matched) {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.got[conn] = m
}

type harness struct {
    q        *Queue
    mr       *miniredis.Miniredis
    sessions *session.Registry
    engine   *match.Engine
    ratings  fakeRatings
    live     *liveSet
    notes    *capture
    nowMs    int64
}

func newHarness(t *testing.T) *harness {
    t.Helper()
    mr, err := miniredis.Run()
    if err != nil { t.Fatalf("miniredis: %v", err) }
    t.Cleanup(func() { mr.Close() })
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })

    h := &harness{mr: mr, ratings: fakeRatings{}, live: &liveSet{dead: map[string]bool{}}, notes: &capture{got: map[string]Matched{}}, nowMs: 1_700_000_000_000}
    now := func() time.Time { return time.UnixMilli(h.nowMs) }
    h.engine, err = match.NewEngine(match.NewStore(rdb), oracle.New(), match.Options{Now: now})
    if err != nil { t.Fatalf("NewEngine: %v", err) }
    h.sessions = session.NewRegistry(rdb, nil, session.WithClock(now))
    h.q, err = New(Config{Redis: rdb, Engine: h.engine, Sessions: h.sessions, Ratings: h.ratings, Live: h.live, Notify: h.notes, Now: now})
    if err != nil { t.Fatalf("New: %v", err) }
    return h
}

// guest identifies conn as guest:{guestID} with the given queue rating.
func (h *harness) guest(t *testing.T, conn, guestID string, rating int) {
    t.Helper()
    if _, err := h.sessions.Identify(context.Background(), conn, session.Credentials{GuestID: guestID, Name: guestID}); err != nil {
        t.Fatalf("Identify: %v", err)
    }
    h.ratings["guest:"+guestID] = rating
}

func (h *harness) join(t *testing.T, conn string) Outcome {
    t.Helper()
    out, err := h.q.Join(context.Background(), conn, 5, 0)
    if err != nil { t.Fatalf("Join(%s): %v", conn, err) }
    return out
}

func TestJoin_PairsCloseRatings(t *testing.T) {
    h := newHarness(t)
    ctx := context.Background()
    h.guest(t, "c1", "alice", 1500)
    h.guest(t, "c2", "bob", 1600)

    if out := h.join(t, "c1"); out.Status != StatusWaiting { t.Fatalf("first join: %+v", out) }
    out := h.join(t, "c2")
    if out.Status != StatusMatched || out.GameID == "" { t.Fatalf("second join: %+v", out) }

    rec, err := h.engine.Load(ctx, out.GameID)
    if err != nil { t.Fatalf("Load: %v", err) }
    if !rec.Rated || rec.InitialMs != 300_000 || rec.IncrementMs != 0 { t.Fatalf("match params: %+v", rec) }
    if rec.Side(out.Color).ConnID != "c2" { t.Fatalf("outcome color %s does not seat c2", out.Color) }

    n1, n2 := h.notes.got["c1"], h.notes.got["c2"]
    if n1.GameID != out.GameID || n2.GameID != out.GameID || n1.Color == n2.Color || n1.Initial != 5 { t.Fatalf("notifications: %+v %+v", n1, n2) }

    for _, id := range []string{"guest:alice", "guest:bob"} {
        if v, _ := h.mr.Get("activeGame:" + id); v != out.GameID { t.Fatalf("active pointer %s = %q", id, v) }
    }
    if v, _ := h.mr.Get("socket:c1"); v != out.GameID { t.Fatalf("conn binding = %q", v) }
    if h.mr.Exists("queue:member:c1") || h.mr.Exists("queue:member:c2") { t.Fatalf("queue membership left behind") }
    if n, _ := h.mr.ZMembers("queue:z:5+0"); len(n) != 0 { t.Fatalf("pool not empty: %v", n) }
}

func TestJoin_GapOutsideBandWaits(t *testing.T) {
    h := newHarness(t)
    h.guest(t, "c1", "alice", 1500)
    h.guest(t, "c2", "bob", 1601)
    h.join(t, "c1")
    if out := h.join(t, "c2"); out.Status != StatusWaiting { t.Fatalf("gap 101 paired: %+v", out) }
}

func TestJoin_BandWidensWithWait(t *testing.T) {
    h := newHarness(t)
    h.guest(t, "low", "low", 1000)
    h.guest(t, "early", "early", 2000)
    h.guest(t, "late", "late", 2000)

    h.join(t, "low")
    h.nowMs += 100_000
    if out := h.join(t, "early"); out.Status != StatusWaiting { t.Fatalf("band 600 paired a 1000 gap: %+v", out) }
    h.mr.ZRem("queue:z:5+0", "early")

    h.nowMs += 80_000
    out := h.join(t, "late")
    if out.Status != StatusMatched { t.Fatalf("band 1000 did not pair: %+v", out) }
    rec, _ := h.engine.Load(context.Background(), out.GameID)
    if rec.White.Identity != "guest:low" && rec.Black.Identity != "guest:low" { t.Fatalf("paired with wrong player: %+v", rec) }
}

func TestJoin_PrefersClosestThenLowerOnTie(t *testing.T) {
    h := newHarness(t)
    h.guest(t, "a", "a", 1450)
    h.guest(t, "b", "b", 1550)
    h.guest(t, "c", "c", 1420)
    h.mr.ZAdd("queue:z:5+0", 1450, "a")
    h.mr.ZAdd("queue:z:5+0", 1550, "b")
    h.mr.ZAdd("queue:z:5+0", 1420, "c")

    h.guest(t, "me", "me", 1500)
    out := h.join(t, "me")
    if out.Status != StatusMatched { t.Fatalf("no pairing: %+v", out) }
    rec, _ := h.engine.Load(context.Background(), out.GameID)
    opp := rec.Side(out.Color.Opponent()).ConnID
    if opp != "a" { t.Fatalf("paired with %s, want a", opp) }
}

func TestJoin_SameIdentityNeverPairs(t *testing.T) {
    h := newHarness(t)
    h.guest(t, "tab1", "same", 1500)
    h.guest(t, "tab2", "same", 1500)
    h.join(t, "tab1")
    if out := h.join(t, "tab2"); out.Status != StatusWaiting { t.Fatalf("self pairing: %+v", out) }
}

func TestJoin_BlockedByActiveMatch(t *testing.T) {
    h := newHarness(t)
    h.guest(t, "c1", "alice", 1500)
    h.guest(t, "c2", "bob", 1500)
    h.join(t, "c1")
    matched := h.join(t, "c2")

    out := h.join(t, "c1")
    if out.Status != StatusBlocked || out.Reason != ReasonActiveGame || out.GameID != matched.GameID { t.Fatalf("not blocked: %+v", out) }

    c1 := match.Caller{ConnID: "c1", Identity: "guest:alice"}
    if _, err := h.engine.Abort(context.Background(), c1, matched.GameID); err != nil { t.Fatalf("abort: %v", err) }
    if out := h.join(t, "c1"); out.Status != StatusWaiting { t.Fatalf("finished match still blocks: %+v", out) }
}

func TestJoin_MovesBetweenBuckets(t *testing.T) {
    h := newHarness(t)
    ctx := context.Background()
    h.guest(t, "c1", "alice", 1500)
    h.join(t, "c1")
    if out := h.join(t, "c1"); out.Status != StatusWaiting { t.Fatalf("same bucket rejoin: %+v", out) }

    if _, err := h.q.Join(ctx, "c1", 3, 2); err != nil { t.Fatalf("Join 3+2: %v", err) }
    if v, _ := h.mr.Get("queue:member:c1"); v != "queue:z:3+2" { t.Fatalf("member key = %q", v) }
    if old, _ := h.mr.ZMembers("queue:z:5+0"); len(old) != 0 { t.Fatalf("still in old bucket: %v", old) }

    if err := h.q.Leave(ctx, "c1"); err != nil { t.Fatalf("Leave: %v", err) }
    if h.mr.Exists("queue:member:c1") { t.Fatalf("membership left after Leave") }
    if cur, _ := h.mr.ZMembers("queue:z:3+2"); len(cur) != 0 { t.Fatalf("still pooled: %v", cur) }
}

func TestJoin_StaleCandidatePurged(t *testing.T) {
    h := newHarness(t)
    h.guest(t, "ghost", "ghost", 1500)
    h.guest(t, "c2", "bob", 1500)
    h.join(t, "ghost")
    h.live.dead["ghost"] = true

    out := h.join(t, "c2")
    if out.Status != StatusWaiting { t.Fatalf("paired with stale conn: %+v", out) }
    if h.mr.Exists("queue:member:ghost") { t.Fatalf("stale member not purged") }
    members, _ := h.mr.ZMembers("queue:z:5+0")
    if len(members) != 1 || members[0] != "c2" { t.Fatalf("pool = %v", members) }
}

func TestJoin_BadTimeControl(t *testing.T) {
    h := newHarness(t)
    if _, err := h.q.Join(context.Background(), "c1", 0, 0); !errors.Is(err, match.ErrBadTimeControl) { t.Fatalf("want BAD_TIME_CONTROL, got %v", err) }
}
