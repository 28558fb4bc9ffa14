// Package matchmaking pairs waiting players of one time control by rating.
package matchmaking

import (
    "context"
    "crypto/rand"
    _ "embed"
    "errors"
    "fmt"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"

    "github.com/park285/cheese-arena/internal/match"
    "github.com/park285/cheese-arena/internal/obslog"
    "github.com/park285/cheese-arena/internal/rating"
    "github.com/park285/cheese-arena/internal/session"
)

//go:embed pair.lua
var pairSource string

var pairScript = redis.NewScript(pairSource)

const (
    ttlMember   = 30 * time.Minute
    pairRetries = 3

    maxInitialMin = 180
    maxIncSec     = 180

    ReasonActiveGame = "ACTIVE_GAME"
)

type Status string

const (
    StatusWaiting Status = "waiting"
    StatusMatched Status = "matched"
    StatusBlocked Status = "blocked"
)

// Outcome tells the joining connection what happened.
type Outcome struct {
    Status Status
    GameID string
    Color  match.Color // set when matched
    Reason string      // set when blocked
}

// Matched is the payload sent to both paired connections.
type Matched struct {
    GameID    string `json:"gameId"`
    Color     string `json:"color"`
    Initial   int    `json:"initial"`
    Increment int    `json:"increment"`
}

// Liveness reports whether a connection is still attached to this server.
type Liveness interface {
    IsLive(connID string) bool
}

type Notifier interface {
    Matched(connID string, m Matched)
}

// Sessions is the part of the session registry the queue needs.
type Sessions interface {
    IdentityOf(ctx context.Context, connID string) string
    DisplayName(ctx context.Context, connID, identity string) string
    ActiveMatch(ctx context.Context, identity string, live session.LiveCheck) (string, error)
    SetActive(ctx context.Context, identity, matchID string) error
    BindConn(ctx context.Context, connID, matchID string) error
}

type Ratings interface {
    ForQueue(ctx context.Context, identity, speed string) int
}

type Config struct {
    Redis    redis.UniversalClient
    Engine   *match.Engine
    Sessions Sessions
    Ratings  Ratings
    Live     Liveness
    Notify   Notifier
    Now      func() time.Time
    Logger   *zap.Logger
}

type Queue struct {
    rdb      redis.UniversalClient
    engine   *match.Engine
    sessions Sessions
    ratings  Ratings
    live     Liveness
    notify   Notifier
    now      func() time.Time
    log      *zap.Logger
}

func New(cfg Config) (*Queue, error) {
    if cfg.Redis == nil || cfg.Engine == nil || cfg.Sessions == nil || cfg.Ratings == nil || cfg.Live == nil {
        return nil, errors.New("matchmaking: redis, engine, sessions, ratings and liveness are required")
    }
    q := &Queue{rdb: cfg.Redis, engine: cfg.Engine, sessions: cfg.Sessions, ratings: cfg.Ratings, live: cfg.Live, notify: cfg.Notify, now: cfg.Now, log: cfg.Logger}
    if q.now == nil { q.now = time.Now }
    if q.log == nil { q.log = obslog.L() }
    return q, nil
}

func bucketKey(initialMin, incSec int) string { return fmt.Sprintf("queue:z:%d+%d", initialMin, incSec) }
func memberKey(conn string) string            { return "queue:member:" + conn }
func joinedAtKey(conn string) string          { return "queue:joinedAt:" + conn }

// Join enters conn into the pool for initialMin+incSec and tries to pair it right away.
func (q *Queue) Join(ctx context.Context, conn string, initialMin, incSec int) (Outcome, error) {
    if initialMin <= 0 || initialMin > maxInitialMin || incSec < 0 || incSec > maxIncSec {
        return Outcome{}, match.ErrBadTimeControl
    }
    bucket := bucketKey(initialMin, incSec)
    identity := q.sessions.IdentityOf(ctx, conn)

    active, err := q.sessions.ActiveMatch(ctx, identity, q.engine.IsLive)
    if err != nil { return Outcome{}, err }
    if active != "" {
        return Outcome{Status: StatusBlocked, GameID: active, Reason: ReasonActiveGame}, nil
    }

    already, err := q.rdb.Get(ctx, memberKey(conn)).Result()
    if err != nil && !errors.Is(err, redis.Nil) { return Outcome{}, err }
    if already == bucket { return Outcome{Status: StatusWaiting}, nil }
    if already != "" {
        if err := q.cleanup(ctx, conn, already); err != nil { return Outcome{}, err }
    }

    initialMs, incMs := int64(initialMin)*60_000, int64(incSec)*1000
    score := q.ratings.ForQueue(ctx, identity, rating.SpeedFromClock(initialMs, incMs))
    nowMs := q.now().UnixMilli()

    pipe := q.rdb.TxPipeline()
    pipe.ZAdd(ctx, bucket, redis.Z{Score: float64(score), Member: conn})
    pipe.Set(ctx, memberKey(conn), bucket, ttlMember)
    pipe.Set(ctx, joinedAtKey(conn), strconv.FormatInt(nowMs, 10), ttlMember)
    if _, err := pipe.Exec(ctx); err != nil { return Outcome{}, err }

    opponent := ""
    for try := 0; try < pairRetries; try++ {
        cand, err := q.pair(ctx, bucket, conn, score, identity)
        if err != nil { return Outcome{}, err }
        if cand == "" { break }
        if !q.live.IsLive(cand) {
            q.log.Info("queue_stale_candidate", zap.String("conn_id", cand))
            if err := q.cleanupStale(ctx, cand); err != nil { return Outcome{}, err }
            if err := q.rdb.ZAdd(ctx, bucket, redis.Z{Score: float64(score), Member: conn}).Err(); err != nil { return Outcome{}, err }
            continue
        }
        opponent = cand
        break
    }
    if opponent == "" {
        return Outcome{Status: StatusWaiting}, nil
    }

    if err := q.cleanup(ctx, conn, ""); err != nil { return Outcome{}, err }
    if err := q.cleanup(ctx, opponent, ""); err != nil { return Outcome{}, err }

    rec, err := q.start(ctx, conn, identity, opponent, initialMs, incMs)
    if err != nil { return Outcome{}, err }

    mine := match.White
    if rec.Black.ConnID == conn { mine = match.Black }
    if q.notify != nil {
        for _, c := range []match.Color{match.White, match.Black} {
            q.notify.Matched(rec.Side(c).ConnID, Matched{GameID: rec.ID, Color: c.Code(), Initial: initialMin, Increment: incSec})
        }
    }
    q.log.Info("queue_matched",
        zap.String("match_id", rec.ID),
        zap.String("bucket", bucket),
        zap.String("white", rec.White.Identity),
        zap.String("black", rec.Black.Identity),
    )
    return Outcome{Status: StatusMatched, GameID: rec.ID, Color: mine}, nil
}

func (q *Queue) pair(ctx context.Context, bucket, conn string, score int, identity string) (string, error) {
    nowMs := q.now().UnixMilli()
    res, err := pairScript.Run(ctx, q.rdb, []string{bucket}, conn, score, identity, nowMs).Slice()
    if errors.Is(err, redis.Nil) { return "", nil }
    if err != nil { return "", fmt.Errorf("pair script: %w", err) }
    if len(res) == 0 { return "", nil }
    cand, _ := res[0].(string)
    return cand, nil
}

// start creates the rated match and records pointers for both players.
func (q *Queue) start(ctx context.Context, me, myIdentity, opp string, initialMs, incMs int64) (*match.Record, error) {
    oppIdentity := q.sessions.IdentityOf(ctx, opp)
    a := match.Player{ConnID: me, Identity: myIdentity, Name: q.sessions.DisplayName(ctx, me, myIdentity)}
    b := match.Player{ConnID: opp, Identity: oppIdentity, Name: q.sessions.DisplayName(ctx, opp, oppIdentity)}
    heads, err := coinFlip()
    if err != nil { return nil, err }
    if !heads { a, b = b, a }

    rec, err := q.engine.CreatePaired(ctx, match.PairParams{White: a, Black: b, InitialMs: initialMs, IncrementMs: incMs, Rated: true})
    if err != nil { return nil, err }
    for _, p := range []match.Player{a, b} {
        if err := q.sessions.SetActive(ctx, p.Identity, rec.ID); err != nil { return nil, err }
        if err := q.sessions.BindConn(ctx, p.ConnID, rec.ID); err != nil { return nil, err }
    }
    return rec, nil
}

func coinFlip() (bool, error) {
    var b [1]byte
    if _, err := rand.Read(b[:]); err != nil { return false, err }
    return b[0]&1 == 1, nil
}

// Leave removes conn from whatever pool it is in.
func (q *Queue) Leave(ctx context.Context, conn string) error {
    bucket, err := q.rdb.Get(ctx, memberKey(conn)).Result()
    if errors.Is(err, redis.Nil) { return nil }
    if err != nil { return err }
    return q.cleanup(ctx, conn, bucket)
}

func (q *Queue) cleanup(ctx context.Context, conn, bucket string) error {
    pipe := q.rdb.TxPipeline()
    if bucket != "" { pipe.ZRem(ctx, bucket, conn) }
    pipe.Del(ctx, memberKey(conn), joinedAtKey(conn))
    _, err := pipe.Exec(ctx)
    return err
}

func (q *Queue) cleanupStale(ctx context.Context, conn string) error {
    bucket, err := q.rdb.Get(ctx, memberKey(conn)).Result()
    if err != nil && !errors.Is(err, redis.Nil) { return err }
    return q.cleanup(ctx, conn, bucket)
}
