package match

import (
    "context"
    "crypto/rand"
    "encoding/json"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

const (
    ttlMatch     = 24 * time.Hour
    ttlJoinCode  = 24 * time.Hour
    ttlDrawOffer = 60 * time.Second

    maxUpdateAttempts = 8
    joinCodeLen       = 7
)

// Mutator edits a freshly loaded record inside an optimistic transaction.
// commit=false leaves the stored record untouched; err is handed back to the caller either way.
type Mutator func(r *Record) (commit bool, err error)

// Store keeps match records in Redis. There is no in-process locking:
// every write is a WATCH/MULTI read-modify-write on the record key.
type Store struct{ rdb redis.UniversalClient }

func NewStore(rdb redis.UniversalClient) *Store { return &Store{rdb: rdb} }

func matchKey(id string) string     { return "match:" + strings.TrimSpace(id) }
func drawOfferKey(id string) string { return matchKey(id) + ":drawOfferBy" }
func joinKey(code string) string    { return "join:" + strings.ToUpper(strings.TrimSpace(code)) }
func liveKey() string               { return "match:live" }
func unsettledKey() string          { return "match:unsettled" }

func encodeRecord(r *Record) ([]byte, error) { return json.Marshal(r) }

func decodeRecord(raw []byte) (*Record, error) {
    var r Record
    if err := json.Unmarshal(raw, &r); err != nil { return nil, fmt.Errorf("decode match record: %w", err) }
    if r.Moves == nil { r.Moves = []MoveEntry{} }
    return &r, nil
}

// Create stores a brand new record and registers it as live in one transaction.
func (s *Store) Create(ctx context.Context, r *Record) error {
    raw, err := encodeRecord(r)
    if err != nil { return err }
    key := matchKey(r.ID)
    err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
        n, err := tx.Exists(ctx, key).Result()
        if err != nil { return err }
        if n > 0 { return ErrMatchExists }
        _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
            pipe.Set(ctx, key, raw, ttlMatch)
            pipe.SAdd(ctx, liveKey(), r.ID)
            return nil
        })
        return err
    }, key)
    if errors.Is(err, redis.TxFailedErr) { return ErrMatchExists }
    if err != nil { return fmt.Errorf("create match %s: %w", r.ID, err) }
    return nil
}

// Load returns the record or ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
    if strings.TrimSpace(id) == "" { return nil, ErrNotFound }
    raw, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
    if err == redis.Nil { return nil, ErrNotFound }
    if err != nil { return nil, err }
    return decodeRecord(raw)
}

// Update runs fn against the current record and writes it back in full when fn commits.
// Concurrent writers make the transaction fail; fn is then re-run on fresh state.
// A finished record may only have its settlement flags changed.
func (s *Store) Update(ctx context.Context, id string, fn Mutator) (*Record, error) {
    key := matchKey(id)
    var (
        out   *Record
        fnErr error
    )
    txf := func(tx *redis.Tx) error {
        out, fnErr = nil, nil
        raw, err := tx.Get(ctx, key).Bytes()
        if err == redis.Nil { return ErrNotFound }
        if err != nil { return err }
        cur, err := decodeRecord(raw)
        if err != nil { return err }

        prevState, prevWinner, prevReason := cur.State, cur.Winner, cur.FinishReason
        commit, ferr := fn(cur)
        out, fnErr = cur, ferr
        if !commit { return nil }

        if cur.State.rank() < prevState.rank() { return ErrStateRegression }
        if prevState == StateFinished && (cur.Winner != prevWinner || cur.FinishReason != prevReason) {
            return ErrStateRegression
        }
        cur.UpdatedAt = time.Now()
        newRaw, err := encodeRecord(cur)
        if err != nil { return err }
        _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
            pipe.Set(ctx, key, newRaw, ttlMatch)
            if cur.Finished() && !cur.EndedEmitted {
                pipe.SRem(ctx, liveKey(), cur.ID)
                pipe.SAdd(ctx, unsettledKey(), cur.ID)
            }
            return nil
        })
        return err
    }

    for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
        err := s.rdb.Watch(ctx, txf, key)
        if err == nil { return out, fnErr }
        if errors.Is(err, redis.TxFailedErr) { continue }
        return nil, err
    }
    return nil, ErrConcurrentUpdates
}

// LiveIDs lists matches the tick loop still has to look at.
func (s *Store) LiveIDs(ctx context.Context) ([]string, error) {
    return s.rdb.SMembers(ctx, liveKey()).Result()
}

// DropLive forgets an id whose record is gone or finished.
func (s *Store) DropLive(ctx context.Context, id string) error {
    return s.rdb.SRem(ctx, liveKey(), id).Err()
}

// UnsettledIDs lists finished matches whose end has not been announced yet.
func (s *Store) UnsettledIDs(ctx context.Context) ([]string, error) {
    return s.rdb.SMembers(ctx, unsettledKey()).Result()
}

// MarkSettled forgets id once its end was announced.
func (s *Store) MarkSettled(ctx context.Context, id string) error {
    return s.rdb.SRem(ctx, unsettledKey(), id).Err()
}

// AllocateJoinCode reserves a fresh invite code pointing at id.
func (s *Store) AllocateJoinCode(ctx context.Context, id string) (string, error) {
    for i := 0; i < 5; i++ {
        code, err := codeGen(joinCodeLen)
        if err != nil { return "", err }
        ok, err := s.rdb.SetNX(ctx, joinKey(code), id, ttlJoinCode).Result()
        if err != nil { return "", err }
        if ok { return code, nil }
    }
    return "", errors.New("join code allocation exhausted")
}

// ResolveJoinCode returns the match id behind code, or ErrNotFound.
func (s *Store) ResolveJoinCode(ctx context.Context, code string) (string, error) {
    if strings.TrimSpace(code) == "" { return "", ErrNotFound }
    id, err := s.rdb.Get(ctx, joinKey(code)).Result()
    if err == redis.Nil { return "", ErrNotFound }
    if err != nil { return "", err }
    return id, nil
}

func (s *Store) DeleteJoinCode(ctx context.Context, code string) error {
    if strings.TrimSpace(code) == "" { return nil }
    return s.rdb.Del(ctx, joinKey(code)).Err()
}

// SetDrawOffer records who offered; the offer expires on its own.
func (s *Store) SetDrawOffer(ctx context.Context, id string, by Color) error {
    return s.rdb.Set(ctx, drawOfferKey(id), string(by), ttlDrawOffer).Err()
}

// DrawOffer returns the offering color, or "" when none is pending.
func (s *Store) DrawOffer(ctx context.Context, id string) (Color, error) {
    v, err := s.rdb.Get(ctx, drawOfferKey(id)).Result()
    if err == redis.Nil { return "", nil }
    if err != nil { return "", err }
    return Color(v), nil
}

func (s *Store) ClearDrawOffer(ctx context.Context, id string) error {
    return s.rdb.Del(ctx, drawOfferKey(id)).Err()
}

// codeGen returns n upper-case alphanumerics.
func codeGen(n int) (string, error) {
    const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
    b := make([]byte, n)
    if _, err := rand.Read(b); err != nil {
        return "", err
    }
    for i := range b {
        b[i] = letters[int(b[i])%len(letters)]
    }
    return string(b), nil
}
