// Package session tracks who is behind each connection: identity, display name,
// presence, and which match a connection or identity is bound to.
package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/auth"
	"github.com/park285/cheese-arena/internal/ident"
	"github.com/park285/cheese-arena/internal/obslog"
)

const (
	ttlSocketMeta   = time.Hour
	ttlIdentityName = 24 * time.Hour
	ttlLastActive   = 365 * 24 * time.Hour
	ttlActiveGame   = 6 * time.Hour
	ttlActiveGamesZ = 7 * 24 * time.Hour
	ttlConnBinding  = 6 * time.Hour

	maxGuestIDLen = 64
	maxNameLen    = 24
	minTokenLen   = 10
)

func socketIdentityKey(conn string) string { return "socket:" + conn + ":identity" }
func socketNameKey(conn string) string     { return "socket:" + conn + ":name" }
func socketMatchKey(conn string) string    { return "socket:" + conn }
func identityNameKey(id string) string     { return "identity:" + id + ":name" }
func activeGameKey(id string) string       { return "activeGame:" + id }
func activeGamesZKey(id string) string     { return "activeGamesZ:" + id }
func presenceKey(uid string) string        { return "presence:user:" + uid }
func lastActiveKey(uid string) string      { return presenceKey(uid) + ":lastActive" }
func presenceNameKey(uid string) string    { return presenceKey(uid) + ":name" }
func usernameIndexKey(un string) string    { return "presence:username:" + un }

// clearIfEquals deletes KEYS[1] only while it still holds ARGV[1].
var clearIfEquals = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Credentials is what a client presents on identify.
type Credentials struct {
	Token   string
	GuestID string
	Name    string
}

// Identified is the outcome of Identify.
type Identified struct {
	Identity      string
	Name          string
	UserID        string
	Username      string // normalized, only for authenticated users
	Authenticated bool
}

// Registry keeps per-connection session state in Redis.
type Registry struct {
	rdb      redis.UniversalClient
	verifier auth.Verifier
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(r *Registry) { r.log = l } }

func NewRegistry(rdb redis.UniversalClient, verifier auth.Verifier, opts ...Option) *Registry {
	r := &Registry{rdb: rdb, verifier: verifier, now: time.Now, log: obslog.L()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeUsername lowercases and strips all whitespace.
func NormalizeUsername(u string) string {
	return strings.Join(strings.Fields(strings.ToLower(u)), "")
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) > n {
		return string(rs[:n])
	}
	return s
}

// Identify resolves the connection's identity and records its session keys.
// A token that fails verification silently falls back to a guest identity.
func (r *Registry) Identify(ctx context.Context, connID string, c Credentials) (Identified, error) {
	var out Identified
	if r.verifier != nil && len(c.Token) > minTokenLen {
		claims, err := r.verifier.Verify(ctx, c.Token)
		if err == nil && claims.UserID != "" {
			out.Identity = ident.User(claims.UserID)
			out.UserID = claims.UserID
			out.Name = strings.TrimSpace(claims.Username)
			out.Authenticated = true
		} else if err != nil {
			r.log.Debug("identify_token_rejected", zap.String("conn_id", connID), zap.Error(err))
		}
	}
	if out.Identity == "" {
		gid := truncateRunes(strings.TrimSpace(c.GuestID), maxGuestIDLen)
		if gid == "" {
			gid = connID
		}
		out.Identity = ident.Guest(gid)
	}
	if !out.Authenticated {
		out.Name = truncateRunes(strings.TrimSpace(c.Name), maxNameLen)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, socketIdentityKey(connID), out.Identity, ttlSocketMeta)
	if out.Name != "" {
		pipe.Set(ctx, identityNameKey(out.Identity), out.Name, ttlIdentityName)
		pipe.Set(ctx, socketNameKey(connID), out.Name, ttlSocketMeta)
	}
	if out.Authenticated {
		pipe.Set(ctx, presenceKey(out.UserID), "1", 0)
		pipe.Set(ctx, lastActiveKey(out.UserID), strconv.FormatInt(r.now().UnixMilli(), 10), ttlLastActive)
		if un := NormalizeUsername(out.Name); un != "" {
			out.Username = un
			pipe.Set(ctx, presenceNameKey(out.UserID), un, 0)
			pipe.Set(ctx, usernameIndexKey(un), out.UserID, ttlLastActive)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Identified{}, err
	}
	return out, nil
}

// IdentityOf returns the connection's identity, falling back to a guest key derived from the connection id.
func (r *Registry) IdentityOf(ctx context.Context, connID string) string {
	if v, err := r.rdb.Get(ctx, socketIdentityKey(connID)).Result(); err == nil && v != "" {
		return v
	}
	short := connID
	if len(short) > 8 {
		short = short[:8]
	}
	return ident.Guest(short)
}

// NameOf returns the connection's display name, then the identity's remembered name, else "".
func (r *Registry) NameOf(ctx context.Context, connID, identity string) string {
	if v, err := r.rdb.Get(ctx, socketNameKey(connID)).Result(); err == nil && v != "" {
		return v
	}
	if identity != "" {
		if v, err := r.rdb.Get(ctx, identityNameKey(identity)).Result(); err == nil {
			return v
		}
	}
	return ""
}

// DisplayName resolves the name shown to opponents: the identity's name, then the
// connection's, else "Guest" plus the first four characters of the connection id.
func (r *Registry) DisplayName(ctx context.Context, connID, identity string) string {
	if identity != "" {
		if v, err := r.rdb.Get(ctx, identityNameKey(identity)).Result(); err == nil && v != "" {
			return v
		}
	}
	if v, err := r.rdb.Get(ctx, socketNameKey(connID)).Result(); err == nil && v != "" {
		return v
	}
	short := connID
	if len(short) > 4 {
		short = short[:4]
	}
	return "Guest" + short
}

// LiveCheck reports whether a match id still refers to an unfinished match.
type LiveCheck func(ctx context.Context, matchID string) (bool, error)

// ActiveMatch returns identity's current match pointer. Stale pointers are dropped on read.
func (r *Registry) ActiveMatch(ctx context.Context, identity string, live LiveCheck) (string, error) {
	id, err := r.rdb.Get(ctx, activeGameKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if live == nil {
		return id, nil
	}
	ok, err := live(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := r.ClearActive(ctx, identity, id); err != nil {
			r.log.Warn("active_match_cleanup_error", zap.String("identity", identity), zap.Error(err))
		}
		return "", nil
	}
	return id, nil
}

// SetActive points identity at matchID and records it in the recent-match index.
func (r *Registry) SetActive(ctx context.Context, identity, matchID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, activeGameKey(identity), matchID, ttlActiveGame)
	pipe.ZAdd(ctx, activeGamesZKey(identity), redis.Z{Score: float64(r.now().UnixMilli()), Member: matchID})
	pipe.Expire(ctx, activeGamesZKey(identity), ttlActiveGamesZ)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearActive drops the pointer only if it still names matchID.
func (r *Registry) ClearActive(ctx context.Context, identity, matchID string) error {
	if identity == "" || matchID == "" {
		return nil
	}
	pipe := r.rdb.TxPipeline()
	clearIfEquals.Eval(ctx, pipe, []string{activeGameKey(identity)}, matchID)
	pipe.ZRem(ctx, activeGamesZKey(identity), matchID)
	_, err := pipe.Exec(ctx)
	return err
}

// RecentMatches lists identity's recently active match ids, newest first.
func (r *Registry) RecentMatches(ctx context.Context, identity string, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.rdb.ZRevRange(ctx, activeGamesZKey(identity), 0, limit-1).Result()
}

// BindConn ties a connection to the match it is playing.
func (r *Registry) BindConn(ctx context.Context, connID, matchID string) error {
	return r.rdb.Set(ctx, socketMatchKey(connID), matchID, ttlConnBinding).Err()
}

// ConnMatch returns the match bound to connID, or "".
func (r *Registry) ConnMatch(ctx context.Context, connID string) (string, error) {
	v, err := r.rdb.Get(ctx, socketMatchKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Registry) UnbindConn(ctx context.Context, connID string) error {
	return r.rdb.Del(ctx, socketMatchKey(connID)).Err()
}

// PresenceStatus describes a user looked up by normalized username.
type PresenceStatus struct {
	Username     string `json:"username"`
	Online       bool   `json:"online"`
	LastActiveAt int64  `json:"lastActiveAt,omitempty"`
}

// Presence reports the status of username. known is false when no account ever identified under it.
func (r *Registry) Presence(ctx context.Context, username string) (PresenceStatus, bool, error) {
	un := NormalizeUsername(username)
	st := PresenceStatus{Username: un}
	if un == "" {
		return st, false, nil
	}
	uid, err := r.rdb.Get(ctx, usernameIndexKey(un)).Result()
	if errors.Is(err, redis.Nil) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	vals, err := r.rdb.MGet(ctx, presenceKey(uid), lastActiveKey(uid)).Result()
	if err != nil {
		return st, true, err
	}
	if s, ok := vals[0].(string); ok && s == "1" {
		st.Online = true
	}
	if s, ok := vals[1].(string); ok {
		st.LastActiveAt, _ = strconv.ParseInt(s, 10, 64)
	}
	return st, true, nil
}

// Departure is what Disconnect learned about a leaving authenticated user.
type Departure struct {
	Identity     string
	Username     string
	LastActiveAt int64
}

// Disconnect clears the connection's session keys and marks an authenticated user offline.
func (r *Registry) Disconnect(ctx context.Context, connID string) (Departure, error) {
	var dep Departure
	identity, err := r.rdb.Get(ctx, socketIdentityKey(connID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return dep, err
	}
	dep.Identity = identity

	pipe := r.rdb.TxPipeline()
	if uid, ok := ident.UserID(identity); ok {
		now := r.now().UnixMilli()
		dep.LastActiveAt = now
		if un, err := r.rdb.Get(ctx, presenceNameKey(uid)).Result(); err == nil {
			dep.Username = un
		}
		pipe.Set(ctx, lastActiveKey(uid), strconv.FormatInt(now, 10), ttlLastActive)
		pipe.Del(ctx, presenceKey(uid), presenceNameKey(uid))
	}
	pipe.Del(ctx, socketIdentityKey(connID), socketNameKey(connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return dep, err
	}
	return dep, nil
}
