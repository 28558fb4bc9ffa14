package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/match"
	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rating"
)

// Ratings looks up a displayed rating when a match has no settlement snapshot yet.
type Ratings interface {
	Current(ctx context.Context, identity, speed string) int
}

// Presenter turns records into client payloads.
type Presenter struct {
	ratings Ratings
	now     func() time.Time
}

func NewPresenter(ratings Ratings, now func() time.Time) *Presenter {
	if now == nil {
		now = time.Now
	}
	return &Presenter{ratings: ratings, now: now}
}

// Snapshot is the state push, with current ratings filled in until the match is settled.
func (p *Presenter) Snapshot(ctx context.Context, r *match.Record) match.Snapshot {
	s := match.NewSnapshot(r, p.now().UnixMilli())
	if s.WhiteRating != nil || p.ratings == nil {
		return s
	}
	speed := rating.SpeedFromClock(r.InitialMs, r.IncrementMs)
	if r.White.Identity != "" {
		w := p.ratings.Current(ctx, r.White.Identity, speed)
		s.WhiteRating = &w
	}
	if r.Black.Identity != "" {
		b := p.ratings.Current(ctx, r.Black.Identity, speed)
		s.BlackRating = &b
	}
	return s
}

func (p *Presenter) Ended(r *match.Record) Ended {
	e := Ended{GameID: r.ID, Winner: r.Winner, Reason: r.FinishReason}
	if rs := r.Ratings; rs != nil {
		wa, ba := rs.WhiteAfter, rs.BlackAfter
		wd, bd := rs.WhiteDiff(), rs.BlackDiff()
		e.WhiteRating, e.BlackRating = &wa, &ba
		e.WhiteRatingDiff, e.BlackRatingDiff = &wd, &bd
	}
	return e
}

// Hub owns the live connections on this node and their topic subscriptions.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	topics map[string]map[string]*Conn

	present *Presenter
	log     *zap.Logger
}

func NewHub(present *Presenter, logger *zap.Logger) *Hub {
	if present == nil {
		present = NewPresenter(nil, nil)
	}
	if logger == nil {
		logger = obslog.L()
	}
	return &Hub{conns: make(map[string]*Conn), topics: make(map[string]map[string]*Conn), present: present, log: logger}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// Unregister forgets c and drops all of its subscriptions.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	for topic, subs := range h.topics {
		if subs[c.id] == c {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
}

// IsLive reports whether connID is attached here. Matchmaking uses it to skip stale candidates.
func (h *Hub) IsLive(connID string) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	return ok && !c.closed()
}

func (h *Hub) Subscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*Conn)
		h.topics[topic] = subs
	}
	subs[connID] = c
}

func (h *Hub) Unsubscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.topics[topic]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Publish sends p to every subscriber of topic.
func (h *Hub) Publish(topic string, p Push) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.Send(p)
	}
}

// SendTo delivers p to a single connection if it is attached here.
func (h *Hub) SendTo(connID string, p Push) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(p)
}

// Matched subscribes a freshly paired connection to its match and tells it so.
func (h *Hub) Matched(connID string, m matchmaking.Matched) {
	h.Subscribe(connID, gameTopic(m.GameID))
	h.SendTo(connID, Push{Type: PushQueueMatched, Data: m})
}

// State broadcasts the current snapshot of r to its match topic.
func (h *Hub) State(r *match.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.Publish(gameTopic(r.ID), Push{Type: PushGameState, Data: h.present.Snapshot(ctx, r)})
}

// Ended broadcasts the terminal notification of r.
func (h *Hub) Ended(r *match.Record) {
	h.Publish(gameTopic(r.ID), Push{Type: PushGameEnded, Data: h.present.Ended(r)})
	h.log.Debug("ws_game_ended", zap.String("match_id", r.ID), zap.Int("subscribers", h.Subscribers(gameTopic(r.ID))))
}
