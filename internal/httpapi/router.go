// Package httpapi exposes the WebSocket endpoint, health and read-only archive queries over gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/archive"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/rating"
	"github.com/park285/cheese-arena/internal/session"
)

// Presence answers online status by username.
type Presence interface {
	Presence(ctx context.Context, username string) (session.PresenceStatus, bool, error)
}

type Config struct {
	Mode        string
	EnablePprof bool
	WS          http.Handler
	Repo        archive.Repository
	Redis       redis.UniversalClient
	Presence    Presence
	Logger      *zap.Logger
}

type handler struct {
	repo     archive.Repository
	rdb      redis.UniversalClient
	presence Presence
	log      *zap.Logger
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	h := &handler{repo: cfg.Repo, rdb: cfg.Redis, presence: cfg.Presence, log: cfg.Logger}
	if h.log == nil {
		h.log = obslog.L()
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())
	if cfg.EnablePprof {
		pprof.Register(r)
	}
	if cfg.WS != nil {
		r.GET("/ws", gin.WrapH(cfg.WS))
	}
	r.GET("/healthz", h.healthz)

	api := r.Group("/api")
	api.GET("/games/:id", h.getGame)
	api.GET("/users/:userId/games", h.listGames)
	api.GET("/users/:userId/ratings", h.listRatings)
	api.GET("/users/:userId/stats", h.stats)
	if h.presence != nil {
		api.GET("/presence/:username", h.getPresence)
	}
	return r
}

func (h *handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/ws" {
			return
		}
		h.log.Debug("http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (h *handler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, archive.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "NOT_FOUND"})
		return
	}
	h.log.Error("http_"+op+"_error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "INTERNAL"})
}

func (h *handler) healthz(c *gin.Context) {
	if h.rdb != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "redis": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handler) getGame(c *gin.Context) {
	g, err := h.repo.GetGame(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get_game", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": g})
}

func (h *handler) listGames(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	games, err := h.repo.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		h.fail(c, "list_games", err)
		return
	}
	if games == nil {
		games = []archive.Game{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": games})
}

// listRatings returns one row per speed; speeds never played show the starting rating.
func (h *handler) listRatings(c *gin.Context) {
	userID := c.Param("userId")
	rows, err := h.repo.ListRatings(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "list_ratings", err)
		return
	}
	bySpeed := make(map[string]archive.Rating, len(rows))
	for _, r := range rows {
		bySpeed[r.Speed] = r
	}
	init := rating.Initial()
	out := make([]archive.Rating, 0, len(rating.Speeds))
	for _, sp := range rating.Speeds {
		if r, ok := bySpeed[sp]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, archive.Rating{UserID: userID, Speed: sp, Rating: int(init.Rating), RD: int(init.RD), Vol: init.Vol, Provisional: true})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": out})
}

type statsResp struct {
	Total   int             `json:"total"`
	Wins    int             `json:"wins"`
	Losses  int             `json:"losses"`
	Draws   int             `json:"draws"`
	WinRate int             `json:"winRate"`
	BySpeed []archive.Stats `json:"bySpeed"`
}

func (h *handler) stats(c *gin.Context) {
	rows, err := h.repo.Stats(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, "stats", err)
		return
	}
	out := statsResp{BySpeed: rows}
	if out.BySpeed == nil {
		out.BySpeed = []archive.Stats{}
	}
	for _, r := range rows {
		out.Total += r.Games
		out.Wins += r.Wins
		out.Losses += r.Losses
		out.Draws += r.Draws
	}
	if out.Total > 0 {
		out.WinRate = (out.Wins*100 + out.Total/2) / out.Total
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": out})
}

func (h *handler) getPresence(c *gin.Context) {
	un := session.NormalizeUsername(c.Param("username"))
	if strings.TrimSpace(un) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "BAD_USERNAME"})
		return
	}
	st, known, err := h.presence.Presence(c.Request.Context(), un)
	if err != nil {
		h.fail(c, "presence", err)
		return
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": st})
}
