package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/internal/match"
	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/settle"
)

const (
	requestTimeout = 10 * time.Second
	readLimit      = 16 << 10

	defaultInitialMin = 5
)

// Finalizer settles a finished match; emit is true for exactly one caller.
type Finalizer interface {
	Finalize(ctx context.Context, id string) (*match.Record, bool, error)
}

type Config struct {
	Hub            *Hub
	Engine         *match.Engine
	Sessions       *session.Registry
	Queue          *matchmaking.Queue
	Settler        Finalizer
	Catalog        *msgcat.Catalog
	AllowedOrigins []string
	Logger         *zap.Logger
}

type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) (any, error)

// Server upgrades HTTP requests and dispatches client frames.
type Server struct {
	hub      *Hub
	engine   *match.Engine
	sessions *session.Registry
	queue    *matchmaking.Queue
	settler  Finalizer
	catalog  *msgcat.Catalog
	origins  []string
	log      *zap.Logger

	routes map[string]handlerFunc
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Hub == nil || cfg.Engine == nil || cfg.Sessions == nil || cfg.Queue == nil || cfg.Settler == nil {
		return nil, errors.New("ws: hub, engine, sessions, queue and settler are required")
	}
	s := &Server{
		hub: cfg.Hub, engine: cfg.Engine, sessions: cfg.Sessions, queue: cfg.Queue,
		settler: cfg.Settler, catalog: cfg.Catalog, origins: cfg.AllowedOrigins, log: cfg.Logger,
	}
	if s.catalog == nil {
		s.catalog = msgcat.MustDefault()
	}
	if s.log == nil {
		s.log = obslog.L()
	}
	s.routes = map[string]handlerFunc{
		TypeIdentify:            s.handleIdentify,
		TypeGameCreate:          s.handleCreate,
		TypeGameJoin:            s.handleJoin,
		TypeGameMove:            s.handleMove,
		TypeGameResign:          s.handleResign,
		TypeGameDrawOffer:       s.handleDrawOffer,
		TypeGameDrawAccept:      s.handleDrawAccept,
		TypeGameDrawDecline:     s.handleDrawDecline,
		TypeGameAbort:           s.handleAbort,
		TypeGameClaimWin:        s.handleClaimWin,
		TypeGameRequestSync:     s.handleRequestSync,
		TypeGameReconnected:     s.handleReconnected,
		TypeQueueJoin:           s.handleQueueJoin,
		TypeQueueLeave:          s.handleQueueLeave,
		TypePresenceSubscribe:   s.handlePresenceSubscribe,
		TypePresenceUnsubscribe: s.handlePresenceUnsubscribe,
	}
	return s, nil
}

// ServeHTTP accepts the upgrade, identifies the connection from its query
// parameters (token, guestId, name) and runs the read loop until the peer leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.origins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("ws_accept_error", zap.Error(err))
		return
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(uuid.NewString(), wsConn)
	s.hub.Register(c)
	go c.writeLoop(ctx, s.log)
	defer s.disconnect(c)

	c.Send(Push{Type: PushHello, Data: helloData{ID: c.id}})
	q := r.URL.Query()
	creds := identifyReq{Token: q.Get("token"), GuestID: q.Get("guestId"), Name: q.Get("name")}
	if raw, err := json.Marshal(creds); err == nil {
		s.dispatch(ctx, c, Envelope{Type: TypeIdentify, Data: raw})
	}
	s.log.Debug("ws_connected", zap.String("conn_id", c.id))

	for {
		var env Envelope
		if err := wsjson.Read(ctx, wsConn, &env); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && !c.closed() {
				s.log.Debug("ws_read_error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, c, env)
	}
}

// dispatch runs one request and acks it when the client asked for an ack.
func (s *Server) dispatch(ctx context.Context, c *Conn, env Envelope) {
	var (
		data any
		err  error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("ws_handler_panic", zap.String("type", env.Type), zap.String("conn_id", c.id), zap.Any("panic", p), zap.Stack("stack"))
				err = fmt.Errorf("handler panic: %v", p)
			}
		}()
		h, ok := s.routes[env.Type]
		if !ok {
			err = ErrUnknownType
			return
		}
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		data, err = h(rctx, c, env.Data)
	}()

	if env.ID == nil {
		if err != nil {
			s.log.Debug("ws_request_failed", zap.String("type", env.Type), zap.String("conn_id", c.id), zap.Error(err))
		}
		return
	}
	ack := Ack{Type: PushAck, ID: *env.ID, OK: err == nil, Data: data}
	if err != nil {
		ack.Data = nil
		ack.Error = match.CodeOf(err)
		fallback := ""
		var de *match.Error
		if errors.As(err, &de) {
			fallback = de.Message
		} else {
			s.log.Error("ws_request_error", zap.String("type", env.Type), zap.String("conn_id", c.id), zap.Error(err))
		}
		ack.Message = s.catalog.ErrorText(ack.Error, map[string]any{"Type": env.Type}, fallback)
	}
	c.Send(ack)
}

func (s *Server) caller(ctx context.Context, c *Conn) match.Caller {
	return match.Caller{ConnID: c.id, Identity: s.sessions.IdentityOf(ctx, c.id)}
}

// seat records that the caller now plays id: identity pointer, connection binding, topic.
func (s *Server) seat(ctx context.Context, c *Conn, identity, id string) error {
	if err := s.sessions.SetActive(ctx, identity, id); err != nil {
		return err
	}
	if err := s.sessions.BindConn(ctx, c.id, id); err != nil {
		return err
	}
	s.hub.Subscribe(c.id, gameTopic(id))
	return nil
}

// finish settles a match that just ended and broadcasts the outcome.
func (s *Server) finish(ctx context.Context, rec *match.Record) {
	settled, emit, err := s.settler.Finalize(ctx, rec.ID)
	if err != nil {
		// the rating claimant or the next sweep announces the end.
		if !errors.Is(err, settle.ErrRatingsPending) {
			s.log.Error("ws_finalize_error", zap.String("match_id", rec.ID), zap.Error(err))
		}
		s.hub.State(rec)
		return
	}
	s.hub.State(settled)
	if emit {
		s.hub.Ended(settled)
	}
}

func (s *Server) handleIdentify(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req identifyReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	out, err := s.sessions.Identify(ctx, c.id, session.Credentials{Token: req.Token, GuestID: req.GuestID, Name: req.Name})
	if err != nil {
		return nil, err
	}
	if out.Username != "" {
		s.hub.Publish(presenceTopic(out.Username), Push{Type: PushPresenceOnline, Data: presenceEvent{Username: out.Username}})
	}
	active, err := s.sessions.ActiveMatch(ctx, out.Identity, s.engine.IsLive)
	if err != nil {
		s.log.Warn("ws_active_match_error", zap.String("identity", out.Identity), zap.Error(err))
	} else if active != "" {
		c.Send(Push{Type: PushActiveGame, Data: gameRef{GameID: active}})
	}
	return identifyResp{Identity: out.Identity, Name: out.Name, Authenticated: out.Authenticated}, nil
}

func (s *Server) handleCreate(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req createReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	initial, inc := defaultInitialMin, 0
	if req.Initial != nil {
		initial = *req.Initial
	}
	if req.Increment != nil {
		inc = *req.Increment
	}
	who := s.caller(ctx, c)
	rec, err := s.engine.Create(ctx, match.CreateParams{
		Creator:     match.Player{ConnID: c.id, Identity: who.Identity, Name: s.sessions.DisplayName(ctx, c.id, who.Identity)},
		InitialMs:   int64(initial) * 60_000,
		IncrementMs: int64(inc) * 1000,
	})
	if err != nil {
		return nil, err
	}
	if err := s.seat(ctx, c, who.Identity, rec.ID); err != nil {
		return nil, err
	}
	s.hub.State(rec)
	return seatResp{GameID: rec.ID, JoinCode: rec.JoinCode, Color: match.White.Code()}, nil
}

func (s *Server) handleJoin(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req joinReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	who := s.caller(ctx, c)
	rec, err := s.engine.Join(ctx, who, s.sessions.DisplayName(ctx, c.id, who.Identity), req.GameID, req.JoinCode)
	if err != nil {
		return nil, err
	}
	if err := s.seat(ctx, c, who.Identity, rec.ID); err != nil {
		return nil, err
	}
	s.hub.State(rec)
	return seatResp{GameID: rec.ID, JoinCode: rec.JoinCode, Color: match.Black.Code()}, nil
}

func (s *Server) handleMove(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req moveReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.GameID == "" || req.From == "" || req.To == "" {
		return nil, ErrBadRequest
	}
	rec, err := s.engine.Move(ctx, s.caller(ctx, c), match.MoveRequest{MatchID: req.GameID, From: req.From, To: req.To, Promotion: req.Promotion})
	if rec != nil && rec.Finished() {
		s.finish(ctx, rec)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.hub.State(rec)
	return nil, nil
}

func gameID(data json.RawMessage) (string, error) {
	var req gameReq
	if err := decode(data, &req); err != nil {
		return "", err
	}
	if req.GameID == "" {
		return "", ErrBadRequest
	}
	return req.GameID, nil
}

// terminal wraps an engine call that may end the match.
func (s *Server) terminal(op func(ctx context.Context, c match.Caller, id string) (*match.Record, error)) handlerFunc {
	return func(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
		id, err := gameID(data)
		if err != nil {
			return nil, err
		}
		rec, err := op(ctx, s.caller(ctx, c), id)
		if err != nil {
			return nil, err
		}
		s.finish(ctx, rec)
		return nil, nil
	}
}

func (s *Server) handleResign(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	return s.terminal(s.engine.Resign)(ctx, c, data)
}

func (s *Server) handleDrawAccept(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	return s.terminal(s.engine.AcceptDraw)(ctx, c, data)
}

func (s *Server) handleAbort(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	return s.terminal(s.engine.Abort)(ctx, c, data)
}

func (s *Server) handleClaimWin(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	return s.terminal(s.engine.ClaimWin)(ctx, c, data)
}

func (s *Server) handleDrawOffer(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	id, err := gameID(data)
	if err != nil {
		return nil, err
	}
	rec, by, err := s.engine.OfferDraw(ctx, s.caller(ctx, c), id)
	if err != nil {
		return nil, err
	}
	s.hub.SendTo(rec.Side(by.Opponent()).ConnID, Push{Type: PushDrawOffered, Data: drawOffered{GameID: id, By: by.Code()}})
	return nil, nil
}

func (s *Server) handleDrawDecline(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	id, err := gameID(data)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.DeclineDraw(ctx, s.caller(ctx, c), id); err != nil {
		return nil, err
	}
	s.hub.Publish(gameTopic(id), Push{Type: PushDrawDeclined, Data: gameRef{GameID: id}})
	return nil, nil
}

// handleRequestSync returns the full state with move log. Participants are rebound to this connection.
func (s *Server) handleRequestSync(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	id, err := gameID(data)
	if err != nil {
		return nil, err
	}
	rec, color, err := s.rebind(ctx, c, id)
	if err != nil {
		return nil, err
	}
	return s.hub.present.Snapshot(ctx, rec).WithHistory(rec, color), nil
}

func (s *Server) handleReconnected(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	id, err := gameID(data)
	if err != nil {
		return nil, err
	}
	if _, _, err := s.rebind(ctx, c, id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) rebind(ctx context.Context, c *Conn, id string) (*match.Record, match.Color, error) {
	rec, color, err := s.engine.Reconnect(ctx, s.caller(ctx, c), id)
	if err != nil {
		return nil, "", err
	}
	s.hub.Subscribe(c.id, gameTopic(id))
	if color != "" && !rec.Finished() {
		if err := s.sessions.BindConn(ctx, c.id, id); err != nil {
			return nil, "", err
		}
		s.hub.State(rec)
	}
	return rec, color, nil
}

func (s *Server) handleQueueJoin(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req queueJoinReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	out, err := s.queue.Join(ctx, c.id, req.Initial, req.Increment)
	if err != nil {
		return nil, err
	}
	switch out.Status {
	case matchmaking.StatusWaiting:
		c.Send(Push{Type: PushQueueWaiting, Data: queueWaiting{Initial: req.Initial, Increment: req.Increment}})
	case matchmaking.StatusBlocked:
		c.Send(Push{Type: PushQueueBlocked, Data: queueBlocked{Reason: out.Reason, GameID: out.GameID}})
	}
	resp := queueResp{Status: string(out.Status), GameID: out.GameID}
	if out.Color != "" {
		resp.Color = out.Color.Code()
	}
	return resp, nil
}

func (s *Server) handleQueueLeave(ctx context.Context, c *Conn, _ json.RawMessage) (any, error) {
	return nil, s.queue.Leave(ctx, c.id)
}

func (s *Server) handlePresenceSubscribe(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req presenceReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	un := session.NormalizeUsername(req.Username)
	if un == "" {
		return nil, ErrBadUsername
	}
	s.hub.Subscribe(c.id, presenceTopic(un))
	st, known, err := s.sessions.Presence(ctx, un)
	if err != nil {
		return nil, err
	}
	if known {
		c.Send(Push{Type: PushPresenceStatus, Data: st})
	}
	return nil, nil
}

func (s *Server) handlePresenceUnsubscribe(_ context.Context, c *Conn, data json.RawMessage) (any, error) {
	var req presenceReq
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if un := session.NormalizeUsername(req.Username); un != "" {
		s.hub.Unsubscribe(c.id, presenceTopic(un))
	}
	return nil, nil
}

// disconnect runs once per connection after the read loop ends.
func (s *Server) disconnect(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("ws_disconnect_panic", zap.String("conn_id", c.id), zap.Any("panic", p))
		}
	}()
	s.hub.Unregister(c)
	c.close(websocket.StatusNormalClosure, "")

	if err := s.queue.Leave(ctx, c.id); err != nil {
		s.log.Warn("ws_queue_leave_error", zap.String("conn_id", c.id), zap.Error(err))
	}
	if id, err := s.sessions.ConnMatch(ctx, c.id); err != nil {
		s.log.Warn("ws_conn_match_error", zap.String("conn_id", c.id), zap.Error(err))
	} else if id != "" {
		rec, changed, err := s.engine.Disconnect(ctx, c.id, id)
		switch {
		case err != nil && !errors.Is(err, match.ErrNotFound):
			s.log.Warn("ws_match_disconnect_error", zap.String("match_id", id), zap.Error(err))
		case changed:
			s.hub.State(rec)
		}
		_ = s.sessions.UnbindConn(ctx, c.id)
	}
	dep, err := s.sessions.Disconnect(ctx, c.id)
	if err != nil {
		s.log.Warn("ws_session_disconnect_error", zap.String("conn_id", c.id), zap.Error(err))
		return
	}
	if dep.Username != "" {
		s.hub.Publish(presenceTopic(dep.Username), Push{Type: PushPresenceOffline, Data: presenceEvent{Username: dep.Username, LastActiveAt: dep.LastActiveAt}})
	}
	s.log.Debug("ws_disconnected", zap.String("conn_id", c.id), zap.String("identity", dep.Identity))
}
