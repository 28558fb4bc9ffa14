// Package ws is the client-facing WebSocket transport: a tagged JSON envelope per frame,
// an ack for every request that carries an id, and server pushes fanned out by topic.
package ws

import (
	"encoding/json"

	"github.com/park285/cheese-arena/internal/match"
)

// Request types.
const (
	TypeIdentify            = "user:identify"
	TypeGameCreate          = "game:create"
	TypeGameJoin            = "game:join"
	TypeGameMove            = "game:move"
	TypeGameResign          = "game:resign"
	TypeGameDrawOffer       = "game:draw_offer"
	TypeGameDrawAccept      = "game:draw_accept"
	TypeGameDrawDecline     = "game:draw_decline"
	TypeGameAbort           = "game:abort"
	TypeGameClaimWin        = "game:claim_win"
	TypeGameRequestSync     = "game:request_sync"
	TypeGameReconnected     = "game:reconnected"
	TypeQueueJoin           = "queue:join"
	TypeQueueLeave          = "queue:leave"
	TypePresenceSubscribe   = "presence:subscribe"
	TypePresenceUnsubscribe = "presence:unsubscribe"
)

// Push types.
const (
	PushHello           = "server:hello"
	PushAck             = "ack"
	PushGameState       = "game:state"
	PushGameEnded       = "game:ended"
	PushDrawOffered     = "game:draw_offered"
	PushDrawDeclined    = "game:draw_declined"
	PushQueueWaiting    = "queue:waiting"
	PushQueueMatched    = "queue:matched"
	PushQueueBlocked    = "queue:blocked"
	PushActiveGame      = "user:active_game"
	PushPresenceOnline  = "presence:online"
	PushPresenceOffline = "presence:offline"
	PushPresenceStatus  = "presence:status"
)

var (
	ErrBadRequest  = &match.Error{Code: "BAD_REQUEST", Message: "malformed request"}
	ErrUnknownType = &match.Error{Code: "UNKNOWN_TYPE", Message: "unknown request type"}
	ErrBadUsername = &match.Error{Code: "BAD_USERNAME", Message: "username required"}
)

// Envelope is one inbound frame.
type Envelope struct {
	Type string          `json:"type"`
	ID   *int64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Push is one outbound frame that is not an ack.
type Push struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Ack answers the request with the same id.
type Ack struct {
	Type    string `json:"type"`
	ID      int64  `json:"id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type identifyReq struct {
	Token   string `json:"token"`
	GuestID string `json:"guestId"`
	Name    string `json:"name"`
}

type createReq struct {
	Initial   *int `json:"initial"`
	Increment *int `json:"increment"`
}

type joinReq struct {
	GameID   string `json:"gameId"`
	JoinCode string `json:"joinCode"`
}

type moveReq struct {
	GameID    string `json:"gameId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion"`
}

type gameReq struct {
	GameID string `json:"gameId"`
}

type queueJoinReq struct {
	Initial   int `json:"initial"`
	Increment int `json:"increment"`
}

type presenceReq struct {
	Username string `json:"username"`
}

type helloData struct {
	ID string `json:"id"`
}

type identifyResp struct {
	Identity      string `json:"identity"`
	Name          string `json:"name,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

type seatResp struct {
	GameID   string `json:"gameId"`
	JoinCode string `json:"joinCode,omitempty"`
	Color    string `json:"color"`
}

type queueResp struct {
	Status string `json:"status"`
	GameID string `json:"gameId,omitempty"`
	Color  string `json:"color,omitempty"`
}

type gameRef struct {
	GameID string `json:"gameId"`
}

type drawOffered struct {
	GameID string `json:"gameId"`
	By     string `json:"by"`
}

type queueWaiting struct {
	Initial   int `json:"initial"`
	Increment int `json:"increment"`
}

type queueBlocked struct {
	Reason string `json:"reason"`
	GameID string `json:"gameId,omitempty"`
}

type presenceEvent struct {
	Username     string `json:"username"`
	LastActiveAt int64  `json:"lastActiveAt,omitempty"`
}

// Ended is the terminal notification, sent once per match.
type Ended struct {
	GameID          string `json:"gameId"`
	Winner          string `json:"winner,omitempty"`
	Reason          string `json:"reason"`
	WhiteRating     *int   `json:"whiteRating,omitempty"`
	BlackRating     *int   `json:"blackRating,omitempty"`
	WhiteRatingDiff *int   `json:"whiteRatingDiff,omitempty"`
	BlackRatingDiff *int   `json:"blackRatingDiff,omitempty"`
}

func gameTopic(id string) string     { return "game:" + id }
func presenceTopic(un string) string { return "presence:" + un }

// decode unmarshals data into v. An empty payload leaves v at its zero value.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrBadRequest
	}
	return nil
}
