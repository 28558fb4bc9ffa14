// Command arenacheck is a smoke test against a running arena server:
// it hits /healthz over HTTP and then opens the WebSocket to wait for the hello frame.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type frame struct {
	Type string         `json:"type"`
	ID   *int64         `json:"id,omitempty"`
	OK   *bool          `json:"ok,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

func main() {
	baseURL := strings.TrimRight(os.Getenv("ARENA_BASE_URL"), "/")
	wsURL := os.Getenv("ARENA_WS_URL")
	token := os.Getenv("ARENA_TOKEN")

	if baseURL == "" {
		log.Fatal("ARENA_BASE_URL is required")
	}

	status, body, err := fasthttp.GetTimeout(nil, baseURL+"/healthz", 5*time.Second)
	if err != nil {
		log.Printf("/healthz error: %v", err)
	} else {
		log.Printf("/healthz status=%d body=%s", status, body)
	}

	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	}
	if token != "" {
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL += sep + "token=" + token
	} else {
		wsURL += "?guestId=arenacheck&name=arenacheck"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		log.Fatalf("WS dial error: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	var hello frame
	if err := wsjson.Read(ctx, c, &hello); err != nil {
		log.Fatalf("WS read error: %v", err)
	}
	fmt.Printf("WS frame type=%s data=%v\n", hello.Type, hello.Data)

	id := int64(1)
	if err := wsjson.Write(ctx, c, frame{Type: "queue:leave", ID: &id}); err != nil {
		log.Printf("WS write error: %v", err)
		return
	}
	for {
		var f frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			log.Printf("WS read error: %v", err)
			return
		}
		if f.Type != "ack" {
			fmt.Printf("WS frame type=%s data=%v\n", f.Type, f.Data)
			continue
		}
		if f.ID != nil && *f.ID == id {
			log.Printf("WS round trip ok=%v", f.OK != nil && *f.OK)
			return
		}
	}
}
