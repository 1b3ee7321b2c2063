package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zulandar/signalbox/internal/actor"
)

// sendBuffer is the per-viewer outbound channel depth. A viewer that falls
// this far behind starts losing messages rather than stalling the actor.
const sendBuffer = 256

// promptRetries bounds the internal retry when a prompt races the
// subscribe handshake on the same connection.
const (
	promptRetries    = 3
	promptRetryDelay = 50 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Session-scoped tokens are the access control; the gateway serves
	// browser clients from any origin behind the router.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// typeMalformed marks a client payload that failed to decode. It never
// arrives from a well-behaved client; readClientMessage synthesizes it.
const typeMalformed = "malformed"

// clientMessage is the client-to-actor wire form.
type clientMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Content  string `json:"content,omitempty"`
	Model    string `json:"model,omitempty"`
}

// handleWS upgrades a viewer connection and bridges it onto the session
// actor. The first message must be subscribe; its token (or the token query
// parameter) is verified by the actor before the viewer sees any state.
func (g *gateway) handleWS(c *gin.Context) {
	sessionID := c.Param("id")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	conn := newWSConn(ws)
	go conn.writePump()
	defer conn.close()

	readTimeout := g.cfg.Server.ReadTimeout
	ws.SetReadDeadline(time.Now().Add(readTimeout))

	// Handshake: one subscribe message, then the actor owns the viewer.
	first, err := readClientMessage(ws)
	if err != nil {
		return
	}
	if first.Type != "subscribe" {
		conn.CloseWithCode(actor.CloseAuthFailed, "subscribe required")
		return
	}
	token := first.Token
	if token == "" {
		token = c.Query("token")
	}
	if first.ClientID != "" {
		conn.id = first.ClientID
	}

	a, err := g.reg.Get(sessionID)
	if err != nil {
		if errors.Is(err, actor.ErrSessionNotFound) {
			conn.CloseWithCode(actor.CloseSessionExpired, "session expired")
		} else {
			conn.CloseWithCode(websocket.CloseInternalServerErr, "session unavailable")
		}
		return
	}

	err = a.Subscribe(conn, actor.SubscribeInfo{
		Token:    token,
		ClientID: conn.id,
		UserID:   c.Query("userId"),
		Name:     firstNonEmpty(c.Query("name"), c.Query("userId")),
		Avatar:   c.Query("avatar"),
	})
	if err != nil {
		conn.CloseWithCode(actor.CloseAuthFailed, "authentication failed")
		return
	}
	defer a.Detach(conn.id)

	for {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		msg, err := readClientMessage(ws)
		if err != nil {
			return
		}
		g.dispatchClientMessage(a, conn, msg)
	}
}

// dispatchClientMessage routes one parsed client message to the actor.
func (g *gateway) dispatchClientMessage(a *actor.Actor, conn *wsConn, msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		// Already subscribed; a duplicate is harmless noise.
	case "prompt":
		if err := promptWithRetry(a, conn.id, msg.Content, msg.Model); err != nil {
			conn.Send(actor.ServerMessage{Type: actor.MsgError, Code: "PromptRejected", Error: err.Error()})
		}
	case "stop":
		if err := a.Stop(conn.id); err != nil {
			conn.Send(actor.ServerMessage{Type: actor.MsgError, Code: "StopRejected", Error: err.Error()})
		}
	case "typing":
		a.Typing(conn.id)
	case "ping":
		a.Ping(conn.id)
	case typeMalformed:
		conn.Send(actor.ServerMessage{Type: actor.MsgError, Code: "BadMessage", Error: "malformed client message"})
	default:
		conn.Send(actor.ServerMessage{Type: actor.MsgError, Code: "UnknownMessage", Error: "unknown message type: " + msg.Type})
	}
}

// promptWithRetry absorbs the race where a prompt lands while the subscribe
// handshake is still settling. The retry is short and bounded; anything
// still unsubscribed after it is a real error.
func promptWithRetry(a *actor.Actor, connID, content, model string) error {
	var err error
	for attempt := 0; attempt <= promptRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(promptRetryDelay)
		}
		err = a.Prompt(connID, content, model)
		if !errors.Is(err, actor.ErrNotSubscribed) {
			return err
		}
	}
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func readClientMessage(ws *websocket.Conn) (clientMessage, error) {
	var msg clientMessage
	_, data, err := ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{Type: typeMalformed}, nil
	}
	return msg, nil
}

// wsConn adapts a websocket connection to the actor's Conn interface: a
// buffered outbound channel drained by a single write pump, so Send never
// blocks the actor and all writes happen on one goroutine.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan actor.ServerMessage
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan actor.ServerMessage, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues a message for the write pump, dropping when the viewer is too
// far behind. A dropped message never stalls the session.
func (c *wsConn) Send(msg actor.ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		log.Printf("gateway: viewer %s lagging, message dropped", c.id)
	}
}

// CloseWithCode sends a close frame with the given code and tears the
// connection down. Safe to call from the actor.
func (c *wsConn) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
	c.ws.Close()
}

func (c *wsConn) writePump() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
