package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"herfa/api/internal/chat"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest client frame accepted.
	maxFrameSize = 32 << 10

	sendBuffer = 256
)

const (
	frameReady    = "ready"
	frameMessage  = "message"
	frameState    = "state"
	frameNotice   = "notice"
	frameRedirect = "redirect"
	frameSent     = "sent"
	frameSend     = "send"
)

// frame is one JSON WebSocket message in either direction.
type frame struct {
	Type     string        `json:"type"`
	View     *chat.View    `json:"view,omitempty"`
	Message  *chat.Message `json:"message,omitempty"`
	Notice   *chat.Notice  `json:"notice,omitempty"`
	State    chat.State    `json:"state,omitempty"`
	Sending  bool          `json:"sending,omitempty"`
	Redirect string        `json:"redirect,omitempty"`
	Text     string        `json:"text,omitempty"`
}

var noticeBadFrame = chat.Notice{Code: "invalid_frame", Text: "Unsupported frame.", Level: "warning"}

// handleChatSocket serves the live view of a job thread. The access token may
// come from the Authorization header or the access_token query parameter,
// since browsers cannot set headers on WebSocket requests. A missing or
// invalid token is reported as a redirect frame, not an HTTP error.
func (s *HTTPServer) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobID"]
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	principalID := ""
	if token != "" {
		if session, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			principalID = session.UserID
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", slog.String("job_id", jobID), slog.Any("err", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := s.logger.With(slog.String("job_id", jobID), slog.String("request_id", requestID(r.Context())))
	client := newChatClient(conn, logger)
	go client.writePump()

	session, outcome := s.service.OpenChat(ctx, principalID, jobID, client.observe)
	defer session.Close()

	if outcome.State != chat.StateReady {
		client.enqueue(frame{Type: frameRedirect, State: outcome.State, Redirect: outcome.Redirect, Notice: outcome.Notice})
		client.close()
		<-client.stopped
		return
	}

	client.start(session.Snapshot)
	client.readPump(ctx, session)
	client.close()
	<-client.stopped
}

// chatClient is one WebSocket connection bound to a chat.Session.
type chatClient struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	send    chan frame
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu    sync.Mutex
	ready bool
}

func newChatClient(conn *websocket.Conn, logger *slog.Logger) *chatClient {
	return &chatClient{
		conn:    conn,
		logger:  logger,
		send:    make(chan frame, sendBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// start queues the ready frame. Session events observed before it are
// already part of the snapshot and are not forwarded.
func (c *chatClient) start(snapshot func() chat.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := snapshot()
	c.enqueue(frame{Type: frameReady, View: &view})
	c.ready = true
}

func (c *chatClient) observe(evt chat.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return
	}
	switch evt.Type {
	case chat.EventMessage:
		c.enqueue(frame{Type: frameMessage, Message: evt.Message})
	case chat.EventNotice:
		c.enqueue(frame{Type: frameNotice, Notice: evt.Notice})
	case chat.EventState:
		c.enqueue(frame{Type: frameState, State: evt.State, Sending: evt.Sending})
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *chatClient) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		c.logger.Warn("websocket client too slow, closing")
		c.close()
		return false
	}
}

func (c *chatClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *chatClient) readPump(ctx context.Context, session *chat.Session) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read", slog.Any("err", err))
			}
			return
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil || in.Type != frameSend {
			notice := noticeBadFrame
			c.enqueue(frame{Type: frameNotice, Notice: &notice})
			continue
		}
		if err := session.Send(ctx, in.Text); err != nil {
			if errors.Is(err, chat.ErrNotReady) {
				return
			}
			continue
		}
		c.enqueue(frame{Type: frameSent})
	}
}

// writePump owns all writes to the connection. On shutdown it flushes queued
// frames, sends a close frame and closes the connection.
func (c *chatClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.stopped)
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.write(f); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case f := <-c.send:
					if err := c.write(f); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *chatClient) write(f frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}
