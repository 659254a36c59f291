package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pagecollab/internal/broadcast"
	"pagecollab/internal/doc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	replyQueueSize = 16
)

// Inbound socket messages.
const (
	msgHeartbeat = "heartbeat"
	msgPosition  = "position"
	msgSteps     = "steps"
)

type clientMessage struct {
	Type          string    `json:"type"`
	RequestID     string    `json:"requestId,omitempty"`
	Anchor        int       `json:"anchor"`
	Head          int       `json:"head"`
	BaseVersionID string    `json:"baseVersionId"`
	Steps         doc.Steps `json:"steps"`
}

type replyMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Result    any    `json:"result,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func newUpgrader(corsOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" || corsOrigin == "*" {
				return true
			}
			return origin == corsOrigin
		},
	}
}

// socketConn pairs one websocket with a session's subscriber queue. Only
// writeLoop writes to the socket.
type socketConn struct {
	ws      *websocket.Conn
	service *Service
	caller  Caller
	session string
	page    string
	sub     *broadcast.Subscriber
	replies chan replyMessage
	logger  zerolog.Logger
}

// handleSocket streams a session's events. Closing the socket does not end
// the session; it lapses through the heartbeat timeout unless the client
// reconnects or leaves.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request, caller Caller, sessionID string) {
	own, sub, err := s.service.Subscription(caller, sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("websocket upgrade failed")
		return
	}

	conn := &socketConn{
		ws:      ws,
		service: s.service,
		caller:  caller,
		session: own.ID,
		page:    own.PageEntityID,
		sub:     sub,
		replies: make(chan replyMessage, replyQueueSize),
		logger:  s.logger.With().Str("sessionId", own.ID).Str("pageEntityId", own.PageEntityID).Logger(),
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go conn.writeLoop(ctx)
	conn.readLoop(ctx)
}

func (c *socketConn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := decodeClientMessage(raw)
		if err != nil {
			c.rejectMessage(msg.RequestID, err)
			continue
		}
		c.handle(ctx, msg)
	}
}

// decodeClientMessage keeps the request id of a message whose body does
// not decode so the rejection can be matched by the client.
func decodeClientMessage(raw []byte) (clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		var envelope struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(raw, &envelope)
		return clientMessage{RequestID: envelope.RequestID}, err
	}
	return msg, nil
}

// rejectMessage answers a malformed message; the connection stays open.
func (c *socketConn) rejectMessage(requestID string, err error) {
	var invalidStep *doc.InvalidStepError
	if errors.As(err, &invalidStep) {
		c.replyError(requestID, invalidStep)
		return
	}
	c.reply(replyMessage{Type: "error", RequestID: requestID, Code: "INVALID_BODY", Error: err.Error()})
}

func (c *socketConn) handle(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case msgHeartbeat:
		if _, err := c.service.Heartbeat(ctx, c.caller, c.session); err != nil {
			c.replyError(msg.RequestID, err)
		}
	case msgPosition:
		if err := c.service.PublishPosition(ctx, c.caller, c.session, msg.Anchor, msg.Head); err != nil {
			c.replyError(msg.RequestID, err)
		}
	case msgSteps:
		result, err := c.service.SubmitSteps(ctx, c.caller, c.page, SubmitStepsInput{
			BaseVersionID: msg.BaseVersionID,
			SessionID:     c.session,
			Steps:         msg.Steps,
		})
		if err != nil {
			c.replyError(msg.RequestID, err)
			return
		}
		c.reply(replyMessage{Type: "ack", RequestID: msg.RequestID, Result: result})
	default:
		c.reply(replyMessage{Type: "error", RequestID: msg.RequestID, Code: "UNKNOWN_MESSAGE", Error: "unknown message type " + msg.Type})
	}
}

func (c *socketConn) replyError(requestID string, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error().Err(err).Msg("socket request failed")
	}
	c.reply(replyMessage{Type: "error", RequestID: requestID, Code: code, Error: message, Details: details})
}

func (c *socketConn) reply(msg replyMessage) {
	select {
	case c.replies <- msg:
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("reply queue full, dropping")
	}
}

func (c *socketConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case ev := <-c.sub.Events():
			if !c.write(ev) {
				return
			}
		case msg := <-c.replies:
			if !c.write(msg) {
				return
			}
		case <-c.sub.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *socketConn) write(payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode socket message")
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Debug().Err(err).Msg("websocket write failed")
		return false
	}
	return true
}
