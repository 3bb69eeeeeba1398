// internal/messaging/client.go

package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/imadgeboyega/kiekky-chatsync/internal/common/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const commandTimeout = 30 * time.Second

// Client is one websocket connection of a user. Commands are applied in the
// order they arrive; updates from the runtime are written by writePump.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	runtime *Runtime

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, rt *Runtime) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, maxQueuedMessages),
		userID:  userID,
		runtime: rt,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("component", "chat_ws").Str("user_id", c.userID).Msg("websocket read failed")
			}
			return
		}
		c.processMessage(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage applies one command and queues its response.
func (c *Client) processMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(NewWSResponse("", "", nil, errors.Wrap(err, "malformed frame")))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	result, err := c.dispatch(ctx, msg)
	c.enqueue(NewWSResponse(msg.RequestID, msg.Type, result, err))
}

func (c *Client) dispatch(ctx context.Context, msg WSMessage) (interface{}, error) {
	coord := c.runtime.Coordinator

	switch msg.Type {
	case WSTypeOpen:
		var p WSOpenPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		if err := coord.Open(ctx, p.ConversationID); err != nil {
			return nil, err
		}
		return coord.Timeline(), nil

	case WSTypeClose:
		coord.Close()
		return nil, nil

	case WSTypeSend:
		var p WSSendPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		return coord.SendText(ctx, p.Body, p.ReplyToID)

	case WSTypeRead:
		return nil, coord.MarkRead(ctx)

	case WSTypeTyping:
		var p WSTypingPayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		return nil, coord.SetTyping(ctx, p.Typing)

	case WSTypeOlder:
		n, err := coord.LoadOlder(ctx)
		if err != nil {
			return nil, err
		}
		return WSOlderResult{Loaded: n, HasMoreOlder: coord.HasMoreOlder()}, nil

	case WSTypeDelete:
		var p WSDeletePayload
		if err := decodePayload(msg.Data, &p); err != nil {
			return nil, err
		}
		return nil, coord.DeleteMessage(ctx, p.MessageID)
	}
	return nil, errors.Errorf("unknown command %q", msg.Type)
}

func decodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	return utils.ValidateStruct(v)
}

// enqueue drops the client when its buffer is full.
func (c *Client) enqueue(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("component", "chat_ws").Str("user_id", c.userID).Msg("client send buffer full, dropping connection")
		go c.hub.Unregister(c)
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}
