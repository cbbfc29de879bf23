package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"r2clone/internal/events"
	"r2clone/internal/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next message or pong from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
	// Reconnect delay
	reconnectDelay = 5 * time.Second
)

// Frame is one message from the server: an event or a direct reply.
type Frame struct {
	Type      string          `json:"type"`
	JobID     string          `json:"jobId,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Time      time.Time       `json:"time"`

	// Set on replies
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	Stopped []string `json:"stopped,omitempty"`
}

// Observer is a reconnecting observer connection.
type Observer struct {
	wsURL  string
	dialer *websocket.Dialer
	log    *logging.Logger
	retry  time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	reconnect bool
	send      chan []byte
	stop      chan struct{}

	frames chan Frame
}

// NewObserver creates an observer for the server at baseURL.
func NewObserver(baseURL, token string, log *logging.Logger) (*Observer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	return &Observer{
		wsURL:     u.String(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:       log.Named("observer"),
		retry:     reconnectDelay,
		reconnect: true,
		frames:    make(chan Frame, 256),
	}, nil
}

// Connect establishes the websocket connection
func (o *Observer) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.conn != nil {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	conn, _, err := o.dialer.DialContext(ctx, o.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect WebSocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	send := make(chan []byte, 64)
	stop := make(chan struct{})

	o.mu.Lock()
	o.conn = conn
	o.send = send
	o.stop = stop
	o.mu.Unlock()

	o.log.Debug("Observer connected", "url", o.wsURL)
	go o.readPump(conn)
	go o.writePump(conn, send, stop)
	return nil
}

// Close disconnects and disables reconnects. Frames is closed afterwards.
func (o *Observer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reconnect = false
	if o.stop != nil {
		close(o.stop)
		o.stop = nil
	}
	if o.conn != nil {
		err := o.conn.Close()
		o.conn = nil
		return err
	}
	return nil
}

// Frames delivers every frame received, across reconnects.
func (o *Observer) Frames() <-chan Frame {
	return o.frames
}

// Send queues a command.
func (o *Observer) Send(cmd events.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	o.mu.Lock()
	send := o.send
	connected := o.conn != nil
	o.mu.Unlock()
	if !connected {
		return fmt.Errorf("not connected")
	}

	select {
	case send <- data:
		return nil
	default:
		return fmt.Errorf("send queue full, command dropped")
	}
}

// IsConnected returns whether the observer is connected
func (o *Observer) IsConnected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn != nil
}

func (o *Observer) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		o.mu.Lock()
		if o.conn == conn {
			o.conn = nil
			if o.stop != nil {
				close(o.stop)
				o.stop = nil
			}
		}
		again := o.reconnect
		o.mu.Unlock()

		if again {
			go o.reconnectLoop()
		} else {
			close(o.frames)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.log.WithError(err).Warn("WebSocket read failed")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			o.log.WithError(err).Warn("Failed to decode frame")
			continue
		}
		select {
		case o.frames <- f:
		default:
			o.log.Warn("Frame queue full, dropping frame", "type", f.Type)
		}
	}
}

// writePump is the only writer of conn.
func (o *Observer) writePump(conn *websocket.Conn, send <-chan []byte, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconnectLoop attempts to reconnect when connection is lost
func (o *Observer) reconnectLoop() {
	for {
		time.Sleep(o.retry)

		o.mu.Lock()
		again := o.reconnect
		o.mu.Unlock()
		if !again {
			close(o.frames)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := o.Connect(ctx)
		cancel()
		if err == nil {
			o.log.Info("WebSocket reconnected")
			return
		}
		o.log.WithError(err).Warn("WebSocket reconnect failed", "retry_in", o.retry)
	}
}
