// Package websocket fans engine events out to connected observers and routes
// their start/stop commands back to the engine.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"r2clone/internal/events"
	"r2clone/internal/logging"
	"r2clone/internal/metrics"
)

// CommandHandler executes observer commands.
type CommandHandler interface {
	// HandleStart starts jobID and returns the new run ID.
	HandleStart(ctx context.Context, jobID string, params json.RawMessage) (string, error)
	// HandleStop stops jobID, or every active job when jobID is empty, and
	// returns the stopped job IDs.
	HandleStop(jobID string) ([]string, error)
}

type direct struct {
	client *Client
	data   []byte
}

// Hub maintains the set of active clients and broadcasts events to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Tagged events from every active execution
	broadcast chan events.Event

	// Replies meant for a single client
	reply chan direct

	register   chan *Client
	unregister chan *Client

	handler CommandHandler
	metrics *metrics.Metrics
	log     *logging.Logger

	mu   sync.RWMutex
	quit chan struct{}
	once sync.Once
}

// NewHub creates a new hub. handler may be nil for a broadcast-only hub.
func NewHub(handler CommandHandler, m *metrics.Metrics, log *logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan events.Event, 256),
		reply:      make(chan direct, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		handler:    handler,
		metrics:    m,
		log:        log.Named("hub"),
		quit:       make(chan struct{}),
	}
}

// SetHandler installs the command handler. Call before Run.
func (h *Hub) SetHandler(handler CommandHandler) {
	h.handler = handler
}

// Run runs the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.ObserverConnected()
			h.log.Debug("Observer connected", "clients", n)

		case client := <-h.unregister:
			h.drop(client)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.WithError(err).Error("Failed to encode event", "type", ev.Type)
				continue
			}
			h.metrics.EventBroadcast(string(ev.Type))
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.log.Warn("Dropping slow observer")
				h.drop(client)
			}

		case r := <-h.reply:
			h.mu.RLock()
			_, ok := h.clients[r.client]
			if ok {
				select {
				case r.client.send <- r.data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop unregisters client and closes its send channel; only the hub loop
// calls it.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.metrics.ObserverDisconnected()
		h.log.Debug("Observer disconnected", "clients", n)
	}
}

func (h *Hub) shutdown() {
	h.once.Do(func() { close(h.quit) })
	h.mu.Lock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		h.metrics.ObserverDisconnected()
	}
	h.mu.Unlock()
}

// Attach forwards the events of one execution, tagged with jobID, until ch is
// closed. Events of one execution keep their order.
func (h *Hub) Attach(jobID string, ch <-chan events.Event) {
	go func() {
		for ev := range ch {
			ev.JobID = jobID
			h.Publish(ev)
		}
	}()
}

// Publish queues ev for every client. It blocks while the hub is busy rather
// than dropping the event, and returns false once the hub has stopped.
func (h *Hub) Publish(ev events.Event) bool {
	select {
	case h.broadcast <- ev:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) replyTo(client *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode reply")
		return
	}
	select {
	case h.reply <- direct{client: client, data: data}:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleCommand runs one observer command and answers the sender only.
func (h *Hub) handleCommand(ctx context.Context, client *Client, cmd events.Command) {
	reply := events.Reply{
		Type:      events.ReplyType(cmd.Type),
		RequestID: cmd.RequestID,
		JobID:     cmd.JobID,
	}

	switch {
	case cmd.Type == events.CommandPing:
		reply.OK = true
	case h.handler == nil:
		reply.Error = "commands are not accepted"
	case cmd.Type == events.CommandStart:
		if cmd.JobID == "" {
			reply.Error = "jobId is required"
			break
		}
		runID, err := h.handler.HandleStart(ctx, cmd.JobID, cmd.Params)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.OK = true
		reply.RunID = runID
	case cmd.Type == events.CommandStop:
		stopped, err := h.handler.HandleStop(cmd.JobID)
		if err != nil {
			reply.Error = err.Error()
			break
		}
		reply.OK = true
		reply.Stopped = stopped
	default:
		reply.Type = "error"
		reply.Error = "unknown command " + cmd.Type
	}

	if reply.Error != "" {
		h.log.WithJob(cmd.JobID).Debug("Command rejected", "type", cmd.Type, "error", reply.Error)
	}
	h.replyTo(client, reply)
}
