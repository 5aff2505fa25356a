package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// EventError is the reply event for failed requests.
const EventError = "error"

// HandlerFunc processes one request event. A nil reply with a nil error means
// fire-and-forget: nothing is sent back.
type HandlerFunc func(ctx context.Context, c *Client, data json.RawMessage) (interface{}, error)

// Router dispatches incoming messages to their typed handlers and builds the
// reply envelope. Errors always travel on the originating request's reply,
// tagged with its id.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

// NewRouter creates an empty dispatch table.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{handlers: make(map[string]HandlerFunc), logger: logger}
}

// Handle registers a handler for an event name.
func (r *Router) Handle(event string, h HandlerFunc) {
	r.handlers[event] = h
}

// Dispatch runs the handler for msg and replies on the same connection.
func (r *Router) Dispatch(ctx context.Context, c *Client, msg WSMessage) {
	h, ok := r.handlers[msg.Event]
	if !ok {
		r.replyError(c, msg.ID, ErrNotFound("unknown event: "+msg.Event))
		return
	}
	reply, err := h(ctx, c, msg.Data)
	if err != nil {
		e := AsError(err)
		if e.Kind == KindService {
			r.logger.Error("request failed",
				zap.String("event", msg.Event),
				zap.String("conn_id", c.ID),
				zap.String("error", e.Message))
		}
		r.replyError(c, msg.ID, e)
		return
	}
	if reply == nil {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.replyError(c, msg.ID, ErrService(err))
		return
	}
	c.trySend(WSMessage{ID: msg.ID, Event: msg.Event, Data: data})
}

func (r *Router) replyError(c *Client, id string, e *Error) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.trySend(WSMessage{ID: id, Event: EventError, Data: data})
}
