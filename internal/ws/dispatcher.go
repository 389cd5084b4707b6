package ws

import (
	"context"
	"log"
	"time"

	"github.com/taptext/chat/internal/apperr"
	"github.com/taptext/chat/internal/protocol"
)

// handlerTimeout bounds the engine call made for one client message.
const handlerTimeout = 5 * time.Second

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMsg, protocol.HistoryMsg).
type MessageHandler func(ctx context.Context, conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given server.
// The server reference is used to drop connections whose session ended.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s user=%s: %v", conn.ID, conn.Username, err)
		d.sendError(conn, apperr.KindValidation.String(), "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler, answered without registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, apperr.KindValidation.String(), "unsupported_type", "unsupported message type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	handler(ctx, conn, msg)
}

// Fail reports err to the client. An auth error means the session is gone,
// so the connection is closed after the frame is written.
func (d *MessageDispatcher) Fail(conn *Connection, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Printf("ws: request failed conn=%s user=%s: %v", conn.ID, conn.Username, err)
		d.sendError(conn, "internal", "internal", apperr.UserMessage(err))
		return
	}

	d.sendError(conn, e.Kind.String(), e.Code, apperr.UserMessage(err))
	if e.Kind == apperr.KindAuth && d.server != nil {
		d.server.RemoveConnection(conn)
	}
}

// Reply encodes payload as msgType and writes it to conn.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", msgType, conn.ID, err)
	}
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, kind, code, message string) {
	d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{
		Kind:    kind,
		Code:    code,
		Message: message,
	})
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	d.Reply(conn, protocol.TypePong, protocol.PongMsg{})
}
