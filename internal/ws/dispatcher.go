package ws

import (
	"go.uber.org/zap"

	"github.com/mealmatch/realtime/internal/protocol"
)

// MessageHandler handles one decoded client envelope.
type MessageHandler func(conn *Connection, env protocol.Envelope)

// MessageDispatcher routes inbound envelopes to handlers by type. Ping is
// answered internally with pong. Malformed frames and unregistered types are
// logged and dropped; the connection stays open.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log.Named("dispatch"),
	}
}

// Register associates a handler with a message type, replacing any previous
// handler. Registration must finish before the server starts reading.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the OnMessage hook implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		d.log.Warn("dropping malformed frame",
			zap.String("conn_id", conn.ID),
			zap.String("user_id", conn.UserID),
			zap.Error(err))
		return
	}

	if env.Type == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		d.log.Debug("ignoring unsupported message type",
			zap.String("type", env.Type),
			zap.String("conn_id", conn.ID))
		return
	}
	handler(conn, env)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewMessage(protocol.TypePong, nil)
	if err != nil {
		d.log.Error("build pong", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug("send pong failed", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}
