package hub

import (
	"encoding/json"
	"errors"

	"github.com/vmorsell/cohort-live/internal/session"
	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

type messageShape string

const (
	shapeIdentify messageShape = "identify"
	shapeUnknown  messageShape = "unknown"
)

type messageHandler func(h *Hub, connID string, raw []byte)

var handlers = map[messageShape]messageHandler{
	shapeIdentify: (*Hub).handleIdentify,
}

func shapeOf(fields map[string]json.RawMessage) messageShape {
	_, hasEvent := fields["eventId"]
	_, hasDevice := fields["deviceId"]
	_, hasGUID := fields["guid"]
	if hasEvent && (hasDevice || hasGUID) {
		return shapeIdentify
	}
	return shapeUnknown
}

func (h *Hub) dispatch(connID string, data []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		h.logger.Warn("received invalid JSON in message from client",
			zap.String("connectionID", connID), zap.Error(err))
		return
	}

	handle, ok := handlers[shapeOf(fields)]
	if !ok {
		h.logger.Debug("ignoring message with unknown shape", zap.String("connectionID", connID))
		return
	}
	handle(h, connID, data)
}

func (h *Hub) handleIdentify(connID string, raw []byte) {
	var msg model.IdentifyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("received invalid identification message",
			zap.String("connectionID", connID), zap.Error(err))
		return
	}
	deviceID := msg.Identifier()
	if msg.EventID == nil || deviceID == "" {
		h.logger.Warn("identification message missing deviceId or eventId", zap.String("connectionID", connID))
		return
	}

	err := h.registry.Identify(connID, int64(*msg.EventID), deviceID)

	var reject *session.RejectError
	switch {
	case err == nil:
	case errors.As(err, &reject):
		h.logger.Info("rejected connection",
			zap.String("connectionID", connID),
			zap.String("deviceID", deviceID),
			zap.Int64("eventID", int64(*msg.EventID)),
			zap.Int("code", reject.Code))
	case errors.Is(err, session.ErrAlreadyIdentified):
		h.logger.Warn("ignoring identification from an identified connection", zap.String("connectionID", connID))
	default:
		h.logger.Error("failed to identify connection", zap.String("connectionID", connID), zap.Error(err))
	}
}
