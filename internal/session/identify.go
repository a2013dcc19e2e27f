package session

import (
	"encoding/json"
	"fmt"

	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

// RejectError is returned when a connection fails admission. The connection
// has already been closed with Code.
type RejectError struct {
	Code   int
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("connection rejected (%d): %s", e.Code, e.Reason)
}

// Identify matches the claimed device against the expected devices of an
// open event and admits the connection on a unique match.
func (r *Registry) Identify(connID string, eventID int64, deviceID string) error {
	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.device != nil {
		return ErrAlreadyIdentified
	}

	ev, ok := r.events[eventID]
	if !ok || ev.closing {
		r.logger.Info("could not find open event", zap.Int64("eventID", eventID))
		return r.reject(c, CloseEventNotOpen, fmt.Sprintf("No open event found with id: %d", eventID))
	}

	matches := ev.devicesWithID(deviceID)
	switch len(matches) {
	case 0:
		r.logger.Info("could not open socket, device not found",
			zap.String("deviceID", deviceID), zap.Int64("eventID", eventID))
		return r.reject(c, CloseDeviceNotRegistered, "Devices must be registered via HTTP before opening a WebSocket connection")
	case 1:
	default:
		r.logger.Warn("data integrity: event has devices with identical identifiers",
			zap.String("deviceID", deviceID),
			zap.Int64("eventID", eventID),
			zap.Int("matches", len(matches)))
		return r.reject(c, CloseDuplicateDevice, "Duplicate device identifiers")
	}

	d := matches[0]
	if d.Connected() {
		r.logger.Info("device already has a live connection",
			zap.String("deviceID", deviceID), zap.String("connectionID", d.connID))
		return r.reject(c, CloseDeviceConnected, "Device already connected")
	}

	if err := r.Admit(ev, d, c); err != nil {
		r.logger.DPanic("admit after successful match", zap.String("deviceID", deviceID), zap.Error(err))
		return err
	}

	payload, err := json.Marshal(model.ResultMessage{Result: model.ResultSuccess})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := c.transport.Send(payload); err != nil {
		r.logger.Warn("failed to send identification result",
			zap.String("connectionID", c.ID), zap.Error(err))
	}

	r.Broadcast(ev)
	return nil
}

func (r *Registry) reject(c *Connection, code int, reason string) error {
	r.drop(c, code, reason)
	return &RejectError{Code: code, Reason: reason}
}

// drop stops tracking an unidentified connection and closes it.
func (r *Registry) drop(c *Connection, code int, reason string) {
	delete(r.conns, c.ID)
	c.liveness = Terminated
	if err := c.transport.Close(code, reason); err != nil {
		r.logger.Warn("failed to close connection",
			zap.String("connectionID", c.ID), zap.Error(err))
		_ = c.transport.Terminate()
	}
}
