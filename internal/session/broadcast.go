package session

import (
	"encoding/json"

	"github.com/vmorsell/cohort-live/pkg/model"
	"go.uber.org/zap"
)

// Snapshot lists every expected device of the event with its connectedness.
func (r *Registry) Snapshot(ev *Event) []model.DeviceState {
	states := make([]model.DeviceState, len(ev.Devices))
	for i, d := range ev.Devices {
		states[i] = model.DeviceState{ID: d.ID, Connected: d.Connected()}
	}
	return states
}

// Broadcast sends the event's snapshot to each connected admin device and
// returns the number of successful sends.
func (r *Registry) Broadcast(ev *Event) int {
	var observers []*Connection
	for _, d := range ev.Devices {
		if !d.IsAdmin || !d.Connected() {
			continue
		}
		if c, ok := r.conns[d.connID]; ok {
			observers = append(observers, c)
		}
	}
	if len(observers) == 0 {
		return 0
	}

	payload, err := json.Marshal(model.StatusMessage{EventID: ev.ID, Status: r.Snapshot(ev)})
	if err != nil {
		r.logger.Error("failed to marshal device states", zap.Int64("eventID", ev.ID), zap.Error(err))
		return 0
	}

	sent := 0
	for _, c := range observers {
		if err := c.transport.Send(payload); err != nil {
			r.logger.Warn("failed to send device states",
				zap.Int64("eventID", ev.ID),
				zap.String("connectionID", c.ID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
