package session

import (
	"sort"

	"go.uber.org/zap"
)

// Registry maps live connections to devices and devices to the open events
// they are expected in.
type Registry struct {
	logger *zap.Logger
	events map[int64]*Event
	conns  map[string]*Connection
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		events: make(map[int64]*Event),
		conns:  make(map[string]*Connection),
	}
}

func (r *Registry) Event(id int64) (*Event, bool) {
	ev, ok := r.events[id]
	return ev, ok
}

// Events returns the loaded events ordered by id.
func (r *Registry) Events() []*Event {
	events := make([]*Event, 0, len(r.events))
	for _, ev := range r.events {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

func (r *Registry) Connection(id string) (*Connection, bool) {
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) ConnectionCount() int {
	return len(r.conns)
}

// Accept starts tracking a connection that has not identified yet.
func (r *Registry) Accept(c *Connection) {
	r.conns[c.ID] = c
}

// Load makes an event visible to the matcher.
func (r *Registry) Load(ev *Event) error {
	if _, ok := r.events[ev.ID]; ok {
		return ErrEventAlreadyLoaded
	}
	r.events[ev.ID] = ev
	r.logger.Info("event loaded",
		zap.Int64("eventID", ev.ID),
		zap.String("label", ev.Label),
		zap.Int("devices", len(ev.Devices)))
	r.Broadcast(ev)
	return nil
}

// CheckIn adds a newly registered device to a loaded event. It reports false
// if the event is not loaded or already expects a device with that id.
func (r *Registry) CheckIn(eventID int64, d *Device) bool {
	ev, ok := r.events[eventID]
	if !ok || ev.hasDevice(d.ID) {
		return false
	}
	d.connID = ""
	ev.Devices = append(ev.Devices, d)
	r.logger.Info("device checked in", zap.Int64("eventID", eventID), zap.String("deviceID", d.ID))
	r.Broadcast(ev)
	return true
}

// Admit binds c to d. The matcher guarantees the pre-conditions; a violation
// is a programming error.
func (r *Registry) Admit(ev *Event, d *Device, c *Connection) error {
	if d.connID != "" {
		return ErrDeviceBusy
	}
	if c.device != nil {
		return ErrConnectionBound
	}
	d.connID = c.ID
	c.device = d
	c.liveness = Alive
	r.conns[c.ID] = c
	r.logger.Info("opened socket for device",
		zap.String("deviceID", d.ID),
		zap.Int64("eventID", ev.ID),
		zap.String("connectionID", c.ID))
	return nil
}

// Release drops the connection with the given id and unbinds every device
// bound to it. Unknown or unbound connections are a no-op.
func (r *Registry) Release(id string, code int, reason string) {
	c, tracked := r.conns[id]
	delete(r.conns, id)
	if tracked {
		c.device = nil
		c.liveness = Terminated
	}

	released := r.unbind(id)
	if len(released) == 0 {
		r.logger.Warn("received request to close socket but could not find a matching device",
			zap.String("connectionID", id),
			zap.Int("code", code),
			zap.String("reason", reason))
		return
	}
	if len(released) > 1 {
		r.logger.Warn("connection was bound to more than one device",
			zap.String("connectionID", id),
			zap.Int("devices", len(released)))
	}

	for _, d := range released {
		fields := []zap.Field{
			zap.String("deviceID", d.ID),
			zap.String("connectionID", id),
			zap.Int("code", code),
		}
		if reason != "" {
			fields = append(fields, zap.String("reason", reason))
		}
		r.logger.Info("closed socket for device", fields...)
	}
	r.broadcastContaining(released)
}

func (r *Registry) unbind(connID string) []*Device {
	var released []*Device
	for _, ev := range r.events {
		for _, d := range ev.Devices {
			if d.connID == connID {
				d.connID = ""
				released = append(released, d)
			}
		}
	}
	return released
}

// broadcastContaining notifies every loaded event that expects any of the
// given device ids, once per event.
func (r *Registry) broadcastContaining(devices []*Device) {
	for _, ev := range r.Events() {
		if ev.closing {
			continue
		}
		for _, d := range devices {
			if ev.hasDevice(d.ID) {
				r.Broadcast(ev)
				break
			}
		}
	}
}

// AllConnectedDevices returns the connected devices of all loaded events,
// de-duplicated by device id.
func (r *Registry) AllConnectedDevices() []*Device {
	seen := make(map[string]bool)
	var devices []*Device
	for _, ev := range r.Events() {
		for _, d := range ev.Devices {
			if !d.Connected() || seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			devices = append(devices, d)
		}
	}
	return devices
}

// Unload force-closes every live connection of the event with the given
// code and reason, then removes the event.
func (r *Registry) Unload(eventID int64, code int, reason string) bool {
	ev, ok := r.events[eventID]
	if !ok {
		return false
	}
	ev.closing = true

	for _, d := range ev.Devices {
		if !d.Connected() {
			continue
		}
		connID := d.connID
		if c, ok := r.conns[connID]; ok {
			if err := c.transport.Close(code, reason); err != nil {
				r.logger.Warn("failed to close transport, terminating",
					zap.String("connectionID", connID), zap.Error(err))
				_ = c.transport.Terminate()
			}
		}
		r.Release(connID, code, reason)
	}

	delete(r.events, eventID)
	r.logger.Info("event unloaded", zap.Int64("eventID", eventID), zap.String("label", ev.Label))
	return true
}

// Clear closes every tracked connection and drops all events.
func (r *Registry) Clear(code int, reason string) {
	for _, ev := range r.Events() {
		r.Unload(ev.ID, code, reason)
	}
	for id, c := range r.conns {
		_ = c.transport.Close(code, reason)
		delete(r.conns, id)
	}
}
