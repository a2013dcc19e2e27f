// Package session holds the in-memory view of which devices are connected to
// which open events. None of its types are safe for concurrent use; the hub
// package serializes every call onto a single goroutine.
package session

import (
	"errors"

	"github.com/vmorsell/cohort-live/pkg/model"
)

// Close codes sent to devices when a connection is rejected or evicted.
const (
	CloseDeviceNotRegistered = 4000
	CloseDuplicateDevice     = 4001
	CloseEventNotOpen        = 4002
	CloseDeviceConnected     = 4003
	CloseEventClosing        = 4004

	CloseIdentifyTimeout = 1008
)

var (
	ErrDeviceBusy         = errors.New("device already has a live connection")
	ErrConnectionBound    = errors.New("connection already bound to a device")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrAlreadyIdentified  = errors.New("connection already identified")
	ErrEventAlreadyLoaded = errors.New("event already loaded")
)

// Transport is the device end of a live connection. Implementations must not
// block: Send, Ping and Close queue frames and report a full queue as an error.
type Transport interface {
	Send(data []byte) error
	Ping() error
	Close(code int, reason string) error
	Terminate() error
}

type Liveness int

const (
	Alive Liveness = iota
	AwaitingPong
	Terminated
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting_pong"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Connection is owned by the Registry from Accept until Release.
type Connection struct {
	ID        string
	transport Transport
	device    *Device
	liveness  Liveness
	// Heartbeat ticks seen before identifying.
	unidentifiedTicks int
}

func NewConnection(id string, t Transport) *Connection {
	return &Connection{ID: id, transport: t, liveness: Alive}
}

func (c *Connection) Device() *Device    { return c.device }
func (c *Connection) Liveness() Liveness { return c.liveness }

// Device is one expected participant of an event. connID refers to the live
// connection by id only; the Registry resolves it.
type Device struct {
	ID        string
	IsAdmin   bool
	PushToken string
	connID    string
}

func (d *Device) Connected() bool      { return d.connID != "" }
func (d *Device) ConnectionID() string { return d.connID }

type Event struct {
	ID      int64
	Label   string
	Devices []*Device

	closing bool
}

func NewEvent(roster *model.EventRoster) *Event {
	ev := &Event{
		ID:      roster.ID,
		Label:   roster.Label,
		Devices: make([]*Device, 0, len(roster.Devices)),
	}
	// Duplicate guids are kept; the matcher reports them.
	for _, d := range roster.Devices {
		ev.Devices = append(ev.Devices, &Device{
			ID:        d.GUID,
			IsAdmin:   d.IsAdmin,
			PushToken: d.PushToken,
		})
	}
	return ev
}

func (e *Event) devicesWithID(id string) []*Device {
	var matches []*Device
	for _, d := range e.Devices {
		if d.ID == id {
			matches = append(matches, d)
		}
	}
	return matches
}

func (e *Event) hasDevice(id string) bool {
	for _, d := range e.Devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
