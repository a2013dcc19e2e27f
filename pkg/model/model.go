package model

import (
	"bytes"
	"fmt"
	"strconv"
)

const ResultSuccess = "success"

// EventID decodes from either a JSON number or a numeric JSON string.
type EventID int64

func (id *EventID) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse event id %s: %w", b, err)
	}
	*id = EventID(v)
	return nil
}

// IdentifyMessage is the first message a device sends after connecting.
// GUID is the legacy name of DeviceID.
type IdentifyMessage struct {
	DeviceID string   `json:"deviceId"`
	GUID     string   `json:"guid"`
	EventID  *EventID `json:"eventId"`
}

func (m IdentifyMessage) Identifier() string {
	if m.DeviceID != "" {
		return m.DeviceID
	}
	return m.GUID
}

type ResultMessage struct {
	Result string `json:"result"`
}

type DeviceState struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}

type StatusMessage struct {
	EventID int64         `json:"eventId"`
	Status  []DeviceState `json:"status"`
}

type Event struct {
	ID      int64  `json:"id" dynamodbav:"eventId"`
	Label   string `json:"label" dynamodbav:"label"`
	OwnerID string `json:"ownerId,omitempty" dynamodbav:"ownerId"`
}

type Device struct {
	GUID      string `json:"guid" dynamodbav:"guid"`
	IsAdmin   bool   `json:"isAdmin" dynamodbav:"isAdmin"`
	PushToken string `json:"pushToken,omitempty" dynamodbav:"pushToken"`
}

type Occasion struct {
	ID      int64  `json:"id" dynamodbav:"occasionId"`
	EventID int64  `json:"eventId" dynamodbav:"eventId"`
	Label   string `json:"label" dynamodbav:"label"`
	IsOpen  bool   `json:"isOpen" dynamodbav:"isOpen"`
}

// EventRoster is an event together with every device registered for it.
type EventRoster struct {
	Event
	Devices []Device `json:"devices"`
}
