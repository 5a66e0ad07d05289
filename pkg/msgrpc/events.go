package msgrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventID is a kind of notification sent by the provider.
type EventID byte

const (
	// InvalidEventID is the zero EventID, it's never sent over the wire.
	InvalidEventID EventID = iota
	// MessageStatusEventID is a `message_status` notification carrying
	// message results of a subscription.
	MessageStatusEventID
	// MissedEventID is an `event_missed` notification, the server sends it
	// when it had to drop some notifications for the client.
	MissedEventID EventID = 255
)

// ErrInvalidEventName is returned for unknown event names.
var ErrInvalidEventName = errors.New("invalid event name")

var eventNames = map[EventID]string{
	MessageStatusEventID: "message_status",
	MissedEventID:        "event_missed",
}

// String implements the fmt.Stringer interface.
func (e EventID) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown"
}

// GetEventIDFromString returns an EventID with the given wire name.
func GetEventIDFromString(s string) (EventID, error) {
	for e, name := range eventNames {
		if name == s {
			return e, nil
		}
	}
	return InvalidEventID, fmt.Errorf("%w: %q", ErrInvalidEventName, s)
}

// MarshalJSON implements the json.Marshaler interface.
func (e EventID) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (e *EventID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	id, err := GetEventIDFromString(s)
	if err != nil {
		return err
	}
	*e = id
	return nil
}
