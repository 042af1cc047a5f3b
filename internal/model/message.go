package model

import (
	"encoding/json"
	"fmt"
	"unicode/utf16"
)

// MessageType is the wire code of a message.
type MessageType string

const (
	TypeSessionStart       MessageType = "ss"
	TypeSessionEnd         MessageType = "se"
	TypeEvent              MessageType = "e"
	TypeScreenView         MessageType = "v"
	TypeBreadcrumb         MessageType = "bc"
	TypeError              MessageType = "x"
	TypeOptOut             MessageType = "o"
	TypePushRegistration   MessageType = "pr"
	TypePushReceived       MessageType = "pm"
	TypeAppStateTransition MessageType = "ast"
	TypeProfile            MessageType = "pro"
	TypeFirstRun           MessageType = "fr"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSessionStart, TypeSessionEnd, TypeEvent, TypeScreenView, TypeBreadcrumb,
		TypeError, TypeOptOut, TypePushRegistration, TypePushReceived,
		TypeAppStateTransition, TypeProfile, TypeFirstRun:
		return true
	}
	return false
}

// Envelope keys shared by every message.
const (
	KeyType             = "dt"
	KeyID               = "id"
	KeySessionID        = "sid"
	KeyTimestamp        = "ct"
	KeySessionStartTime = "sct"
	KeyLocation         = "lc"
	KeyName             = "n"
	KeyAttributes       = "attrs"
)

// Type-specific keys.
const (
	KeyEventType             = "et"
	KeyEventStartTime        = "est"
	KeyEventDuration         = "el"
	KeyEventCounter          = "en"
	KeyCurrentActivity       = "cn"
	KeyScreenStarted         = "sst"
	KeySessionLength         = "sl"
	KeySessionLengthTotal    = "slx"
	KeyStateInfo             = "cs"
	KeyPreviousSessionLength = "psl"
	KeyPreviousSessionID     = "pid"
	KeyPreviousSessionStart  = "pss"
	KeySessionCounter        = "sn"
	KeyBreadcrumbLabel       = "l"
	KeyOptOutStatus          = "s"
	KeyErrorMessage          = "m"
	KeyErrorSeverity         = "s"
	KeyErrorClass            = "c"
	KeyErrorStackTrace       = "st"
	KeyErrorUncaught         = "eh"
	KeyDataConnection        = "dct"
	KeyPushToken             = "to"
	KeyPushTokenType         = "tot"
	KeyPushRegisterFlag      = "r"
	KeyPushPayload           = "pay"
	KeyPushType              = "t"
	KeyPushBehavior          = "bhv"
	KeyPushContentID         = "cntid"
	KeyPushActionTaken       = "aid"
	KeyPushActionName        = "an"
	KeyAppState              = "as"
	KeyStateTransitionType   = "t"
	KeyLaunchReferrer        = "lr"
	KeyLaunchParams          = "lpr"
	KeyLaunchSourcePackage   = "srp"
	KeyPreviousForegroundMs  = "pft"
	KeyTimeSuspended         = "tls"
	KeyInterruptions         = "nsi"
	KeyInitFirstRun          = "ifr"
	KeyInitUpgrade           = "iu"
	KeyProfileAction         = "pa"
)

// Location is a position snapshot taken when a message is built.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"acc,omitempty"`
}

// Message is one unit of telemetry. Once handed to the persist worker it
// is treated as immutable.
type Message struct {
	ID               string
	Type             MessageType
	SessionID        string
	Timestamp        int64
	SessionStartTime int64
	Location         *Location
	Name             string
	Attributes       map[string]Value
	Values           map[string]Value
}

// Lookup returns the top-level field named key as it appears in the
// message's JSON form.
func (m Message) Lookup(key string) (Value, bool) {
	switch key {
	case KeyType:
		return String(string(m.Type)), true
	case KeyID:
		return String(m.ID), m.ID != ""
	case KeySessionID:
		return String(m.SessionID), m.SessionID != ""
	case KeyTimestamp:
		return Int(m.Timestamp), true
	case KeySessionStartTime:
		return Int(m.SessionStartTime), m.SessionStartTime != 0
	case KeyName:
		return String(m.Name), m.Name != ""
	case KeyLocation:
		if m.Location == nil {
			return Value{}, false
		}
		v, err := ValueOf(m.Location)
		return v, err == nil
	case KeyAttributes:
		if len(m.Attributes) == 0 {
			return Value{}, false
		}
		v, err := ValueOf(m.Attributes)
		return v, err == nil
	}
	v, ok := m.Values[key]
	return v, ok
}

// TypeNameHash is the 32-bit hash of the type code followed by the name,
// computed like Java's String.hashCode over UTF-16 code units. Trigger
// allow-lists are expressed in these hashes.
func (m Message) TypeNameHash() int32 {
	return HashString(string(m.Type) + m.Name)
}

// HashString computes the 31-multiplier string hash used for trigger hashes.
func HashString(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(unit)
	}
	return h
}

// MarshalJSON flattens the envelope and type-specific values into one
// JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Values)+8)
	for k, v := range m.Values {
		out[k] = v
	}
	out[KeyType] = m.Type
	out[KeyTimestamp] = m.Timestamp
	if m.ID != "" {
		out[KeyID] = m.ID
	}
	if m.SessionID != "" {
		out[KeySessionID] = m.SessionID
	}
	if m.SessionStartTime != 0 {
		out[KeySessionStartTime] = m.SessionStartTime
	}
	if m.Location != nil {
		out[KeyLocation] = m.Location
	}
	if m.Name != "" {
		out[KeyName] = m.Name
	}
	if len(m.Attributes) > 0 {
		out[KeyAttributes] = m.Attributes
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON. Unknown keys land in Values.
func (m *Message) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var msg Message
	for key, raw := range fields {
		var err error
		switch key {
		case KeyType:
			err = json.Unmarshal(raw, &msg.Type)
		case KeyID:
			err = json.Unmarshal(raw, &msg.ID)
		case KeySessionID:
			err = json.Unmarshal(raw, &msg.SessionID)
		case KeyTimestamp:
			err = json.Unmarshal(raw, &msg.Timestamp)
		case KeySessionStartTime:
			err = json.Unmarshal(raw, &msg.SessionStartTime)
		case KeyName:
			err = json.Unmarshal(raw, &msg.Name)
		case KeyLocation:
			msg.Location = &Location{}
			err = json.Unmarshal(raw, msg.Location)
		case KeyAttributes:
			err = json.Unmarshal(raw, &msg.Attributes)
		default:
			var v Value
			if err = v.UnmarshalJSON(raw); err == nil {
				if msg.Values == nil {
					msg.Values = make(map[string]Value)
				}
				msg.Values[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("decode message field %q: %w", key, err)
		}
	}
	if !msg.Type.Valid() {
		return fmt.Errorf("decode message: unknown type %q", msg.Type)
	}
	*m = msg
	return nil
}
