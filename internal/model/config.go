package model

import "encoding/json"

// ConfigDocument is the JSON body returned by the collector. Config
// responses carry every field; batch responses usually carry only ci.
type ConfigDocument struct {
	Triggers              *TriggerConfig  `json:"tri,omitempty"`
	PushMessageKeys       []string        `json:"pmk,omitempty"`
	NetworkPerformance    string          `json:"cnp,omitempty"`
	SessionTimeoutSeconds *int64          `json:"stl,omitempty"`
	UploadIntervalSeconds *int64          `json:"uitl,omitempty"`
	ConsumerInfo          *ConsumerInfo   `json:"ci,omitempty"`
	LTV                   json.RawMessage `json:"iltv,omitempty"`
}

// TriggerConfig lists the rules that expedite an upload.
type TriggerConfig struct {
	MessageMatches []map[string]Value `json:"mm,omitempty"`
	EventHashes    []int32            `json:"evts,omitempty"`
}

// ConsumerInfo is the identity side channel of a response.
type ConsumerInfo struct {
	MPID    *int64          `json:"mpid,omitempty"`
	Cookies json.RawMessage `json:"ck,omitempty"`
}

// Network performance switch values.
const (
	NetworkPerformanceForceTrue  = "forcetrue"
	NetworkPerformanceForceFalse = "forcefalse"
)
