package model

import "encoding/json"

// SDKVersion is reported in every batch and in the User-Agent.
const SDKVersion = "1.4.0"

// BatchType is the wire code of an upload batch.
const BatchType = "h"

// DeviceInfo is the device/app state captured when a batch is assembled
// or a session ends.
type DeviceInfo struct {
	BatteryLevel       float64 `json:"bl"`
	DataConnection     string  `json:"dct"`
	TotalMemory        uint64  `json:"tsm"`
	AvailableMemory    uint64  `json:"sma"`
	MemoryLow          bool    `json:"sml"`
	MemoryThreshold    uint64  `json:"smt"`
	AppMemoryUsage     uint64  `json:"amt"`
	AppMemoryAvailable uint64  `json:"ama"`
	AppMemoryMax       uint64  `json:"amm"`
	AvailableDisk      uint64  `json:"fds"`
	TotalDisk          uint64  `json:"tds"`
	Orientation        int     `json:"so"`
	BarOrientation     int     `json:"sbo"`
	UptimeMillis       int64   `json:"tss"`
	NumCPU             int     `json:"cpu"`
}

// Batch is one upload payload. The collector's response applies to every
// message in it.
type Batch struct {
	Type       string          `json:"dt"`
	ID         string          `json:"id"`
	CreatedAt  int64           `json:"ct"`
	SDKVersion string          `json:"sdk"`
	MPID       int64           `json:"mpid,omitempty"`
	Cookies    json.RawMessage `json:"ck,omitempty"`
	LTV        string          `json:"ltv,omitempty"`
	Device     DeviceInfo      `json:"di"`
	Messages   []Message       `json:"msgs"`
}

// MessageTypes lists the type of every message in order.
func (b Batch) MessageTypes() []MessageType {
	types := make([]MessageType, len(b.Messages))
	for i, m := range b.Messages {
		types[i] = m.Type
	}
	return types
}

// MessageIDs lists the id of every message in order.
func (b Batch) MessageIDs() []string {
	ids := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		ids[i] = m.ID
	}
	return ids
}
