package clientstore

import "github.com/codefionn/snapfan/internal/message"

// Host describes the machine a client runs on
type Host struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	MAC  string `json:"mac"`
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// Snapclient describes the client software
type Snapclient struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocolVersion"`
}

// Volume is a client's volume setting
type Volume struct {
	Percent int  `json:"percent"`
	Muted   bool `json:"muted"`
}

// ClientConfig is the operator-editable part of a client record
type ClientConfig struct {
	Name     string `json:"name"`
	Volume   Volume `json:"volume"`
	Latency  int    `json:"latency"`
	StreamID string `json:"stream"`
}

// ClientInfo is the persisted record of one client device, keyed by MAC address
type ClientInfo struct {
	Host       Host            `json:"host"`
	Snapclient Snapclient      `json:"snapclient"`
	Config     ClientConfig    `json:"config"`
	LastSeen   message.Timeval `json:"lastSeen"`
	Connected  bool            `json:"connected"`
}

// NewClientInfo returns the record created on a client's first handshake
func NewClientInfo(mac string) *ClientInfo {
	return &ClientInfo{
		Host: Host{MAC: mac},
		Config: ClientConfig{
			Volume: Volume{Percent: 100},
		},
	}
}

// MAC returns the record's primary key
func (c *ClientInfo) MAC() string {
	return c.Host.MAC
}

// Clone returns an independent copy
func (c *ClientInfo) Clone() *ClientInfo {
	clone := *c
	return &clone
}
