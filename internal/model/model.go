package model

import "time"

// Classification labels the security finding attached to a traffic event.
// At most one classification is emitted per event.
type Classification string

const (
	// ClassNone marks ordinary traffic.
	ClassNone Classification = ""
	// ClassBlacklistHit marks contact with a blacklisted destination.
	ClassBlacklistHit Classification = "blacklist_hit"
	// ClassPortScan marks a source that crossed the distinct-port threshold.
	ClassPortScan Classification = "port_scan"
)

// Direction of a flow relative to the monitored host.
const (
	DirIn  = "in"
	DirOut = "out"
)

// TrafficEvent is one enriched, classified flow observation. It is created
// by the heuristics engine on the capture host, persisted once by the
// central service, and never mutated afterward.
type TrafficEvent struct {
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`

	Direction string `json:"direction"`
	SrcIP     string `json:"src_ip"`
	SrcPort   int    `json:"src_port"`
	DstIP     string `json:"dst_ip"`
	DstPort   int    `json:"dst_port"`
	Protocol  string `json:"protocol"`
	Bytes     int64  `json:"size_bytes"`

	Software string `json:"software_name"`
	PID      int32  `json:"pid"`
	Country  string `json:"country"`

	Classification Classification `json:"security_event,omitempty"`
	// Target carries the subject of the classification: the blacklisted
	// destination for a blacklist hit, the scanned host for a port scan.
	Target string `json:"security_target,omitempty"`
}

// Agent is the identity of a capture source as known to the central
// service. It is created on the first event from a new source and its
// address and last-seen timestamp are refreshed on every subsequent one.
type Agent struct {
	ID       int64     `json:"id"`
	AgentID  string    `json:"agent_id"`
	Name     string    `json:"name"`
	Address  string    `json:"ip"`
	LastSeen time.Time `json:"last_seen"`
}
