package model

import (
	"strings"
	"time"
)

// SpeedSample is a single network quality measurement.
type SpeedSample struct {
	DownloadBps float64   `json:"download_bps"`
	UploadBps   float64   `json:"upload_bps"`
	LatencyMs   float64   `json:"latency_ms"`
	MeasuredAt  time.Time `json:"measured_at"`
}

// DownloadMbps returns the download rate in megabits per second.
func (s SpeedSample) DownloadMbps() float64 { return s.DownloadBps / 1e6 }

// UploadMbps returns the upload rate in megabits per second.
func (s SpeedSample) UploadMbps() float64 { return s.UploadBps / 1e6 }

// IPClass is the remote service's classification of the node's address.
type IPClass string

const (
	IPUnknown     IPClass = "unknown"
	IPResidential IPClass = "residential"
	IPDatacenter  IPClass = "datacenter"
)

// ParseIPClass maps a server-provided label onto an IPClass. Anything
// unrecognised is Unknown.
func ParseIPClass(v string) IPClass {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "residential":
		return IPResidential
	case "datacenter", "data_center", "hosting":
		return IPDatacenter
	default:
		return IPUnknown
	}
}

// IPMetadata is supplied by the remote service and treated as authoritative.
type IPMetadata struct {
	Address     string  `json:"address"`
	Class       IPClass `json:"class"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
}

// Tier is the discrete quality classification of a sample.
type Tier string

const (
	TierGood Tier = "good"
	TierBad  Tier = "bad"
)

// AccrualEvent is an immutable record of points earned over [Start, End).
type AccrualEvent struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	NodeID     string    `json:"node_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Tier       Tier      `json:"tier"`
	IPClass    IPClass   `json:"ip_class"`
	Multiplier float64   `json:"multiplier"`
	Points     float64   `json:"points"`
	Acked      bool      `json:"-"`
}

// Duration returns the length of the accrual interval.
func (e AccrualEvent) Duration() time.Duration { return e.End.Sub(e.Start) }

// ConnectionState is the supervisor's view of the remote session.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateStopping     ConnectionState = "stopping"
	StateStopped      ConnectionState = "stopped"
)

// StatusSnapshot is a point-in-time view of a running node.
type StatusSnapshot struct {
	State          ConnectionState `json:"state"`
	NodeID         string          `json:"node_id,omitempty"`
	ConnectedSince time.Time       `json:"connected_since,omitempty"`
	UptimeSeconds  float64         `json:"uptime_seconds"`
	CurrentTier    Tier            `json:"current_tier,omitempty"`
	IPClass        IPClass         `json:"ip_classification"`
	TotalPoints    float64         `json:"total_points"`
	PendingUploads int             `json:"pending_upload_count"`
	LastSample     *SpeedSample    `json:"last_sample,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}
