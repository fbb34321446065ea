package api

import (
	"time"

	"nodie/internal/model"
)

// Credentials identify the account a node earns for. The daemon normally
// presents a stored Token; Password is only set for an interactive login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"-"`
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
}

// Session is one authenticated connection. It is invalidated on any
// authentication error and must not be reused after that.
type Session struct {
	Token        string
	NodeID       string
	DeviceID     string
	IP           model.IPMetadata
	NetworkScore int
	ConnectedAt  time.Time
}

// LoginRequest is sent to /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by /auth/login.
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// User is the account returned by /auth/me.
type User struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Username     string  `json:"username"`
	TotalPoints  float64 `json:"totalPoints"`
	ReferralCode string  `json:"referralCode"`
}

// RegisterRequest is sent by a node when joining.
type RegisterRequest struct {
	DeviceID string `json:"deviceId"`
	IP       string `json:"ip,omitempty"`
	Name     string `json:"name"`
}

// RegisterResponse carries the node identity and the server's view of the
// node's address.
type RegisterResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	IP           string `json:"ip"`
	IPType       string `json:"ipType"`
	Country      string `json:"country"`
	CountryCode  string `json:"countryCode"`
	NetworkScore int    `json:"networkScore"`
	Token        string `json:"token"`
}

// HeartbeatRequest reports liveness and the latest local measurements.
type HeartbeatRequest struct {
	NodeID        string   `json:"nodeId"`
	BandwidthUsed float64  `json:"bandwidthUsed"`
	CPUUsage      float64  `json:"cpuUsage"`
	MemoryUsage   float64  `json:"memoryUsage"`
	IP            string   `json:"ip,omitempty"`
	SpeedMbps     *float64 `json:"speedMbps,omitempty"`
	LatencyMs     *float64 `json:"latencyMs,omitempty"`
}

// HeartbeatResponse may carry a refreshed token and updated IP metadata.
type HeartbeatResponse struct {
	Token             string  `json:"token"`
	IPType            string  `json:"ipType"`
	NetworkScore      int     `json:"networkScore"`
	ConnectionQuality string  `json:"connectionQuality"`
	PointsEarned      float64 `json:"pointsEarned"`
}

// SessionRefresh is what a heartbeat changed on the session.
type SessionRefresh struct {
	TokenRotated      bool
	IP                model.IPMetadata
	NetworkScore      int
	ConnectionQuality string
}

// ReportEvent is the wire form of an accrual event.
type ReportEvent struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Tier       string    `json:"tier"`
	IPClass    string    `json:"ipClass"`
	Multiplier float64   `json:"multiplier"`
	Points     float64   `json:"points"`
}

// ReportRequest uploads an ordered batch of accrual events.
type ReportRequest struct {
	NodeID string        `json:"nodeId"`
	Events []ReportEvent `json:"events"`
}

// Ack lists the event IDs the server has applied.
type Ack struct {
	Acknowledged []string `json:"acknowledged"`
}

// UserStats is returned by /user/stats.
type UserStats struct {
	TotalPoints  float64 `json:"totalPoints"`
	TodayPoints  float64 `json:"todayPoints"`
	ActiveNodes  int     `json:"activeNodes"`
	ReferralCode string  `json:"referralCode"`
}

// NodeSummary is a node as listed by /user/nodes.
type NodeSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	IPType       string `json:"ipType"`
	NetworkScore int    `json:"networkScore"`
	Country      string `json:"country"`
}

// NodesResponse is returned by /user/nodes.
type NodesResponse struct {
	Nodes []NodeSummary `json:"nodes"`
}

func toReportEvents(events []model.AccrualEvent) []ReportEvent {
	out := make([]ReportEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ReportEvent{
			ID:         ev.ID,
			Seq:        ev.Seq,
			Start:      ev.Start.UTC(),
			End:        ev.End.UTC(),
			Tier:       string(ev.Tier),
			IPClass:    string(ev.IPClass),
			Multiplier: ev.Multiplier,
			Points:     ev.Points,
		})
	}
	return out
}
