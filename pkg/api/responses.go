package api

import (
	"time"

	"irc-dnsbl/pkg/dnsbl"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// StatusResponse describes the DNSBL subsystem
type StatusResponse struct {
	Action         string         `json:"action"`
	Zones          []ZoneResponse `json:"zones"`
	Exemptions     int            `json:"exemptions"`
	InFlight       int            `json:"in_flight"`
	TrackedClients int            `json:"tracked_clients"`
	Connected      int            `json:"connected_clients"`
	Database       string         `json:"database"`
	Process        ProcessStats   `json:"process"`
	Uptime         string         `json:"uptime"`
	Timestamp      string         `json:"timestamp"` // ISO 8601 format
}

// ZoneResponse is one blacklist with its hit counter
type ZoneResponse struct {
	Suffix     string `json:"suffix"`
	Hits       uint64 `json:"hits"`
	LastWarned string `json:"last_warned,omitempty"`
}

// ProcessStats reports resource usage of the service process
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	MemPercent float64 `json:"mem_percent"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// ExemptionRequest adds an exemption
type ExemptionRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// ExemptionResponse is one exemption
type ExemptionResponse struct {
	IP      string `json:"ip"`
	Created string `json:"created"`
	Creator string `json:"creator"`
	Reason  string `json:"reason"`
}

// ExemptionsResponse lists every exemption
type ExemptionsResponse struct {
	Exemptions []ExemptionResponse `json:"exemptions"`
	Total      int                 `json:"total"`
}

// ActionRequest changes the response action
type ActionRequest struct {
	Action string `json:"action"`
}

// ActionResponse reports the action in effect
type ActionResponse struct {
	Action string `json:"action"`
}

// ScanResponse reports a manual scan
type ScanResponse struct {
	Nick    string `json:"nick"`
	IP      string `json:"ip"`
	Queries int    `json:"queries"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func convertExemption(ex dnsbl.Exemption) ExemptionResponse {
	return ExemptionResponse{
		IP:      ex.IP,
		Created: ex.Created.UTC().Format(time.RFC3339),
		Creator: ex.Creator,
		Reason:  ex.Reason,
	}
}

func convertZone(z dnsbl.Zone) ZoneResponse {
	resp := ZoneResponse{Suffix: z.Suffix, Hits: z.Hits}
	if !z.LastWarned.IsZero() {
		resp.LastWarned = z.LastWarned.UTC().Format(time.RFC3339)
	}
	return resp
}
