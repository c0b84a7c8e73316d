// ============================================================================
// models/race.go
// ============================================================================
package models

import "time"

// RaceOutcome is one vendor's result in one race. A race with N vendors
// produces N rows sharing RaceID.
type RaceOutcome struct {
	RaceID     string    `json:"race_id" ch:"race_id"`
	Timestamp  time.Time `json:"timestamp" ch:"timestamp"`
	Tag        string    `json:"tag" ch:"tag"`
	Mint       string    `json:"mint" ch:"mint"`
	Vendor     string    `json:"vendor" ch:"vendor"`
	Signature  string    `json:"signature,omitempty" ch:"signature"`
	Success    bool      `json:"success" ch:"success"`
	Winner     bool      `json:"winner" ch:"winner"`
	Rank       uint8     `json:"rank" ch:"rank"` // 1 = fastest success, 0 = failed
	LatencyMs  float64   `json:"latency_ms" ch:"latency_ms"`
	SinceDetMs float64   `json:"since_detection_ms" ch:"since_detection_ms"`
	Error      string    `json:"error,omitempty" ch:"error"`
}

// RaceSummary is what gets published and kept in the recent list.
type RaceSummary struct {
	RaceID          string        `json:"race_id"`
	Timestamp       time.Time     `json:"timestamp"`
	Tag             string        `json:"tag,omitempty"`
	Mint            string        `json:"mint,omitempty"`
	Winner          string        `json:"winner,omitempty"`
	Signature       string        `json:"signature,omitempty"`
	WallTimeMs      float64       `json:"wall_time_ms"`
	SinceDetectedMs float64       `json:"since_detection_ms"`
	Succeeded       int           `json:"succeeded"`
	Total           int           `json:"total"`
	Outcomes        []RaceOutcome `json:"outcomes"`
}
