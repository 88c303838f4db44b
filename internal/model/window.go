package model

import (
	"time"
)

// MaintenanceWindow is the persisted record of an alerting suppression
// scheduled for one monitored node. The store keeps at most one row per
// NodeID; rows are never updated after insert, only pruned or deleted.
type MaintenanceWindow struct {
	NodeID    string    `json:"node_id" db:"nodeid"`
	IPAddress string    `json:"ip_address" db:"ipaddress"`
	Hostname  string    `json:"hostname" db:"hostname"`
	Group     string    `json:"group" db:"grp"`
	StartTime time.Time `json:"start_time" db:"startdt"`
	EndTime   time.Time `json:"end_time" db:"enddt"`
}

// Expired reports whether the window's end lies strictly before now.
func (w MaintenanceWindow) Expired(now time.Time) bool {
	return w.EndTime.Before(now)
}
