package model

import (
	"time"
)

// PatchEvent is one upcoming patch task occurrence reported by the
// scheduler, already mapped to the machine group it will patch. Group is
// empty when the task description has no configured group mapping.
type PatchEvent struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	RunTime     time.Time `json:"run_time"`
	Group       string    `json:"group"`
}
