package model

import (
	"time"
)

// Per-member outcome constants.
const (
	OutcomeScheduled        = "scheduled"
	OutcomeAlreadyScheduled = "already_scheduled"
	OutcomeNotMonitored     = "not_monitored"
	OutcomeFailed           = "failed"
)

// Stages a member can fail in, recorded on MemberFailure.
const (
	StageDirectory = "directory"
	StageResolve   = "resolve"
	StageStore     = "store"
	StageGateway   = "gateway"
)

// MemberFailure records one non-fatal failure encountered while processing
// a group member, with the stage it occurred in.
type MemberFailure struct {
	Event    string `json:"event"`
	Group    string `json:"group"`
	Identity string `json:"identity"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

// RunReport summarizes one reconciliation run. Failures holds every
// per-item failure that was logged and skipped; a run with failures still
// completes normally.
type RunReport struct {
	RunID            string          `json:"run_id"`
	StartedAt        time.Time       `json:"started_at"`
	Duration         time.Duration   `json:"duration"`
	Skipped          bool            `json:"skipped"`
	Pruned           int64           `json:"pruned"`
	Events           int             `json:"events"`
	Members          int             `json:"members"`
	Scheduled        int             `json:"scheduled"`
	AlreadyScheduled int             `json:"already_scheduled"`
	NotMonitored     int             `json:"not_monitored"`
	Failures         []MemberFailure `json:"failures,omitempty"`
}

// Record tallies one member outcome into the report counters.
func (r *RunReport) Record(outcome string) {
	switch outcome {
	case OutcomeScheduled:
		r.Scheduled++
	case OutcomeAlreadyScheduled:
		r.AlreadyScheduled++
	case OutcomeNotMonitored:
		r.NotMonitored++
	}
}

// Fail appends a member failure and counts it.
func (r *RunReport) Fail(event, group, identity, stage string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	r.Failures = append(r.Failures, MemberFailure{
		Event:    event,
		Group:    group,
		Identity: identity,
		Stage:    stage,
		Reason:   reason,
	})
}
