// Package types defines the core domain model shared by the attendance tracker.
package types

import (
	"strings"
	"time"
)

// Target addresses where participants are read from (for the Zoom web
// adapter, a DevTools tab id). The core treats it as opaque.
type Target string

// Status is the attendance status of one participant in one snapshot.
type Status string

const (
	StatusPresent Status = "Present"
	StatusAbsent  Status = "Absent"
)

// IsPresent compares case-insensitively, so "PRESENT" and "present" count.
func (s Status) IsPresent() bool {
	return strings.EqualFold(string(s), string(StatusPresent))
}

// Reasons attached to an Absent status.
const (
	ReasonCameraOff = "Camera not on"
	ReasonMissing   = "Missing"
)

// Settings is the capture policy chosen by the user.
type Settings struct {
	RequireCamera bool `json:"requireCamera" yaml:"require_camera"`
}

// ParticipantRecord is one participant as read from the roster.
type ParticipantRecord struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason"`
	HasVideo  bool      `json:"hasVideo"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is one timestamped sample of the full roster. Immutable once produced.
type Snapshot struct {
	Timestamp    time.Time           `json:"timestamp"`
	Participants []ParticipantRecord `json:"participants"`
}

// Lookup finds a participant by exact display name.
func (s Snapshot) Lookup(name string) (ParticipantRecord, bool) {
	for _, p := range s.Participants {
		if p.Name == name {
			return p, true
		}
	}
	return ParticipantRecord{}, false
}

// SlotStatus is a student's status in one snapshot slot.
type SlotStatus struct {
	Status   Status `json:"status"`
	Reason   string `json:"reason"`
	HasVideo bool   `json:"hasVideo"`
}

// StudentAggregate is one row of the verdict table.
type StudentAggregate struct {
	Name               string       `json:"name"`
	PerSnapshotStatus  []SlotStatus `json:"perSnapshotStatus"`
	TotalPresent       int          `json:"totalPresent"`
	TotalSnapshotsSeen int          `json:"totalSnapshotsSeen"`
	OverallVerdict     Status       `json:"overallVerdict"`
}

// VerdictTable is the aggregation result for one tracking session.
// Rows are sorted by name; SnapshotTimes is aligned with every row's slots.
type VerdictTable struct {
	SnapshotTimes []time.Time        `json:"snapshotTimes"`
	Rows          []StudentAggregate `json:"rows"`
}

// MeetingStatus reports whether the participant panel is reachable.
type MeetingStatus struct {
	InMeeting        bool `json:"inMeeting"`
	ParticipantCount int  `json:"participantCount"`
}
