// Package aggregate merges the snapshots of one tracking session into a
// verdict table.
package aggregate

import (
	"sort"
	"time"

	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// Threshold is the fraction of session snapshots a student must be Present
// in to be marked Present overall (inclusive).
const (
	thresholdNum = 2
	thresholdDen = 3
)

// missingSlot fills a snapshot in which the student was not on the roster.
var missingSlot = types.SlotStatus{
	Status: types.StatusAbsent,
	Reason: types.ReasonMissing,
}

// Verdict applies the presence threshold. The denominator is the number of
// snapshots taken in the session, not the number the student appeared in.
func Verdict(totalPresent, snapshotsTaken int) types.Status {
	if snapshotsTaken > 0 && totalPresent*thresholdDen >= snapshotsTaken*thresholdNum {
		return types.StatusPresent
	}
	return types.StatusAbsent
}

// Aggregate builds the verdict table. It is a pure function of snapshots:
// rows are sorted by name and every row has exactly len(snapshots) slots.
func Aggregate(snapshots []types.Snapshot) types.VerdictTable {
	table := types.VerdictTable{
		SnapshotTimes: make([]time.Time, len(snapshots)),
		Rows:          []types.StudentAggregate{},
	}

	// index each snapshot by name; the first record for a name wins
	indexed := make([]map[string]types.ParticipantRecord, len(snapshots))
	universe := make(map[string]struct{})
	for i, snap := range snapshots {
		table.SnapshotTimes[i] = snap.Timestamp
		byName := make(map[string]types.ParticipantRecord, len(snap.Participants))
		for _, p := range snap.Participants {
			if _, dup := byName[p.Name]; !dup {
				byName[p.Name] = p
			}
			universe[p.Name] = struct{}{}
		}
		indexed[i] = byName
	}

	names := make([]string, 0, len(universe))
	for name := range universe {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		row := types.StudentAggregate{
			Name:              name,
			PerSnapshotStatus: make([]types.SlotStatus, 0, len(snapshots)),
		}

		for _, byName := range indexed {
			p, ok := byName[name]
			if !ok {
				row.PerSnapshotStatus = append(row.PerSnapshotStatus, missingSlot)
				continue
			}
			row.TotalSnapshotsSeen++
			if p.Status.IsPresent() {
				row.TotalPresent++
			}
			row.PerSnapshotStatus = append(row.PerSnapshotStatus, types.SlotStatus{
				Status:   p.Status,
				Reason:   p.Reason,
				HasVideo: p.HasVideo,
			})
		}

		row.OverallVerdict = Verdict(row.TotalPresent, len(snapshots))
		table.Rows = append(table.Rows, row)
	}

	return table
}
