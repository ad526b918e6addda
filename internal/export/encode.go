package export

// ============================================================================
// Document encoders
// 1. Verdict table -> CSV (end of a tracking session)
// 2. Single snapshot -> CSV or JSON (one-shot capture)
// ============================================================================

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/attendance-tracker/pkg/types"
)

// Format is the output format of a one-shot capture.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json" in any case; empty means csv.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(FormatCSV):
		return FormatCSV, nil
	case string(FormatJSON):
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// TimestampLayout is used for every timestamp written to a document.
const TimestampLayout = time.RFC3339

// SessionFilename is the name of the session-end attendance log.
const SessionFilename = "attendance_log.csv"

// SnapshotFilename names a one-shot capture taken at t.
func SnapshotFilename(t time.Time, format Format) string {
	return fmt.Sprintf("zoom-attendance-%s.%s", t.Format("2006-01-02-15-04-05"), format)
}

func boolCell(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// VerdictHeader returns the header row for a table with the given snapshot times.
func VerdictHeader(snapshotTimes []time.Time) []string {
	header := []string{"Name", "Overall", "Total_Present", "Total_Snapshots"}
	for i, ts := range snapshotTimes {
		n := i + 1
		header = append(header,
			fmt.Sprintf("Attendance %d Status (%s)", n, ts.Format(TimestampLayout)),
			fmt.Sprintf("Attendance %d Reason", n),
			fmt.Sprintf("Attendance %d HasVideo", n),
		)
	}
	return header
}

// EncodeVerdictCSV renders the session verdict table.
func EncodeVerdictCSV(table types.VerdictTable) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(VerdictHeader(table.SnapshotTimes)); err != nil {
		return nil, err
	}

	for _, row := range table.Rows {
		record := []string{
			row.Name,
			string(row.OverallVerdict),
			strconv.Itoa(row.TotalPresent),
			strconv.Itoa(row.TotalSnapshotsSeen),
		}
		for _, slot := range row.PerSnapshotStatus {
			record = append(record, string(slot.Status), slot.Reason, boolCell(slot.HasVideo))
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type snapshotDocument struct {
	Meeting struct {
		Date              string `json:"date"`
		TotalParticipants int    `json:"totalParticipants"`
	} `json:"meeting"`
	Participants []types.ParticipantRecord `json:"participants"`
}

// EncodeSnapshot renders a single snapshot in the requested format.
func EncodeSnapshot(snap types.Snapshot, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		var doc snapshotDocument
		doc.Meeting.Date = snap.Timestamp.Format(TimestampLayout)
		doc.Meeting.TotalParticipants = len(snap.Participants)
		doc.Participants = snap.Participants
		if doc.Participants == nil {
			doc.Participants = []types.ParticipantRecord{}
		}
		return json.MarshalIndent(doc, "", "  ")

	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{"Name", "Status", "Reason", "Has Video", "Timestamp"}); err != nil {
			return nil, err
		}
		for _, p := range snap.Participants {
			if err := w.Write([]string{
				p.Name,
				string(p.Status),
				p.Reason,
				strconv.FormatBool(p.HasVideo),
				p.Timestamp.Format(TimestampLayout),
			}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}
