// Package harvest defines core types shared across subsystems.
package harvest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CaseStatus represents the tracking state of a single docket id.
type CaseStatus string

// Case statuses persisted in the tracking store.
const (
	StatusPending CaseStatus = "pending"
	StatusSuccess CaseStatus = "success"
	StatusNoData  CaseStatus = "no_data"
	StatusFailed  CaseStatus = "failed"
)

// CaseID addresses a docket record: a sequence number scoped to a
// two-digit year, e.g. HC-1042-24.
type CaseID struct {
	Prefix string
	Seq    int
	Year   int
}

// String renders the canonical PREFIX-<n>-<yy> form.
func (id CaseID) String() string {
	return fmt.Sprintf("%s-%d-%02d", id.Prefix, id.Seq, id.Year%100)
}

// Next returns the id with the sequence advanced by delta.
func (id CaseID) Next(delta int) CaseID {
	id.Seq += delta
	return id
}

// ParseCaseID parses the PREFIX-<n>-<yy> form.
func ParseCaseID(s string) (CaseID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return CaseID{}, fmt.Errorf("malformed case id %q", s)
	}
	seq, err := strconv.Atoi(parts[1])
	if err != nil || seq < 0 {
		return CaseID{}, fmt.Errorf("malformed sequence in case id %q", s)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 2 {
		return CaseID{}, fmt.Errorf("malformed year in case id %q", s)
	}
	return CaseID{Prefix: parts[0], Seq: seq, Year: year}, nil
}

// Record is the opaque payload collected for one docket id. The core
// never interprets Fields or Raw beyond the id and timestamp.
type Record struct {
	ID        CaseID            `json:"id"`
	FetchedAt time.Time         `json:"fetched_at"`
	Fields    map[string]string `json:"fields,omitempty"`
	Raw       []byte            `json:"-"`
}

// CaseRecord is the durable per-id row the tracking store maintains.
type CaseRecord struct {
	ID            CaseID
	Status        CaseStatus
	LastAttemptAt time.Time
	RetryCount    int
	ErrorMessage  string
}

// SaveStatus reports how the exporter handled a record.
type SaveStatus string

// Save statuses returned by Exporter.SaveRecord.
const (
	SaveNew     SaveStatus = "new"
	SaveUpdated SaveStatus = "updated"
	SaveFailed  SaveStatus = "failed"
)

// RunSummary captures the outcome of one harvest invocation. It is
// handed to the exporter and logged; the core keeps no other copy.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Year           int       `json:"year"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	UpperBound     int       `json:"upper_bound"`
	ProbesUsed     int       `json:"probes_used"`
	CollectedCount int       `json:"collected_count"`
	SkippedCount   int       `json:"skipped_count"`
	FailedCount    int       `json:"failed_count"`
	HaltedEarly    bool      `json:"halted_early"`
}
