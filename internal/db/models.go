package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Reading sources, recorded for provenance only
const (
	SourceSFTP = "sftp"
	SourceHTML = "html"
)

// CounterRecord is one validated device reading. Identity is (MACNorm, Timestamp).
type CounterRecord struct {
	MACNorm   string
	Timestamp time.Time
	Source    string

	// Identification, merged fill-gaps-only on conflict
	MACRaw       *string
	IPAddress    *string
	DisplayName  *string
	Model        *string
	SerialNumber *string

	// Measurements, overwritten on conflict
	Status        *string
	TonerBlack    *int64
	TonerCyan     *int64
	TonerMagenta  *int64
	TonerYellow   *int64
	TotalPages    *int64
	FaxPages      *int64
	CopiedPages   *int64
	PrintedPages  *int64
	BWCopies      *int64
	ColorCopies   *int64
	BWPrinted     *int64
	ColorPrinted  *int64
	TotalColor    *int64
	TotalBW       *int64
	AnomalyReason *string
}

// Cursor is the last committed (timestamp, mac) of the polling HTML source
type Cursor struct {
	Timestamp time.Time
	MACNorm   string
	UpdatedAt time.Time
}

// Less reports whether the cursor position sorts strictly before (ts, mac)
func (c *Cursor) Less(ts time.Time, mac string) bool {
	if c == nil {
		return true
	}
	if !c.Timestamp.Equal(ts) {
		return c.Timestamp.Before(ts)
	}
	return c.MACNorm < mac
}

// RunState names the pipeline states recorded in ingest_runs.state
type RunState string

const (
	StateIdle          RunState = "idle"
	StateLockAcquiring RunState = "lock_acquiring"
	StateLockDenied    RunState = "lock_denied"
	StateLocked        RunState = "locked"
	StateConnecting    RunState = "connecting"
	StateConnectFailed RunState = "connect_failed"
	StateListing       RunState = "listing"
	StateListFailed    RunState = "list_failed"
	StateFiltering     RunState = "filtering"
	StateProcessing    RunState = "processing"
	StateFinalizing    RunState = "finalizing"
	StateLockReleased  RunState = "lock_released"
)

// RunAttempt is one pipeline invocation as written to ingest_runs
type RunAttempt struct {
	ID                 uuid.UUID
	Source             string
	State              RunState
	DryRun             bool
	StartedAt          time.Time
	FinishedAt         *time.Time
	Seen               int
	Eligible           int
	Processed          int
	Inserted           int
	Updated            int
	Duplicates         int
	SkippedNonMatching int
	Skipped            int
	Errored            int
	Unprocessed        int
	TimedOut           bool
	OK                 bool
	Message            json.RawMessage
}

// Item outcome statuses
const (
	ItemInserted           = "inserted"
	ItemUpdated            = "updated"
	ItemDuplicate          = "duplicate"
	ItemSkippedNonMatching = "skipped_non_matching"
	ItemSkipped            = "skipped"
	ItemError              = "error"
)

// ItemOutcome is one per-file or per-row result as written to ingest_run_items
type ItemOutcome struct {
	RunID        uuid.UUID
	ItemKey      string
	Status       string
	Reason       string
	RowsAffected int64
	Error        string
	Duration     time.Duration
}
