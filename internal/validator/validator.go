package validator

import (
	"fmt"
	"time"

	"github.com/septivank/counter-ingest-worker/internal/db"
	"github.com/septivank/counter-ingest-worker/internal/parser"
	"github.com/septivank/counter-ingest-worker/tools/timeparser"
)

// Rejection reasons
const (
	ReasonMissingIdentity   = "missing_identity"
	ReasonInvalidMAC        = "invalid_mac"
	ReasonInvalidTimestamp  = "invalid_timestamp"
	ReasonTimestampInFuture = "timestamp_in_future"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
	Detail  string
}

// Identity overrides the MAC and timestamp found in the body. The SFTP feed
// takes both from the filename.
type Identity struct {
	MAC       string
	Timestamp string
}

// Validator promotes RawFields to a CounterRecord
type Validator struct {
	futureToleranceMinutes int
}

// NewValidator creates a new validator with the specified future tolerance
func NewValidator(futureToleranceMinutes int) *Validator {
	return &Validator{
		futureToleranceMinutes: futureToleranceMinutes,
	}
}

// BuildRecord validates identity and coerces measurements. When id is nil the
// identity is read from the fields themselves.
func (v *Validator) BuildRecord(fields parser.RawFields, id *Identity, source string, receivedAt time.Time) (*db.CounterRecord, ValidationResult) {
	rawMAC, rawTS := "", ""
	if id != nil {
		rawMAC, rawTS = id.MAC, id.Timestamp
	} else {
		rawMAC, _ = fields.String(parser.FieldMAC)
		rawTS, _ = fields.String(parser.FieldTimestamp)
	}

	if rawMAC == "" || rawTS == "" {
		return nil, ValidationResult{Reason: ReasonMissingIdentity, Detail: "mac address or timestamp is missing"}
	}

	mac, ok := parser.NormalizeMAC(rawMAC)
	if !ok {
		return nil, ValidationResult{Reason: ReasonInvalidMAC, Detail: fmt.Sprintf("mac %q is not 12 hex characters", rawMAC)}
	}

	ts, err := timeparser.ParseCounterTimestamp(rawTS)
	if err != nil {
		return nil, ValidationResult{Reason: ReasonInvalidTimestamp, Detail: err.Error()}
	}

	if !timeparser.IsNotAfter(ts, receivedAt.UTC(), v.futureToleranceMinutes) {
		return nil, ValidationResult{
			Reason: ReasonTimestampInFuture,
			Detail: fmt.Sprintf("timestamp %s is more than %d minutes ahead of ingestion time", timeparser.Format(ts), v.futureToleranceMinutes),
		}
	}

	rec := &db.CounterRecord{
		MACNorm:      mac,
		Timestamp:    ts,
		Source:       source,
		MACRaw:       fields.StringPtr(parser.FieldMAC),
		IPAddress:    fields.StringPtr(parser.FieldIPAddress),
		DisplayName:  fields.StringPtr(parser.FieldDisplayName),
		Model:        fields.StringPtr(parser.FieldModel),
		SerialNumber: fields.StringPtr(parser.FieldSerialNumber),
		Status:       fields.StringPtr(parser.FieldStatus),
		TonerBlack:   fields.Int(parser.FieldTonerBlack),
		TonerCyan:    fields.Int(parser.FieldTonerCyan),
		TonerMagenta: fields.Int(parser.FieldTonerMagenta),
		TonerYellow:  fields.Int(parser.FieldTonerYellow),
		TotalPages:   fields.Int(parser.FieldTotalPages),
		FaxPages:     fields.Int(parser.FieldFaxPages),
		CopiedPages:  fields.Int(parser.FieldCopiedPages),
		PrintedPages: fields.Int(parser.FieldPrintedPages),
		BWCopies:     fields.Int(parser.FieldBWCopies),
		ColorCopies:  fields.Int(parser.FieldColorCopies),
		BWPrinted:    fields.Int(parser.FieldBWPrinted),
		ColorPrinted: fields.Int(parser.FieldColorPrinted),
		TotalColor:   fields.Int(parser.FieldTotalColor),
		TotalBW:      fields.Int(parser.FieldTotalBW),
	}

	if rec.TotalColor == nil {
		rec.TotalColor = sum(rec.ColorCopies, rec.ColorPrinted)
	}
	if rec.TotalBW == nil {
		rec.TotalBW = sum(rec.BWCopies, rec.BWPrinted)
	}

	return rec, ValidationResult{IsValid: true}
}

// sum adds the present values; nil when none is present
func sum(values ...*int64) *int64 {
	var total int64
	seen := false
	for _, v := range values {
		if v == nil {
			continue
		}
		total += *v
		seen = true
	}
	if !seen {
		return nil
	}
	return &total
}
