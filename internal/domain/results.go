package domain

import "time"

// UnitStatus is the terminal state of a single fanned-out unit of work,
// shared across all three phases' result records.
type UnitStatus string

const (
	UnitSuccess UnitStatus = "success"
	UnitFailed  UnitStatus = "failed" // engine ran and reported failure
	UnitError   UnitStatus = "error"  // unexpected exception, timeout, or exhausted retries
)

// FileVersion distinguishes a pre-sanitization artifact from a sanitized one
// in phases 2 and 3, which re-test both.
type FileVersion string

const (
	VersionPreCDR  FileVersion = "pre-cdr"
	VersionPostCDR FileVersion = "post-cdr"
)

// Phase1Result is the outcome of sanitizing one (file, CDR engine) pair.
type Phase1Result struct {
	OriginalBlobPath  string     `json:"original_blob_path"`
	CDREngine         string     `json:"cdr_engine"`
	SanitizedBlobPath string     `json:"sanitized_blob_path,omitempty"`
	Status            UnitStatus `json:"status"`
	ProcessingMillis  int64      `json:"processing_millis"`
	BytesBefore       int64      `json:"bytes_before"`
	BytesAfter        int64      `json:"bytes_after"`
	ThreatsFound      int        `json:"threats_found"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           time.Time  `json:"ended_at"`
}

// Phase2Result is the outcome of scanning one (file version, AV engine) pair.
type Phase2Result struct {
	BlobPath         string      `json:"blob_path"`
	Version          FileVersion `json:"version"`
	CDREngine        string      `json:"cdr_engine,omitempty"` // only set for VersionPostCDR
	OriginalBlobPath string      `json:"original_blob_path"`   // enables pairing pre/post results
	AVEngine         string      `json:"av_engine"`
	IsMalicious      bool        `json:"is_malicious"`
	ThreatName       string      `json:"threat_name,omitempty"`
	Confidence       int         `json:"confidence"` // 0-100
	ScanMillis       int64       `json:"scan_millis"`
	EngineVersion    string      `json:"engine_version,omitempty"`
	Status           UnitStatus  `json:"status"`
	Error            string      `json:"error,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	EndedAt           time.Time  `json:"ended_at"`
}

// ExecutionWindow records when detonation ran on the VM, used to bound the
// alert query issued against the EDR console after the propagation delay.
type ExecutionWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Phase3Result is the outcome of detonating one (file version, EDR console)
// pair on a pooled VM.
type Phase3Result struct {
	BlobPath          string          `json:"blob_path"`
	Version           FileVersion     `json:"version"`
	CDREngine         string          `json:"cdr_engine,omitempty"`
	OriginalBlobPath  string          `json:"original_blob_path"`
	EDRConsole        string          `json:"edr_console"`
	VMName            string          `json:"vm_name"`
	Window            ExecutionWindow `json:"execution_window"`
	AlertCount        int             `json:"alert_count"`
	HighSeverityCount int             `json:"high_severity_count"`
	AlertTypes        []string        `json:"alert_types,omitempty"` // deduped set
	SampleAlerts      []AlertRecord   `json:"sample_alerts,omitempty"`
	EDRDetected       bool            `json:"edr_detected"` // AlertCount > 0
	Status            UnitStatus      `json:"status"`
	Retries           int             `json:"retries"`
	Error             string          `json:"error,omitempty"`
}

// AlertRecord is a single raw alert entry surfaced by an EDR console, kept
// for later analysis. Only the first few per unit are retained
// (SampleAlerts is capped by the phase 3 runner).
type AlertRecord struct {
	AlertID   string    `json:"alert_id"`
	Severity  string    `json:"severity"`
	ThreatType string   `json:"threat_type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
