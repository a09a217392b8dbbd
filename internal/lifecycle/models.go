// Package lifecycle owns the Run/Finding/Artifact/Reverify Attempt SQL
// schema and the state-machine transitions that roll finding status up
// into its parent run.
package lifecycle

import "time"

// RunStatus is a Run's lifecycle state. A Run never moves backward.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// RunType identifies how a Run was submitted.
type RunType string

const (
	RunTypeManual    RunType = "manual"
	RunTypeScheduled RunType = "scheduled"
	RunTypeWebhook   RunType = "webhook"
)

// Run is a batch of URLs submitted together, the parent of one Finding per URL.
type Run struct {
	ID            string
	Target        string
	Status        RunStatus
	RunType       RunType
	Reason        string
	URLCount      int
	URLsScanned   int
	URLsRendered  int
	FindingCount  int
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FindingStatus is a Finding's lifecycle state within one scan/render cycle.
type FindingStatus string

const (
	FindingStatusPending          FindingStatus = "pending"
	FindingStatusScanning         FindingStatus = "scanning"
	FindingStatusProcessing       FindingStatus = "processing"
	FindingStatusEvidenceCaptured FindingStatus = "evidence_captured"
	FindingStatusSuppressed       FindingStatus = "suppressed"
	FindingStatusFailed           FindingStatus = "failed"
	FindingStatusCompleted        FindingStatus = "completed"
	FindingStatusResolved         FindingStatus = "resolved"
)

// terminalRunStatuses are the Finding states that let a Run close. Suppressed
// is deliberately excluded — see DESIGN.md's Open Question (i): suppression
// is reversible via re-verification, so a suppressed Finding never alone
// finalizes its Run.
var terminalRunStatuses = map[FindingStatus]bool{
	FindingStatusEvidenceCaptured: true,
	FindingStatusCompleted:        true,
	FindingStatusFailed:           true,
	FindingStatusResolved:         true,
}

// Finding is the durable record of one URL's scan attempt and derived state.
// Metadata carries the opaque extras the spec assigns no dedicated column
// to: suppression reason, matched rule id, effective cooldown, breaker
// state at observation time.
type Finding struct {
	ID            string
	RunID         *string
	URL           string
	FindingType   string
	Status        FindingStatus
	Fingerprint   string
	StatusCode    int
	FetchError    string
	LatencyMs     int
	Severity      string
	Verified      bool
	FalsePositive bool
	Metadata      map[string]string
	AlertSentAt   *time.Time
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ArtifactKind is the type of evidence file attached to a Finding.
type ArtifactKind string

const (
	ArtifactKindScreenshot  ArtifactKind = "screenshot"
	ArtifactKindHAR         ArtifactKind = "har"
	ArtifactKindHTML        ArtifactKind = "html"
	ArtifactKindConsoleLogs ArtifactKind = "console_logs"
)

// Artifact is an on-disk evidence file linked to a Finding.
type Artifact struct {
	ID          string
	FindingID   string
	Kind        ArtifactKind
	Path        string
	SizeBytes   int64
	ContentType string
	CreatedAt   time.Time
}

// ReverifyResult is the outcome of one re-verify attempt.
type ReverifyResult string

const (
	ReverifyResultOK          ReverifyResult = "ok"
	ReverifyResultDuplicate   ReverifyResult = "duplicate"
	ReverifyResultRateLimited ReverifyResult = "rate_limited"
	ReverifyResultNotFound    ReverifyResult = "not_found"
	ReverifyResultError       ReverifyResult = "error"
)

// ReverifySource identifies who triggered a re-verify attempt.
type ReverifySource string

const (
	ReverifySourceAPI   ReverifySource = "api"
	ReverifySourceSlack ReverifySource = "slack"
)

// ReverifyAttempt is the audit record of one re-verify request.
type ReverifyAttempt struct {
	ID             string
	FindingID      *string
	RequestedBy    string
	Source         ReverifySource
	Result         ReverifyResult
	IdempotencyKey string
	RequestedAt    time.Time
	CompletedAt    *time.Time
}
