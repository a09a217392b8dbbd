// Package jobs holds the scan- and render-queue job executors that drive a
// Finding through its lifecycle, grounded on the teacher's
// internal/services/crawler.Executor pattern (payload struct + Execute
// method bound to a queue job type).
package jobs

// ScanJobPayload is the scan-queue message body: probe one Finding's URL.
type ScanJobPayload struct {
	FindingID string `json:"finding_id"`
	URL       string `json:"url"`
	TargetID  string `json:"target_id"`
}

// RenderJobPayload is the render-queue message body: capture evidence for
// a Finding that scanning already flagged.
type RenderJobPayload struct {
	FindingID string `json:"finding_id"`
	URL       string `json:"url"`
}

const (
	JobTypeScan   = "scan"
	JobTypeRender = "render"
)
