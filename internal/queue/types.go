package queue

import "encoding/json"

// Message is the envelope stored in a queue - just enough to route the job.
type Message struct {
	JobID   string          `json:"job_id"`  // UUID assigned by the enqueuer
	Type    string          `json:"type"`    // Job type for executor routing
	Payload json.RawMessage `json:"payload"` // Job-specific data (passed through)
}
