package outbound

import (
	"time"

	"courier"
)

// Message kinds carried in job metadata. KindToolStream marks a streamed
// partial update that should edit the previously sent message for the
// same correlation key instead of sending a new one.
const (
	KindMessage    = "message"
	KindToolStream = "tool_stream"
)

// Metadata is optional payload metadata attached by the producer.
type Metadata struct {
	Kind     string `json:"kind,omitempty"`
	ToolName string `json:"toolName,omitempty"`
}

// Payload is the message content of an outbound job.
type Payload struct {
	Content  string    `json:"content"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Job is one unit of pending delivery work claimed from the queue.
// To may be empty: that is a data defect on the job, not a system fault,
// and such jobs are failed permanently without touching the channel.
type Job struct {
	ID        string
	Channel   courier.Channel
	AccountID string
	To        string
	Payload   Payload
	CreatedAt time.Time
}

// IsToolStream reports whether the job is a streamed partial update with
// a usable correlation key.
func (j *Job) IsToolStream() bool {
	return j.Payload.Metadata != nil &&
		j.Payload.Metadata.Kind == KindToolStream &&
		j.Payload.Metadata.ToolName != ""
}
