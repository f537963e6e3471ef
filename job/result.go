package job

import "time"

// Status is the terminal state of a job
type Status string

const (
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ResultTTL is how long a published result stays readable
const ResultTTL = 600 * time.Second

// Plot is an image artifact produced by the job
type Plot struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Result is the record written to the result store, once per job.
type Result struct {
	Status      Status `json:"status"`
	Output      string `json:"output"`
	Error       string `json:"error,omitempty"`
	Plots       []Plot `json:"plots"`
	ExitCode    int    `json:"exitCode"`
	CompletedAt int64  `json:"completedAt"`
}

// CompletedAtMillis converts t to the epoch-millisecond form used in Result.
func CompletedAtMillis(t time.Time) int64 {
	return t.UnixMilli()
}
