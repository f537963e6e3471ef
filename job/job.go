// Package job defines the queue message consumed by the worker and the
// result record it publishes.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Defaults applied by Normalize
const (
	DefaultEntrypoint = "main.py"
	DefaultRoomID     = "default-room"
)

var (
	// ErrMissingJobID is returned when a message carries no jobId.
	ErrMissingJobID = errors.New("job message has no jobId")
	// ErrNoFiles is returned when neither files nor sourceCode is present.
	ErrNoFiles = errors.New("job has no files")
)

// Job is one code-execution submission as pushed onto the queue.
type Job struct {
	JobID      string            `json:"jobId"`
	Files      map[string]string `json:"files,omitempty"`
	Entrypoint string            `json:"entrypoint,omitempty"`
	Packages   []string          `json:"packages,omitempty"`
	RoomID     string            `json:"roomId,omitempty"`

	// SourceCode is the legacy single-file form. Present but empty still
	// yields an empty main.py.
	SourceCode *string `json:"sourceCode,omitempty"`
}

// Parse decodes a queue message. A message that has a jobId but fails
// decoding or normalization is returned with at least its JobID set,
// together with the error, so the caller can still publish an error result.
func Parse(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		decodeErr := fmt.Errorf("failed to decode job message: %w", err)
		var id struct {
			JobID string `json:"jobId"`
		}
		if json.Unmarshal(data, &id) != nil || id.JobID == "" {
			return Job{}, decodeErr
		}
		return Job{JobID: id.JobID}, decodeErr
	}
	if j.JobID == "" {
		return Job{}, ErrMissingJobID
	}
	if err := j.Normalize(); err != nil {
		return j, err
	}
	return j, nil
}

// Normalize converts the legacy sourceCode form into files and fills defaults.
func (j *Job) Normalize() error {
	if len(j.Files) == 0 && j.SourceCode != nil {
		j.Files = map[string]string{DefaultEntrypoint: *j.SourceCode}
	}
	j.SourceCode = nil
	if j.Entrypoint == "" {
		j.Entrypoint = DefaultEntrypoint
	}
	if j.RoomID == "" {
		j.RoomID = DefaultRoomID
	}
	if j.Packages == nil {
		j.Packages = []string{}
	}
	if len(j.Files) == 0 {
		return ErrNoFiles
	}
	return nil
}

// NeedsNetwork reports whether the sandbox must have network access.
// Package installation is the only reason to open the network.
func (j *Job) NeedsNetwork() bool {
	return len(j.Packages) > 0
}
