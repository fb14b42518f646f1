package domain

import "time"

// Job is one asynchronous unit of execution over a working subset of requests.
type Job struct {
	ID         string      `json:"id" yaml:"id"`
	Kind       RequestKind `json:"kind" yaml:"kind"`
	Storage    string      `json:"storage" yaml:"storage"`
	RequestIDs []string    `json:"request_ids" yaml:"request_ids"`
	CreatedAt  time.Time   `json:"created_at" yaml:"created_at"`
}
