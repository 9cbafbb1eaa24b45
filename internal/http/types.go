package http

import (
	"kwenrich/internal/jobs"
)

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// JobResponse wraps a job with a derived completion percentage.
type JobResponse struct {
	Success bool      `json:"success"`
	Job     *jobs.Job `json:"job"`
	Percent float64   `json:"percent"`
}

type CancelResponse struct {
	Success  bool  `json:"success"`
	Affected int64 `json:"affected"`
}

type CleanupResponse struct {
	Success bool  `json:"success"`
	Deleted int64 `json:"deleted"`
}

type ScaleRequest struct {
	Workers int `json:"workers"`
}

type ScaleResponse struct {
	Success bool `json:"success"`
	Workers int  `json:"workers"`
}
